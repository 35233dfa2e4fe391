// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package message

import (
	"bytes"
	"encoding/json"

	"github.com/pingcap/errors"
)

// EncodeParams encodes a parameter set.
func EncodeParams(params ...interface{}) ([]byte, error) {
	if params == nil {
		params = []interface{}{}
	}
	b, err := json.Marshal(params)
	return b, errors.Trace(err)
}

// MustEncodeParams is EncodeParams for parameters known to be encodable.
func MustEncodeParams(params ...interface{}) []byte {
	b, err := EncodeParams(params...)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeParams decodes a parameter set. Numbers decode as json.Number so
// that they render exactly as they were encoded.
func DecodeParams(b []byte) ([]interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var params []interface{}
	if err := dec.Decode(&params); err != nil {
		return nil, errors.Annotate(err, "decode parameter set")
	}
	return params, nil
}
