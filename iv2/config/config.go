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

package config

import (
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultSitesPerHost     = 2
	defaultKFactor          = 1
	defaultRootPath         = "/iv2"
	defaultLeaseTTL         = 3
	defaultDialTimeout      = 5 * time.Second
	defaultReadPoolSize     = 4
	defaultNpPoolSize       = 2
	defaultFlushInterval    = 10 * time.Millisecond
	defaultReplayBatch      = 10
	defaultProcWarnInterval = time.Second
	defaultTickInterval     = time.Second
	defaultPromotionRetry   = 10 * time.Millisecond
	defaultStatusAddr       = "127.0.0.1:8080"
	defaultClientRetries    = 10
)

// Duration is a time.Duration written as text in TOML and JSON.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the iv2 server configuration.
type Config struct {
	*flag.FlagSet `toml:"-" json:"-"`

	ConfigCheck bool `toml:"-" json:"-"`

	Log        log.Config       `toml:"log" json:"log"`
	Cluster    ClusterConfig    `toml:"cluster" json:"cluster"`
	Membership MembershipConfig `toml:"membership" json:"membership"`
	Initiator  InitiatorConfig  `toml:"initiator" json:"initiator"`
	TaskQueue  TaskQueueConfig  `toml:"task-queue" json:"task-queue"`
	Status     StatusConfig     `toml:"status" json:"status"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string
}

// ClusterConfig is the topology of the in-process cluster.
type ClusterConfig struct {
	Hosts        int `toml:"hosts" json:"hosts"`
	SitesPerHost int `toml:"sites-per-host" json:"sites-per-host"`
	Partitions   int `toml:"partitions" json:"partitions"`
	// KFactor is the number of extra replicas of each partition.
	KFactor int `toml:"k-factor" json:"k-factor"`
	// MPIHosts lists the hosts that run a coordinator candidate. Empty
	// means every host.
	MPIHosts []int `toml:"mpi-hosts" json:"mpi-hosts"`
}

// MembershipConfig selects the membership service. Without endpoints an
// in-memory registry is used.
type MembershipConfig struct {
	Endpoints   []string `toml:"endpoints" json:"endpoints"`
	RootPath    string   `toml:"root-path" json:"root-path"`
	LeaseTTL    int64    `toml:"lease-ttl" json:"lease-ttl"`
	DialTimeout Duration `toml:"dial-timeout" json:"dial-timeout"`
}

type InitiatorConfig struct {
	MpReadPoolSize         int      `toml:"mp-read-pool-size" json:"mp-read-pool-size"`
	NpPoolSize             int      `toml:"np-pool-size" json:"np-pool-size"`
	SyncCommandLog         bool     `toml:"sync-command-log" json:"sync-command-log"`
	CommandLogFlush        Duration `toml:"command-log-flush-interval" json:"command-log-flush-interval"`
	RejoinReplayBatch      int      `toml:"rejoin-replay-batch" json:"rejoin-replay-batch"`
	ProcedureWarnInterval  Duration `toml:"procedure-warn-interval" json:"procedure-warn-interval"`
	TickInterval           Duration `toml:"tick-interval" json:"tick-interval"`
	PromotionRetryInterval Duration `toml:"promotion-retry-interval" json:"promotion-retry-interval"`
	// ClientRetries bounds how often the client interface resubmits a
	// restarted transaction.
	ClientRetries int `toml:"client-retries" json:"client-retries"`
}

// TaskQueueConfig is the ordering policy of every site queue.
type TaskQueueConfig struct {
	Fair         bool    `toml:"fair" json:"fair"`
	HighWeight   float64 `toml:"high-weight" json:"high-weight"`
	NormalWeight float64 `toml:"normal-weight" json:"normal-weight"`
	LowWeight    float64 `toml:"low-weight" json:"low-weight"`
}

// Policy builds the tasker policy.
func (c TaskQueueConfig) Policy() tasker.Policy {
	if !c.Fair {
		return tasker.DefaultPolicy()
	}
	return tasker.Policy{
		Fair: true,
		Weights: map[tasker.Priority]float64{
			tasker.PriorityHigh:   c.HighWeight,
			tasker.PriorityNormal: c.NormalWeight,
			tasker.PriorityLow:    c.LowWeight,
		},
	}
}

type StatusConfig struct {
	Addr string `toml:"addr" json:"addr"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// NewConfig creates a config bound to its command line flags.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("iv2-server", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.StringVar(&cfg.configFile, "config", "", "config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")
	fs.IntVar(&cfg.Cluster.Hosts, "hosts", 0, "number of hosts in the cluster")
	fs.IntVar(&cfg.Cluster.SitesPerHost, "sites-per-host", 0, "sites on every host")
	fs.IntVar(&cfg.Cluster.KFactor, "k-factor", 0, "extra replicas of each partition")
	fs.StringVar(&cfg.Status.Addr, "status-addr", "", "status and admin HTTP address")
	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")
	return cfg
}

// NewDefaultConfig is the adjusted default configuration.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.adjust()
	return cfg
}

// NewTestConfig is a small cluster with quick timers.
func NewTestConfig() *Config {
	cfg := &Config{
		Cluster: ClusterConfig{Hosts: 2, SitesPerHost: 2, Partitions: 2, KFactor: 1},
		Initiator: InitiatorConfig{
			MpReadPoolSize:         2,
			NpPoolSize:             1,
			CommandLogFlush:        NewDuration(time.Millisecond),
			TickInterval:           NewDuration(50 * time.Millisecond),
			PromotionRetryInterval: NewDuration(time.Millisecond),
		},
		Status: StatusConfig{Addr: "127.0.0.1:0"},
	}
	cfg.adjust()
	return cfg
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt64(v *int64, defValue int64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustFloat(v *float64, defValue float64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses the flags, loads the config file if one was named and lets
// the flags override it.
func (c *Config) Parse(arguments []string) error {
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}
	return c.Adjust(meta)
}

func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// Adjust fills the defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if err := checkUndecoded(meta); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}
	c.adjust()
	return c.Validate()
}

func checkUndecoded(meta *toml.MetaData) error {
	if meta == nil {
		return nil
	}
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return errors.New("config contains undefined item: " + strings.Join(keys, ", "))
}

func (c *Config) adjust() {
	adjustString(&c.Log.Level, getLogLevel())

	adjustInt(&c.Cluster.SitesPerHost, defaultSitesPerHost)
	if c.Cluster.KFactor == 0 && c.Cluster.Hosts == 0 {
		c.Cluster.KFactor = defaultKFactor
	}
	adjustInt(&c.Cluster.Hosts, c.Cluster.KFactor+1)
	adjustInt(&c.Cluster.Partitions, c.Cluster.Hosts*c.Cluster.SitesPerHost/(c.Cluster.KFactor+1))

	adjustString(&c.Membership.RootPath, defaultRootPath)
	adjustInt64(&c.Membership.LeaseTTL, defaultLeaseTTL)
	adjustDuration(&c.Membership.DialTimeout, defaultDialTimeout)

	adjustInt(&c.Initiator.MpReadPoolSize, defaultReadPoolSize)
	adjustInt(&c.Initiator.NpPoolSize, defaultNpPoolSize)
	adjustDuration(&c.Initiator.CommandLogFlush, defaultFlushInterval)
	adjustInt(&c.Initiator.RejoinReplayBatch, defaultReplayBatch)
	adjustDuration(&c.Initiator.ProcedureWarnInterval, defaultProcWarnInterval)
	adjustDuration(&c.Initiator.TickInterval, defaultTickInterval)
	adjustDuration(&c.Initiator.PromotionRetryInterval, defaultPromotionRetry)
	adjustInt(&c.Initiator.ClientRetries, defaultClientRetries)

	adjustFloat(&c.TaskQueue.HighWeight, 4)
	adjustFloat(&c.TaskQueue.NormalWeight, 2)
	adjustFloat(&c.TaskQueue.LowWeight, 1)

	adjustString(&c.Status.Addr, defaultStatusAddr)
}

// Validate checks the topology can place every replica on its own host.
func (c *Config) Validate() error {
	cl := c.Cluster
	if cl.Hosts <= 0 || cl.SitesPerHost <= 0 || cl.Partitions <= 0 {
		return errors.Errorf("hosts, sites-per-host and partitions must be positive, got %d, %d, %d",
			cl.Hosts, cl.SitesPerHost, cl.Partitions)
	}
	if cl.KFactor < 0 {
		return errors.Errorf("k-factor must not be negative, got %d", cl.KFactor)
	}
	if cl.KFactor+1 > cl.Hosts {
		return errors.Errorf("k-factor %d needs at least %d hosts, got %d", cl.KFactor, cl.KFactor+1, cl.Hosts)
	}
	if cl.Hosts*cl.SitesPerHost != cl.Partitions*(cl.KFactor+1) {
		return errors.Errorf("%d hosts with %d sites each cannot hold %d partitions with k-factor %d",
			cl.Hosts, cl.SitesPerHost, cl.Partitions, cl.KFactor)
	}
	for _, h := range cl.MPIHosts {
		if h < 0 || h >= cl.Hosts {
			return errors.Errorf("mpi host %d is not in the cluster", h)
		}
	}
	if c.Initiator.MpReadPoolSize <= 0 || c.Initiator.NpPoolSize <= 0 {
		return errors.New("pool sizes must be positive")
	}
	if c.Initiator.ClientRetries < 0 {
		return errors.New("client-retries must not be negative")
	}
	return nil
}

// MPIHosts returns the hosts that run a coordinator candidate.
func (c *Config) MPIHosts() []int {
	if len(c.Cluster.MPIHosts) > 0 {
		return append([]int(nil), c.Cluster.MPIHosts...)
	}
	hosts := make([]int, c.Cluster.Hosts)
	for i := range hosts {
		hosts[i] = i
	}
	return hosts
}

// SetupLogger installs the configured logger as the global one.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.WithStack(err)
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

func (c *Config) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "<nil>"
	}
	return string(data)
}
