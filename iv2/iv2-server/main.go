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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/config"
	"github.com/VoltDB/voltdb-sub041/iv2/server"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const readyTimeout = 30 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "iv2-server",
		Short: "In-process cluster of iv2 transaction initiators",
	}
	root.AddCommand(newRunCommand(), newCheckConfigCommand())
	if err := root.Execute(); err != nil {
		exit(1)
	}
}

// parseConfig hands the raw arguments to the config's own flag set so the
// file and the flags are merged in one place.
func parseConfig(args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	err := cfg.Parse(args)
	switch errors.Cause(err) {
	case nil:
		return cfg, nil
	case flag.ErrHelp:
		exit(0)
	}
	return nil, err
}

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:                "check-config [flags]",
		Short:              "Validate the configuration and print it",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig(args)
			if err != nil {
				return err
			}
			for _, msg := range cfg.WarningMsgs {
				fmt.Fprintln(cmd.OutOrStdout(), "warning:", msg)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [flags]",
		Short: "Start every host of the cluster, the status server and wait for a signal",
		Long: `Start an in-process cluster with the demo catalog.

Example:
  iv2-server run -hosts 3 -k-factor 1 -status-addr 127.0.0.1:8080
  iv2-server run -config iv2.toml`,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig(args)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	if cfg.ConfigCheck {
		fmt.Println(cfg.String())
		return nil
	}
	if err := cfg.SetupLogger(); err != nil {
		return err
	}
	defer log.Sync()
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}
	log.Info("starting iv2 cluster", zap.Stringer("config", cfg))

	cluster, err := server.NewCluster(cfg)
	if err != nil {
		return err
	}
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cluster.Start(ctx); err != nil {
		cluster.Close()
		return err
	}
	defer cluster.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, readyTimeout)
	err = cluster.WaitReady(readyCtx)
	readyCancel()
	if err != nil {
		return errors.WithMessage(err, "cluster did not elect every master")
	}

	status, err := server.StartStatusServer(cfg.Status.Addr, cluster)
	if err != nil {
		return err
	}
	log.Info("cluster ready", zap.String("status-addr", status.Addr()))

	sig := <-sc
	log.Info("Got signal to exit", zap.String("signal", sig.String()))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return status.Close(shutdownCtx)
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
