/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd wires the probe-and-event engine to a cobra CLI: one
// subcommand attaches probes and streams events live, another replays
// a previously captured event file through the same pipeline stages.
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is retis's entry point.
var RootCmd = &cobra.Command{
	Use:   "retis",
	Short: "Trace and correlate kernel and userspace packet-processing events",
}

// Config holds the flags shared by every subcommand.
type Config struct {
	LogLevel    string
	MetricsAddr string
}

var cfg Config

func init() {
	RootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "loglevel", "info", "set a log level. Can be: trace, debug, info, warning, error")
	RootCmd.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
}

// ConfigureVerbosity applies the parsed --loglevel flag. Every
// subcommand calls this before doing real work.
func ConfigureVerbosity() {
	switch cfg.LogLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", cfg.LogLevel)
	}
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
