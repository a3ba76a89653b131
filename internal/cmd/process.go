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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
	"github.com/facebookincubator/retis/internal/pipeline"
)

type processConfig struct {
	input      string
	output     string
	textOutput bool
}

var processCfg processConfig

func init() {
	RootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVar(&processCfg.input, "input", "", "replay a previously captured JSON-lines event file")
	processCmd.Flags().StringVar(&processCfg.output, "output", "", "write events as JSON lines to this file (stdout text if empty)")
	processCmd.Flags().BoolVar(&processCfg.textOutput, "text", false, "also print a one-line summary per event to stdout")
	_ = processCmd.MarkFlagRequired("input")
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Replay a captured event file through the same pipeline stages",
	Long: `Replay a captured event file through the same pipeline stages

Usage example:
  retis process --input events.json --text
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		return runProcess()
	},
}

func runProcess() error {
	registry := sections.NewDefaultRegistry()
	source, err := events.NewFileFactory(processCfg.input, registry)
	if err != nil {
		return fmt.Errorf("opening %q: %w", processCfg.input, err)
	}
	defer source.Close()

	p := pipeline.New(&mergedSource{source: source})
	if err := addSinks(p, processCfg.output, processCfg.textOutput); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("retis: replaying %s", processCfg.input)
	return p.Run(ctx)
}
