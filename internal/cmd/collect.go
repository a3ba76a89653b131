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
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebookincubator/retis/internal/enrich"
	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
	"github.com/facebookincubator/retis/internal/filter"
	"github.com/facebookincubator/retis/internal/kernel"
	"github.com/facebookincubator/retis/internal/metrics"
	"github.com/facebookincubator/retis/internal/pipeline"
	"github.com/facebookincubator/retis/internal/probe"
	"github.com/facebookincubator/retis/internal/ring"
	"github.com/facebookincubator/retis/internal/tracking"
)

// trackingMapName is the BPF-side map keyed by orig_head that the
// skb-tracking hook populates; see sections.SkbTracking for the value
// layout this module's kprobe/kretprobe objects share.
const trackingMapName = "tracking_map"

// skbTrackingAge reads the monotonic timestamp a tracking entry was
// stamped with (offset 8, matching sections.SkbTracking.Timestamp) so
// the GC can compare it against the current clock.
func skbTrackingAge(value []byte) (time.Duration, error) {
	if len(value) < 16 {
		return 0, fmt.Errorf("tracking entry too short: %d bytes", len(value))
	}
	return time.Duration(binary.LittleEndian.Uint64(value[8:16])), nil
}

type collectConfig struct {
	probes     []string
	filterRule string
	stackTrace bool
	output     string
	textOutput bool
	ovsSocket  string
}

var collectCfg collectConfig

func init() {
	RootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringSliceVar(&collectCfg.probes, "probe", nil,
		"probe target to attach, e.g. tp:skb:kfree_skb or kprobe:tcp_v4_rcv (repeatable)")
	collectCmd.Flags().StringVar(&collectCfg.filterRule, "filter", "", "pcap-style packet filter applied to every probe")
	collectCmd.Flags().BoolVar(&collectCfg.stackTrace, "stack-trace", false, "capture a stack trace at every probe hit")
	collectCmd.Flags().StringVar(&collectCfg.output, "output", "", "write events as JSON lines to this file (stdout text if empty)")
	collectCmd.Flags().BoolVar(&collectCfg.textOutput, "text", false, "also print a one-line summary per event to stdout")
	collectCmd.Flags().StringVar(&collectCfg.ovsSocket, "ovs-enrich", "",
		"path to an ovs-vswitchd unixctl socket; enables flow-detail enrichment of ovs exec events")
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Attach probes and stream correlated events live",
	Long: `Attach probes and stream correlated events live

Usage example:
  retis collect --probe tp:skb:kfree_skb --probe kprobe:tcp_v4_rcv --output events.json
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureVerbosity()
		return runCollect()
	},
}

func runCollect() error {
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
	}

	insp, err := kernel.New(kernel.DefaultFiles, nil)
	if err != nil {
		return fmt.Errorf("inspecting kernel: %w", err)
	}

	mgr := probe.NewManager()
	if collectCfg.stackTrace {
		mgr.SetOption(probe.OptStackTrace)
	}

	registeredKeys := make(map[string]struct{})
	for _, target := range collectCfg.probes {
		probes, err := probe.Parse(target, insp, probe.AcceptAll)
		if err != nil {
			return fmt.Errorf("parsing probe %q: %w", target, err)
		}
		for _, p := range probes {
			if err := mgr.RegisterProbe(p); err != nil {
				return fmt.Errorf("registering probe %q: %w", target, err)
			}
			registeredKeys[p.Key()] = struct{}{}
		}
	}

	if collectCfg.filterRule != "" {
		f, err := filter.Compile(collectCfg.filterRule)
		if err != nil {
			return fmt.Errorf("compiling filter: %w", err)
		}
		if err := mgr.RegisterFilter(f); err != nil {
			return fmt.Errorf("registering filter: %w", err)
		}
	}

	ringModule, ringFD, err := ring.LoadModule()
	if err != nil {
		return fmt.Errorf("loading events map: %w", err)
	}
	defer ringModule.Close()

	if err := mgr.ReuseMap(ring.MapName, ringFD); err != nil {
		return fmt.Errorf("sharing events map: %w", err)
	}

	if err := mgr.Attach(); err != nil {
		return fmt.Errorf("attaching probes: %w", err)
	}
	defer mgr.Close()
	metrics.ProbesAttached.Set(float64(len(registeredKeys)))

	registry := sections.NewDefaultRegistry()
	source, err := ring.NewFactory(ringModule, registry)
	if err != nil {
		return fmt.Errorf("starting ring consumer: %w", err)
	}
	defer source.Close()

	gc := tracking.New()
	if m, ok := mgr.Map(trackingMapName); ok {
		gc.Track(tracking.NewBPFMap(trackingMapName, m), skbTrackingAge)
	} else {
		log.Debug("no tracking map attached, garbage collector has nothing to sweep")
	}
	gcCtx, cancelGC := context.WithCancel(context.Background())
	defer cancelGC()
	gc.Run(gcCtx)
	defer gc.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	merged := &mergedSource{source: source}

	var enrichStage *enrich.TriggerStage
	if collectCfg.ovsSocket != "" {
		client, err := enrich.DialUnixctl(collectCfg.ovsSocket)
		if err != nil {
			return fmt.Errorf("dialing ovs unixctl socket: %w", err)
		}
		defer client.Close()

		enricher, err := enrich.New(client)
		if err != nil {
			return fmt.Errorf("starting flow enricher: %w", err)
		}
		enricher.Run(ctx)
		defer enricher.Stop()

		merged.enrich = enricher.Events()
		enrichStage = enrich.NewTriggerStage(enricher)
	}

	p := pipeline.New(merged)
	if enrichStage != nil {
		p.AddStage("ovs-enrich-trigger", enrichStage)
	}
	if err := addSinks(p, collectCfg.output, collectCfg.textOutput); err != nil {
		return err
	}

	log.Info("retis: collecting events, press ctrl-c to stop")
	return p.Run(ctx)
}

// mergedSource fans the ring-buffer source and, when flow enrichment is
// enabled, the enricher's asynchronous ovs-flow-info events into a
// single pipeline.Source.
type mergedSource struct {
	source events.Factory
	enrich <-chan *events.Event
}

const pollTimeout = 200 * time.Millisecond

func (s *mergedSource) NextEvent(ctx context.Context) (*events.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case e, ok := <-s.enrich:
			if !ok {
				s.enrich = nil
				continue
			}
			return e, nil
		default:
		}
		e, err := s.source.NextEvent(pollTimeout)
		if err != nil || e != nil {
			return e, err
		}
	}
}

func addSinks(p *pipeline.Pipeline, output string, text bool) error {
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file %q: %w", output, err)
		}
		p.AddSink(pipeline.NewFileSink(f))
	}
	if text || output == "" {
		p.AddSink(pipeline.NewTextSink(os.Stdout, nil))
	}
	return nil
}
