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

// Package tracking runs a background sweep over correlation maps
// (skb-tracking, conntrack lookups, and similar BPF-side state keyed
// by a kernel pointer) evicting entries whose age, extracted from the
// stored value, exceeds a limit. Missed events can otherwise leave
// such maps accumulating stale entries forever.
package tracking

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/retis/internal/metrics"
)

// DefaultInterval is how often the GC sweeps every registered map.
const DefaultInterval = 5 * time.Second

// DefaultLimit is the maximum age an entry may reach before eviction.
const DefaultLimit = 60 * time.Second

// TrackedMap is the minimal BPF map surface the GC needs: iterate over
// keys, fetch a value, delete a key. BPFMap adapts libbpfgo's *BPFMap
// to it.
type TrackedMap interface {
	Name() string
	Keys() ([][]byte, error)
	Lookup(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
}

// AgeExtractor recovers the monotonic-clock age encoded in a map
// value. Returning an error skips that entry for this sweep, logging
// the failure; it does not stop the GC.
type AgeExtractor func(value []byte) (time.Duration, error)

// GC periodically sweeps a set of maps, evicting entries older than
// its limit.
type GC struct {
	maps        map[TrackedMap]AgeExtractor
	interval    time.Duration
	limit       time.Duration
	name        string
	now         func() (time.Duration, error)
	mu          sync.Mutex
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// New returns a GC with the package defaults for interval and limit.
func New() *GC {
	return &GC{
		maps:     make(map[TrackedMap]AgeExtractor),
		interval: DefaultInterval,
		limit:    DefaultLimit,
		name:     "tracking_gc",
		now:      monotonicNow,
	}
}

// WithInterval overrides the sweep interval.
func (g *GC) WithInterval(d time.Duration) *GC { g.interval = d; return g }

// WithLimit overrides the eviction age limit.
func (g *GC) WithLimit(d time.Duration) *GC { g.limit = d; return g }

// WithName overrides the GC's log-field name.
func (g *GC) WithName(name string) *GC { g.name = name; return g }

// Track registers a map to sweep, using extract to recover each
// entry's age from its raw value.
func (g *GC) Track(m TrackedMap, extract AgeExtractor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maps[m] = extract
}

// Run starts the periodic sweep in the background. It returns
// immediately; call Stop to join the goroutine.
func (g *GC) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

// Stop cancels the background sweep and waits for it to exit.
func (g *GC) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *GC) sweep() {
	now, err := g.now()
	if err != nil {
		log.WithField("gc", g.name).WithError(err).Error("failed to read monotonic clock")
		return
	}

	g.mu.Lock()
	snapshot := make(map[TrackedMap]AgeExtractor, len(g.maps))
	for m, extract := range g.maps {
		snapshot[m] = extract
	}
	g.mu.Unlock()

	for m, extract := range snapshot {
		g.sweepOne(m, extract, now)
	}
}

func (g *GC) sweepOne(m TrackedMap, extract AgeExtractor, now time.Duration) {
	keys, err := m.Keys()
	if err != nil {
		log.WithField("gc", g.name).WithField("map", m.Name()).WithError(err).Error("failed to list keys")
		return
	}

	var stale [][]byte
	for _, key := range keys {
		value, ok, err := m.Lookup(key)
		if err != nil || !ok {
			continue
		}
		age, err := extract(value)
		if err != nil {
			log.WithField("gc", g.name).WithField("map", m.Name()).WithError(err).Error("entry age extraction failed")
			continue
		}
		if now-age > g.limit {
			stale = append(stale, key)
		}
	}

	for _, key := range stale {
		if err := m.Delete(key); err != nil {
			continue
		}
		metrics.TrackingGCEvictions.WithLabelValues(m.Name()).Inc()
		log.WithField("gc", g.name).WithField("map", m.Name()).Warnf("removed stale entry %x", key)
	}
}

func monotonicNow() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Nano()), nil
}
