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

package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
	"github.com/facebookincubator/retis/internal/metrics"
)

// MaxRequestsPerSec bounds external daemon queries, averaged over any
// one second window.
const MaxRequestsPerSec = 10

// MaxFlowAge is how long a task may sit at the queue head, and how
// long a cache entry stays valid, before it's dropped/evicted. Not
// specified numerically by the contract this enricher implements;
// chosen in line with the flow-enricher's own 500ms/10rps cadence.
const MaxFlowAge = 30 * time.Second

const defaultWaitTime = 500 * time.Millisecond

type cacheEntry struct {
	req      Request
	dpflow   string
	ofpflows []string
	lastUsed time.Time
}

// queuedTask pairs a request with the time it entered the queue, so
// step 6 of the enrichment loop can drop tasks that have waited too
// long without ever being serviced.
type queuedTask struct {
	req       Request
	enqueued  time.Time
}

// Enricher is the flow-enrichment background worker: a deduplicated,
// rate-limited task queue in front of an external OVS daemon, with a
// result cache invalidated on (flow_ptr, acts_ptr) mismatch.
type Enricher struct {
	client          Client
	detraceSupported bool
	out             chan *events.Event

	mu          sync.Mutex
	queue       []queuedTask
	queueIndex  map[UFID]int
	cache       map[UFID]*cacheEntry
	nextRequest time.Time

	in     chan Request
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Enricher that issues requests through client. Events
// it produces are delivered on Events(); callers must drain it (a
// pipeline Source typically wraps it) or Submit will eventually block.
func New(client Client) (*Enricher, error) {
	detrace, err := supportsDetrace(client)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to OVS: %w", err)
	}
	return &Enricher{
		client:           client,
		detraceSupported: detrace,
		out:              make(chan *events.Event, 64),
		queueIndex:       make(map[UFID]int),
		cache:            make(map[UFID]*cacheEntry),
		in:               make(chan Request, 64),
		now:              time.Now,
	}, nil
}

// DetraceSupported reports whether the connected daemon exposes
// ofproto/detrace.
func (e *Enricher) DetraceSupported() bool { return e.detraceSupported }

// Events returns the channel enrichment events are published on.
func (e *Enricher) Events() <-chan *events.Event { return e.out }

// Submit enqueues a flow for enrichment. Safe for concurrent callers.
func (e *Enricher) Submit(req Request) {
	e.in <- req
}

// Run starts the worker loop in the background. Call Stop to shut it
// down and join the goroutine.
func (e *Enricher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		defer close(e.out)
		e.loop(ctx)
	}()
}

// Stop cancels the worker and waits for it to exit.
func (e *Enricher) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *Enricher) loop(ctx context.Context) {
	waitTime := defaultWaitTime
	minInterval := time.Second / MaxRequestsPerSec

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.in:
			e.enqueue(req)
		case <-time.After(waitTime):
		}

		e.ageCache()
		e.purgeSatisfied()

		e.mu.Lock()
		empty := len(e.queue) == 0
		e.mu.Unlock()
		if empty {
			waitTime = defaultWaitTime
			continue
		}

		now := e.now()
		e.mu.Lock()
		next := e.nextRequest
		e.mu.Unlock()
		if now.Before(next) {
			waitTime = next.Sub(now)
			continue
		}

		e.dropExpiredHead()

		req, ok := e.popHead()
		if !ok {
			waitTime = defaultWaitTime
			continue
		}

		e.mu.Lock()
		if cached, ok := e.cache[req.UFID]; ok && cached.req == req {
			e.mu.Unlock()
			metrics.EnrichmentCacheHits.Inc()
			waitTime = defaultWaitTime
			continue
		}
		e.mu.Unlock()

		e.mu.Lock()
		e.nextRequest = now.Add(minInterval)
		e.mu.Unlock()

		e.perform(ctx, req)
		waitTime = defaultWaitTime
	}
}

func (e *Enricher) enqueue(req Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idx, ok := e.queueIndex[req.UFID]; ok {
		e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
		for ufid, i := range e.queueIndex {
			if i > idx {
				e.queueIndex[ufid] = i - 1
			}
		}
		delete(e.queueIndex, req.UFID)
	}
	e.queueIndex[req.UFID] = len(e.queue)
	e.queue = append(e.queue, queuedTask{req: req, enqueued: e.now()})
}

func (e *Enricher) ageCache() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for ufid, entry := range e.cache {
		if now.Sub(entry.lastUsed) > MaxFlowAge {
			delete(e.cache, ufid)
		}
	}
}

func (e *Enricher) purgeSatisfied() {
	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []queuedTask
	index := make(map[UFID]int)
	for _, task := range e.queue {
		if cached, ok := e.cache[task.req.UFID]; ok && cached.req == task.req {
			continue
		}
		index[task.req.UFID] = len(kept)
		kept = append(kept, task)
	}
	e.queue = kept
	e.queueIndex = index
}

func (e *Enricher) dropExpiredHead() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for len(e.queue) > 0 && now.Sub(e.queue[0].enqueued) > MaxFlowAge {
		delete(e.queueIndex, e.queue[0].req.UFID)
		e.queue = e.queue[1:]
		dropped++
	}
	for ufid, idx := range e.queueIndex {
		e.queueIndex[ufid] = idx - dropped
	}
	if dropped > 0 {
		log.Warnf("ovs-flow-enricher: dropped %d expired queue-head tasks", dropped)
	}
}

func (e *Enricher) popHead() (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return Request{}, false
	}
	task := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.queueIndex, task.req.UFID)
	for ufid, idx := range e.queueIndex {
		e.queueIndex[ufid] = idx - 1
	}
	return task.req, true
}

func (e *Enricher) perform(ctx context.Context, req Request) {
	metrics.EnrichmentRequests.Inc()
	ufidArg := "ufid:" + req.UFID.String()

	var ofpflows []string
	if e.detraceSupported {
		out, err := e.client.Run("ofproto/detrace", ufidArg)
		if err != nil {
			log.WithError(err).Error("ovs-flow-enricher: failed to detrace flow")
			return
		}
		if strings.TrimSpace(out) == "" {
			log.Warn("ovs-flow-enricher: ofproto/detrace returned empty data")
		} else {
			ofpflows = strings.Split(out, "\n")
		}
	}

	dpflow, err := e.client.Run("dpctl/get-flow", ufidArg)
	if err != nil {
		log.WithError(err).Error("ovs-flow-enricher: failed to get flow")
		return
	}
	dpflow = strings.TrimSpace(dpflow)
	if dpflow == "" {
		log.Warn("ovs-flow-enricher: dpctl/get-flow returned empty data")
		return
	}

	e.mu.Lock()
	e.cache[req.UFID] = &cacheEntry{req: req, dpflow: dpflow, ofpflows: ofpflows, lastUsed: e.now()}
	e.mu.Unlock()

	e.publish(ctx, req, dpflow, ofpflows)
}

func (e *Enricher) publish(ctx context.Context, req Request, dpflow string, ofpflows []string) {
	event := events.NewEvent()
	value := &sections.OvsFlowInfo{
		UFID:     req.UFID.String(),
		FlowPtr:  req.FlowPtr,
		ActsPtr:  req.ActsPtr,
		DpFlow:   dpflow,
		OfpFlows: ofpflows,
	}
	if err := event.Insert(events.SectionOvsFlowInfo, value); err != nil {
		log.WithError(err).Error("ovs-flow-enricher: failed to build event")
		return
	}
	select {
	case e.out <- event:
	case <-ctx.Done():
	}
}
