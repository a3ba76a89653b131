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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
)

type fakeClient struct {
	mu       sync.Mutex
	commands []string
	calls    []string
	response func(command, ufid string) (string, error)
}

func (c *fakeClient) ListCommands() ([]string, error) { return c.commands, nil }

func (c *fakeClient) Run(command string, args ...string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, fmt.Sprintf("%s:%s", command, args[0]))
	c.mu.Unlock()
	return c.response(command, args[0])
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newUFID(b byte) UFID {
	var u UFID
	u[0] = b
	return u
}

func TestDetraceSupportDetectedFromListCommands(t *testing.T) {
	client := &fakeClient{commands: []string{"dpctl/get-flow", "ofproto/detrace"}}
	e, err := New(client)
	require.NoError(t, err)
	require.True(t, e.DetraceSupported())
}

func TestEnricherPublishesFlowInfoEvent(t *testing.T) {
	client := &fakeClient{
		commands: []string{"dpctl/get-flow"},
		response: func(command, ufid string) (string, error) {
			return "recirc_id(0),in_port(1)\n", nil
		},
	}
	e, err := New(client)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	req := Request{UFID: newUFID(1), FlowPtr: 0xdead, ActsPtr: 0xbeef}
	e.Submit(req)

	select {
	case ev := <-e.Events():
		v, ok := ev.Get(events.SectionOvsFlowInfo)
		require.True(t, ok)
		info := v.(*sections.OvsFlowInfo)
		require.Equal(t, req.UFID.String(), info.UFID)
		require.Equal(t, "recirc_id(0),in_port(1)", info.DpFlow)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for enrichment event")
	}

	e.Stop()
}

func TestEnricherDeduplicatesRepeatedUFIDInQueue(t *testing.T) {
	client := &fakeClient{
		response: func(command, ufid string) (string, error) { return "flow", nil },
	}
	e, err := New(client)
	require.NoError(t, err)

	ufid := newUFID(2)
	e.enqueue(Request{UFID: ufid, FlowPtr: 1})
	e.enqueue(Request{UFID: ufid, FlowPtr: 2})

	require.Len(t, e.queue, 1)
	require.Equal(t, uint64(2), e.queue[0].req.FlowPtr)
}

func TestEnricherCacheHitSkipsExternalRequest(t *testing.T) {
	client := &fakeClient{
		response: func(command, ufid string) (string, error) { return "flow", nil },
	}
	e, err := New(client)
	require.NoError(t, err)

	req := Request{UFID: newUFID(3), FlowPtr: 1, ActsPtr: 2}
	e.cache[req.UFID] = &cacheEntry{req: req, dpflow: "flow", lastUsed: time.Now()}

	e.enqueue(req)
	e.purgeSatisfied()

	require.Empty(t, e.queue, "a task already satisfied by the cache must be purged before servicing")
}

func TestEnricherCacheInvalidatedOnPointerMismatch(t *testing.T) {
	req := Request{UFID: newUFID(4), FlowPtr: 1, ActsPtr: 2}
	other := Request{UFID: req.UFID, FlowPtr: 1, ActsPtr: 99}

	client := &fakeClient{}
	e, err := New(client)
	require.NoError(t, err)

	e.cache[req.UFID] = &cacheEntry{req: req, dpflow: "flow", lastUsed: time.Now()}
	e.enqueue(other)
	e.purgeSatisfied()

	require.Len(t, e.queue, 1, "a pointer mismatch must be treated as a cache miss")
}

func TestEnricherRateLimitsExternalRequests(t *testing.T) {
	client := &fakeClient{
		response: func(command, ufid string) (string, error) { return "flow", nil },
	}
	e, err := New(client)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Run(ctx)

	start := time.Now()
	for i := 0; i < 3; i++ {
		e.Submit(Request{UFID: newUFID(byte(10 + i))})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-e.Events():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for enrichment event")
		}
	}
	elapsed := time.Since(start)

	minInterval := time.Second / MaxRequestsPerSec
	require.GreaterOrEqual(t, elapsed, 2*minInterval, "three distinct UFIDs must be spaced out by the rate limit")
	e.Stop()
}
