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

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/retis/internal/events"
)

// sliceSource replays a fixed slice of events, then reports io.EOF.
type sliceSource struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *sliceSource) NextEvent(ctx context.Context) (*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

// flakySource interleaves a *events.DecodeError among its good events,
// mimicking a ring/replay source hitting one malformed record.
type flakySource struct {
	mu    sync.Mutex
	items []interface{} // either *events.Event or error
}

func (s *flakySource) NextEvent(ctx context.Context) (*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	if err, ok := item.(error); ok {
		return nil, err
	}
	return item.(*events.Event), nil
}

// passthroughStage forwards every event unchanged and counts calls.
type passthroughStage struct {
	mu      sync.Mutex
	seen    int
	stopped bool
}

func (p *passthroughStage) ProcessOne(e *events.Event) ([]*events.Event, error) {
	p.mu.Lock()
	p.seen++
	p.mu.Unlock()
	return []*events.Event{e}, nil
}

func (p *passthroughStage) Stop() ([]*events.Event, error) {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil, nil
}

// recordingSink appends every event it receives and counts flushes.
type recordingSink struct {
	mu      sync.Mutex
	events  []*events.Event
	flushed int
}

func (r *recordingSink) OutputOne(e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func newTestEvent(t *testing.T) *events.Event {
	t.Helper()
	e := events.NewEvent()
	require.NoError(t, e.Insert(events.SectionCommon, &stubSection{}))
	return e
}

type stubSection struct{}

func (s *stubSection) ToJSON() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func TestPipelineDeliversEventsInOrderAndStopsStages(t *testing.T) {
	want := []*events.Event{newTestEvent(t), newTestEvent(t), newTestEvent(t)}
	source := &sliceSource{events: append([]*events.Event(nil), want...)}

	stage := &passthroughStage{}
	sink := &recordingSink{}

	p := New(source)
	p.AddStage("pass", stage)
	p.AddSink(sink)

	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, 3, stage.seen)
	require.True(t, stage.stopped)
	require.Len(t, sink.events, 3)
	for i := range want {
		require.Same(t, want[i], sink.events[i])
	}
	require.Equal(t, 1, sink.flushed)
}

func TestPipelineContinuesPastMalformedEventInsteadOfStopping(t *testing.T) {
	e1, e2 := newTestEvent(t), newTestEvent(t)
	source := &flakySource{items: []interface{}{
		e1,
		events.NewDecodeError(errors.New("malformed record")),
		e2,
	}}

	stage := &passthroughStage{}
	sink := &recordingSink{}

	p := New(source)
	p.AddStage("pass", stage)
	p.AddSink(sink)

	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, 2, stage.seen, "the malformed record must be dropped, not counted, and must not stop the good ones around it")
	require.Len(t, sink.events, 2)
	require.Same(t, e1, sink.events[0])
	require.Same(t, e2, sink.events[1])
}

func TestPipelineRunsWithoutAddedStages(t *testing.T) {
	p := New(&sliceSource{})
	// No AddStage call: Run still injects the output stage internally,
	// so this configuration is valid and must not error.
	require.NoError(t, p.Run(context.Background()))
}

func TestFileSinkRoundTripsThroughEncodeLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewFileSink(&buf)

	e := newTestEvent(t)
	require.NoError(t, sink.OutputOne(e))
	require.NoError(t, sink.Flush())

	require.Contains(t, buf.String(), `"common":{}`)
}

func TestTextSinkUsesDefaultFormatWhenNilGiven(t *testing.T) {
	var buf bytes.Buffer
	sink := NewTextSink(&buf, nil)

	require.NoError(t, sink.OutputOne(newTestEvent(t)))
	require.NoError(t, sink.Flush())
	require.NotEmpty(t, buf.String())
}
