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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/pipeline"
)

func newTestPipeline() *pipeline.Pipeline {
	return pipeline.New(&mergedSource{source: &fakeFactory{}})
}

// fakeFactory feeds a fixed slice of events once, then reports io.EOF-free
// empty polls forever, mirroring how ring.Factory behaves between records.
type fakeFactory struct {
	queue []*events.Event
}

func (f *fakeFactory) NextEvent(time.Duration) (*events.Event, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	e := f.queue[0]
	f.queue = f.queue[1:]
	return e, nil
}

func (f *fakeFactory) Close() error { return nil }

func TestMergedSourcePrefersEnrichEventsOverRingPoll(t *testing.T) {
	ringEvent := events.NewEvent()
	enrichEvent := events.NewEvent()

	enrichCh := make(chan *events.Event, 1)
	enrichCh <- enrichEvent

	s := &mergedSource{source: &fakeFactory{queue: []*events.Event{ringEvent}}, enrich: enrichCh}

	got, err := s.NextEvent(context.Background())
	require.NoError(t, err)
	require.Same(t, enrichEvent, got)
}

func TestMergedSourceFallsBackToRingWhenEnrichEmpty(t *testing.T) {
	ringEvent := events.NewEvent()
	enrichCh := make(chan *events.Event)

	s := &mergedSource{source: &fakeFactory{queue: []*events.Event{ringEvent}}, enrich: enrichCh}

	got, err := s.NextEvent(context.Background())
	require.NoError(t, err)
	require.Same(t, ringEvent, got)
}

func TestMergedSourceHandlesClosedEnrichChannel(t *testing.T) {
	ringEvent := events.NewEvent()
	enrichCh := make(chan *events.Event)
	close(enrichCh)

	s := &mergedSource{source: &fakeFactory{queue: []*events.Event{ringEvent}}, enrich: enrichCh}

	got, err := s.NextEvent(context.Background())
	require.NoError(t, err)
	require.Same(t, ringEvent, got)
	require.Nil(t, s.enrich, "a closed enrich channel must be nil'd out so it's never selected again")
}

func TestMergedSourceWorksWithoutEnrichment(t *testing.T) {
	ringEvent := events.NewEvent()
	s := &mergedSource{source: &fakeFactory{queue: []*events.Event{ringEvent}}}

	got, err := s.NextEvent(context.Background())
	require.NoError(t, err)
	require.Same(t, ringEvent, got)
}

func TestMergedSourceReturnsNilWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &mergedSource{source: &fakeFactory{}}
	got, err := s.NextEvent(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAddSinksDefaultsToStdoutWhenNoOutputGiven(t *testing.T) {
	p := newTestPipeline()
	require.NoError(t, addSinks(p, "", false))
}

func TestAddSinksWritesFileWhenOutputGiven(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.json")

	p := newTestPipeline()
	require.NoError(t, addSinks(p, out, false))

	_, err := os.Stat(out)
	require.NoError(t, err, "addSinks must create the output file immediately")
}

func TestAddSinksRejectsUnwritableOutputPath(t *testing.T) {
	p := newTestPipeline()
	err := addSinks(p, filepath.Join(t.TempDir(), "missing-dir", "events.json"), false)
	require.Error(t, err)
}
