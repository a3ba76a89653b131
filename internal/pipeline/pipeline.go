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

// Package pipeline chains a sequence of Stages, each running on its own
// goroutine connected to its neighbors by bounded channels, terminated
// by an output stage fanning out to a set of Sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/retis/internal/events"
)

// queueDepth bounds every inter-stage channel; a slow stage applies
// backpressure to its producer instead of buffering unboundedly.
const queueDepth = 64

// Stage processes one event at a time and can expand it into zero or
// more downstream events (e.g. the terminal output stage consumes every
// event and emits none).
type Stage interface {
	ProcessOne(e *events.Event) ([]*events.Event, error)
	Stop() ([]*events.Event, error)
}

// Sink persists or displays a single terminal event.
type Sink interface {
	OutputOne(e *events.Event) error
	Flush() error
}

// Source produces events to feed into the pipeline's first stage. A
// *events.DecodeError is treated as a per-event failure: Run logs it
// and keeps pulling further events. Any other error is fatal and stops
// the pipeline.
type Source interface {
	NextEvent(ctx context.Context) (*events.Event, error)
}

type stageRunner struct {
	name   string
	stage  Stage
	input  <-chan *events.Event
	output chan *events.Event
	done   chan struct{}
}

func newStageRunner(name string, stage Stage, input <-chan *events.Event) *stageRunner {
	return &stageRunner{
		name:   name,
		stage:  stage,
		input:  input,
		output: make(chan *events.Event, queueDepth),
		done:   make(chan struct{}),
	}
}

func (s *stageRunner) start() {
	go func() {
		defer close(s.done)
		defer close(s.output)
		for e := range s.input {
			out, err := s.stage.ProcessOne(e)
			if err != nil {
				log.WithField("stage", s.name).WithError(err).Error("failed to process event")
				continue
			}
			for _, ev := range out {
				s.output <- ev
			}
		}
		out, err := s.stage.Stop()
		if err != nil {
			log.WithField("stage", s.name).WithError(err).Error("failed to stop stage")
			return
		}
		for _, ev := range out {
			s.output <- ev
		}
	}()
}

func (s *stageRunner) wait() { <-s.done }

// outputStage is the terminal Stage fanning every event out to a set
// of Sinks; it never produces downstream events.
type outputStage struct {
	sinks []Sink
}

// ProcessOne implements Stage.
func (o *outputStage) ProcessOne(e *events.Event) ([]*events.Event, error) {
	for _, sink := range o.sinks {
		if err := sink.OutputOne(e); err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
	}
	return nil, nil
}

// Stop implements Stage.
func (o *outputStage) Stop() ([]*events.Event, error) {
	for _, sink := range o.sinks {
		if err := sink.Flush(); err != nil {
			return nil, fmt.Errorf("flush: %w", err)
		}
	}
	return nil, nil
}

// Pipeline is a named sequence of Stages reading from a Source and
// writing, eventually, to a set of Sinks registered as the last stage.
type Pipeline struct {
	source  Source
	names   []string
	stages  []Stage
	sinks   []Sink
	runners []*stageRunner
}

// New returns an empty pipeline reading from source.
func New(source Source) *Pipeline {
	return &Pipeline{source: source}
}

// AddStage appends a named processing stage to the chain.
func (p *Pipeline) AddStage(name string, stage Stage) {
	p.names = append(p.names, name)
	p.stages = append(p.stages, stage)
}

// AddSink registers an output sink; sinks run on the pipeline's final
// stage, fed by whatever the last processing stage emits.
func (p *Pipeline) AddSink(sink Sink) {
	p.sinks = append(p.sinks, sink)
}

// Run starts every stage and feeds it events pulled from the source
// until ctx is canceled or the source returns an error other than a
// *events.DecodeError (io.EOF included), then drains and joins every
// stage in order.
func (p *Pipeline) Run(ctx context.Context) error {
	p.AddStage("output", &outputStage{sinks: p.sinks})

	first := make(chan *events.Event, queueDepth)
	in := (<-chan *events.Event)(first)
	for i, stage := range p.stages {
		runner := newStageRunner(p.names[i], stage, in)
		p.runners = append(p.runners, runner)
		runner.start()
		in = runner.output
	}

	if len(p.runners) == 0 {
		return fmt.Errorf("pipeline: no stages configured")
	}

feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		default:
		}

		e, err := p.source.NextEvent(ctx)
		if err != nil {
			var decodeErr *events.DecodeError
			if errors.As(err, &decodeErr) {
				log.WithError(err).Warn("dropping malformed event")
				continue
			}
			log.WithError(err).Error("source failed, stopping pipeline")
			break feed
		}
		if e == nil {
			continue
		}
		select {
		case first <- e:
		case <-ctx.Done():
			break feed
		}
	}
	close(first)

	for _, runner := range p.runners {
		runner.wait()
	}
	return nil
}
