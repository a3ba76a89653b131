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
	"bufio"
	"fmt"
	"io"

	"github.com/facebookincubator/retis/internal/events"
)

// FileSink persists every event as one JSON line, matching the format
// Factory replay expects to read back.
type FileSink struct {
	w *bufio.Writer
	c io.Closer
}

// NewFileSink wraps w (and, if it also implements io.Closer, closes it
// on Flush's caller's behalf via Close).
func NewFileSink(w io.Writer) *FileSink {
	sink := &FileSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		sink.c = c
	}
	return sink
}

// OutputOne implements Sink.
func (s *FileSink) OutputOne(e *events.Event) error {
	line, err := e.EncodeLine()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return s.w.WriteByte('\n')
}

// Flush implements Sink.
func (s *FileSink) Flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// TextSink prints a short human-readable line per event, for
// interactive terminal use.
type TextSink struct {
	w      io.Writer
	format func(*events.Event) string
}

// NewTextSink returns a TextSink writing through format, or a default
// one-liner formatter printing the common section when format is nil.
func NewTextSink(w io.Writer, format func(*events.Event) string) *TextSink {
	if format == nil {
		format = defaultFormat
	}
	return &TextSink{w: w, format: format}
}

// OutputOne implements Sink.
func (s *TextSink) OutputOne(e *events.Event) error {
	_, err := fmt.Fprintln(s.w, s.format(e))
	return err
}

// Flush implements Sink.
func (s *TextSink) Flush() error { return nil }

func defaultFormat(e *events.Event) string {
	common, ok := e.Get(events.SectionCommon)
	if !ok {
		return "<event>"
	}
	return fmt.Sprintf("%+v", common)
}
