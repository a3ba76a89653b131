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

// Package ring consumes the kernel-side event ring: a single-producer,
// single-consumer byte ring carrying length-prefixed records, each a
// concatenation of owner-tagged raw sections.
package ring

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/aquasecurity/libbpfgo"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/metrics"
)

// recordHeaderLen is the fixed [u32 total_len][u32 seq] record header.
const recordHeaderLen = 8

// sectionHeaderLen is the fixed [u8 owner_id][u8 data_type][u16 len]
// section header within a record.
const sectionHeaderLen = 4

// MapName is the ring buffer map every probe kind's program writes
// into.
const MapName = "events_map"

// Factory implements events.Factory over the live kernel ring.
type Factory struct {
	module   *libbpfgo.Module
	rb       *libbpfgo.RingBuffer
	raw      chan []byte
	registry *events.Registry

	lastSeq uint32
	haveSeq bool
}

// NewFactory opens MapName's ring buffer on module and starts
// consuming it in the background. Close stops consumption.
func NewFactory(module *libbpfgo.Module, registry *events.Registry) (*Factory, error) {
	raw := make(chan []byte, 4096)
	rb, err := module.InitRingBuf(MapName, raw)
	if err != nil {
		return nil, fmt.Errorf("initializing ring buffer: %w", err)
	}

	f := &Factory{module: module, rb: rb, raw: raw, registry: registry}
	rb.Start()
	return f, nil
}

// NextEvent blocks up to timeout for the next decoded event.
func (f *Factory) NextEvent(timeout time.Duration) (*events.Event, error) {
	select {
	case data, ok := <-f.raw:
		if !ok {
			return nil, io.EOF
		}
		return f.decodeRecord(data)
	case <-time.After(timeout):
		return nil, nil
	}
}

// Close implements events.Factory.
func (f *Factory) Close() error {
	f.rb.Stop()
	f.rb.Close()
	return nil
}

func (f *Factory) decodeRecord(data []byte) (*events.Event, error) {
	if len(data) < recordHeaderLen {
		return nil, events.NewDecodeError(fmt.Errorf("record too short for header: %d bytes", len(data)))
	}

	totalLen := binary.LittleEndian.Uint32(data[0:4])
	seq := binary.LittleEndian.Uint32(data[4:8])
	if int(totalLen) != len(data) {
		return nil, events.NewDecodeError(fmt.Errorf("record length mismatch: header says %d, got %d", totalLen, len(data)))
	}
	f.observeSequence(seq)

	sections, err := splitSections(data[recordHeaderLen:])
	if err != nil {
		return nil, events.NewDecodeError(err)
	}

	return events.DecodeRecord(sections, f.registry)
}

// observeSequence surfaces ring drops (a gap in the monotonic sequence
// counter) as a non-fatal metric, never an error.
func (f *Factory) observeSequence(seq uint32) {
	if f.haveSeq && seq != f.lastSeq+1 {
		metrics.RingLostRecords.Add(float64(seq - f.lastSeq - 1))
	}
	f.lastSeq = seq
	f.haveSeq = true
}

func splitSections(buf []byte) ([]events.RawSection, error) {
	var sections []events.RawSection
	for len(buf) > 0 {
		if len(buf) < sectionHeaderLen {
			return nil, fmt.Errorf("truncated section header: %d bytes left", len(buf))
		}
		ownerID := buf[0]
		dataType := buf[1]
		length := binary.LittleEndian.Uint16(buf[2:4])

		buf = buf[sectionHeaderLen:]
		if int(length) > len(buf) {
			return nil, fmt.Errorf("section length %d exceeds remaining record %d", length, len(buf))
		}

		sections = append(sections, events.RawSection{
			OwnerID:  events.SectionID(ownerID),
			DataType: dataType,
			Payload:  buf[:length],
		})
		buf = buf[length:]
	}
	return sections, nil
}
