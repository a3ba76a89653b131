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

// Package sections implements the per-owner decoders bound into an
// events.Registry: one raw/JSON codec per section id.
package sections

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/facebookincubator/retis/internal/events"
)

// Common carries the timebase every other section in the same record
// is relative to.
type Common struct {
	Timestamp uint64 `json:"timestamp"`
	SmpID     uint32 `json:"smp_id"`
}

// ToJSON implements events.SectionValue.
func (c *Common) ToJSON() (json.RawMessage, error) { return json.Marshal(c) }

// CommonFactory decodes the common section.
type CommonFactory struct{}

const commonRawLen = 12 // u64 timestamp + u32 smp_id, packed.

// FromRaw implements events.SectionFactory.
func (CommonFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("common event must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) != commonRawLen {
		return nil, fmt.Errorf("common section: expected %d bytes, got %d", commonRawLen, len(buf))
	}
	return &Common{
		Timestamp: binary.LittleEndian.Uint64(buf[0:8]),
		SmpID:     binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// FromJSON implements events.SectionFactory.
func (CommonFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var c Common
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
