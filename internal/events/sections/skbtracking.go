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

package sections

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/facebookincubator/retis/internal/events"
)

// SkbTracking carries the correlation identifiers a tracking hook
// attaches at skb allocation and consults on every later probe hit.
type SkbTracking struct {
	OrigHead   uint64  `json:"orig_head"`
	Timestamp  uint64  `json:"timestamp"`
	Skb        uint64  `json:"skb"`
	DropReason *uint32 `json:"drop_reason,omitempty"`
}

// ToJSON implements events.SectionValue.
func (t *SkbTracking) ToJSON() (json.RawMessage, error) { return json.Marshal(t) }

// SkbTrackingFactory decodes the skb-tracking section: orig_head (u64),
// timestamp (u64), skb (u64), drop_reason (i32, negative = absent).
type SkbTrackingFactory struct{}

const skbTrackingRawLen = 28

// FromRaw implements events.SectionFactory.
func (SkbTrackingFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("skb tracking event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) != skbTrackingRawLen {
		return nil, fmt.Errorf("skb-tracking section: expected %d bytes, got %d", skbTrackingRawLen, len(buf))
	}

	t := &SkbTracking{
		OrigHead:  binary.LittleEndian.Uint64(buf[0:8]),
		Timestamp: binary.LittleEndian.Uint64(buf[8:16]),
		Skb:       binary.LittleEndian.Uint64(buf[16:24]),
	}
	if reason := int32(binary.LittleEndian.Uint32(buf[24:28])); reason >= 0 {
		u := uint32(reason)
		t.DropReason = &u
	}
	return t, nil
}

// FromJSON implements events.SectionFactory.
func (SkbTrackingFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var t SkbTracking
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
