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

// SkbDrop reports why a packet was freed. DropReason is the name
// SkbDropFactory.ReasonNames gives the raw code, or "reason(N)" when no
// resolver is set (as in NewDefaultRegistry).
type SkbDrop struct {
	Subsys     *string `json:"subsys,omitempty"`
	DropReason string  `json:"drop_reason"`
}

// ToJSON implements events.SectionValue.
func (d *SkbDrop) ToJSON() (json.RawMessage, error) { return json.Marshal(d) }

// SkbDropFactory decodes the skb-drop section. The raw wire form
// carries numeric codes; reasonNames resolves them to the stable
// string contract documented for persisted events.
type SkbDropFactory struct {
	ReasonNames func(subsys *string, code uint32) string
}

const skbDropRawLen = 8 // u32 subsys (0 = core), u32 reason code.

// FromRaw implements events.SectionFactory.
func (f SkbDropFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("skb-drop event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) != skbDropRawLen {
		return nil, fmt.Errorf("skb-drop section: expected %d bytes, got %d", skbDropRawLen, len(buf))
	}

	subsysCode := binary.LittleEndian.Uint32(buf[0:4])
	code := binary.LittleEndian.Uint32(buf[4:8])

	var subsys *string
	if subsysCode != 0 {
		name := subsysName(subsysCode)
		subsys = &name
	}

	resolve := f.ReasonNames
	if resolve == nil {
		resolve = defaultReasonName
	}

	return &SkbDrop{Subsys: subsys, DropReason: resolve(subsys, code)}, nil
}

// FromJSON implements events.SectionFactory.
func (SkbDropFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var d SkbDrop
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func subsysName(code uint32) string {
	switch code {
	case 1:
		return "openvswitch"
	case 2:
		return "netfilter"
	default:
		return fmt.Sprintf("subsys(%d)", code)
	}
}

func defaultReasonName(_ *string, code uint32) string {
	return fmt.Sprintf("reason(%d)", code)
}
