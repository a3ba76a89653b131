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

// Ovs upcall/exec/recv variants; which fields are set depends on the
// probe site that produced the section.
const (
	ovsVariantUpcall uint8 = iota
	ovsVariantExec
	ovsVariantRecv
)

// Ovs carries the upcall/exec/recv datapath action reported by an OVS
// kernel probe hit. A probe at the point actions execute against a
// datapath flow additionally carries the flow's UFID and the
// flow/acts pointers, which the flow enricher needs to look up the
// flow's full dump from the vswitch daemon.
type Ovs struct {
	Variant    string  `json:"variant"`
	UpcallCmd  *uint8  `json:"upcall_cmd,omitempty"`
	UpcallPort *uint32 `json:"upcall_port,omitempty"`
	QueueID    *uint32 `json:"queue_id,omitempty"`
	ActionID   *uint32 `json:"action_id,omitempty"`
	UFID       *string `json:"ufid,omitempty"`
	FlowPtr    *uint64 `json:"flow_ptr,omitempty"`
	ActsPtr    *uint64 `json:"acts_ptr,omitempty"`
}

// ToJSON implements events.SectionValue.
func (o *Ovs) ToJSON() (json.RawMessage, error) { return json.Marshal(o) }

// OvsFactory decodes the ovs section: u8 variant, u32 a, u32 b,
// variant-interpreted.
type OvsFactory struct{}

const (
	ovsRawLen = 12
	// ovsExecCorrelationLen is appended after the base 12 bytes for an
	// exec-variant section produced at a flow's action-execution site:
	// a 16-byte UFID plus the flow and acts pointers (u64 each).
	ovsExecCorrelationLen = 16 + 8 + 8
)

// FromRaw implements events.SectionFactory.
func (OvsFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("ovs event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) != ovsRawLen && len(buf) != ovsRawLen+ovsExecCorrelationLen {
		return nil, fmt.Errorf("ovs section: expected %d or %d bytes, got %d",
			ovsRawLen, ovsRawLen+ovsExecCorrelationLen, len(buf))
	}

	variant := buf[0]
	a := binary.LittleEndian.Uint32(buf[4:8])
	b := binary.LittleEndian.Uint32(buf[8:12])

	o := &Ovs{}
	switch variant {
	case ovsVariantUpcall:
		o.Variant = "upcall"
		o.UpcallCmd, o.UpcallPort = u8ptr(uint8(a)), u32ptr(b)
	case ovsVariantExec:
		o.Variant = "exec"
		o.ActionID = u32ptr(a)
	case ovsVariantRecv:
		o.Variant = "recv"
		o.QueueID = u32ptr(a)
	default:
		return nil, fmt.Errorf("unknown ovs variant %d", variant)
	}

	if len(buf) == ovsRawLen+ovsExecCorrelationLen {
		tail := buf[ovsRawLen:]
		ufid := formatUFID(tail[0:16])
		flowPtr := binary.LittleEndian.Uint64(tail[16:24])
		actsPtr := binary.LittleEndian.Uint64(tail[24:32])
		o.UFID, o.FlowPtr, o.ActsPtr = &ufid, &flowPtr, &actsPtr
	}
	return o, nil
}

// formatUFID renders a 16-byte unique flow identifier the same
// dash-grouped way libuuid/OVS prints one (matches enrich.UFID.String,
// duplicated here to avoid a sections<->enrich import cycle).
func formatUFID(b []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// FromJSON implements events.SectionFactory.
func (OvsFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var o Ovs
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func u8ptr(v uint8) *uint8   { return &v }
func u32ptr(v uint32) *uint32 { return &v }

// OvsFlowInfo is the enrichment event the flow enricher publishes:
// identifiers plus the external daemon's textual responses.
type OvsFlowInfo struct {
	UFID     string   `json:"ufid"`
	FlowPtr  uint64   `json:"flow_ptr"`
	ActsPtr  uint64   `json:"acts_ptr"`
	DpFlow   string   `json:"dpflow"`
	OfpFlows []string `json:"ofpflows"`
}

// ToJSON implements events.SectionValue.
func (f *OvsFlowInfo) ToJSON() (json.RawMessage, error) { return json.Marshal(f) }

// OvsFlowInfoFactory decodes the ovs-flow-info section. It is never
// produced from a raw ring record (it's synthesized by the flow
// enricher directly as an Event), so FromRaw always returns an error;
// only FromJSON, used by the replay path, decodes it.
type OvsFlowInfoFactory struct{}

// FromRaw implements events.SectionFactory.
func (OvsFlowInfoFactory) FromRaw([]events.RawSection) (events.SectionValue, error) {
	return nil, fmt.Errorf("ovs-flow-info is never produced from a raw ring record")
}

// FromJSON implements events.SectionFactory.
func (OvsFlowInfoFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var f OvsFlowInfo
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
