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
	"net"

	"github.com/facebookincubator/retis/internal/events"
)

// CtTuple is one direction (original or reply) of a conntrack entry.
type CtTuple struct {
	Src      string `json:"src"`
	Dst      string `json:"dst"`
	SPort    uint16 `json:"sport"`
	DPort    uint16 `json:"dport"`
	Protocol uint8  `json:"protocol"`
}

// Ct carries conntrack lookup/confirm state for the flow an skb
// belongs to.
type Ct struct {
	State   string   `json:"state"`
	Zone    uint16   `json:"zone"`
	Orig    *CtTuple `json:"orig,omitempty"`
	Reply   *CtTuple `json:"reply,omitempty"`
}

// ToJSON implements events.SectionValue.
func (c *Ct) ToJSON() (json.RawMessage, error) { return json.Marshal(c) }

var ctStates = map[uint8]string{
	0: "none",
	1: "new",
	2: "established",
	3: "related",
	4: "untracked",
}

// CtFactory decodes the ct section: u8 state, u16 zone, u8 has_reply,
// followed by the original tuple and, if present, the reply tuple.
type CtFactory struct{}

const ctHeaderLen = 4

// FromRaw implements events.SectionFactory.
func (CtFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("ct event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) < ctHeaderLen {
		return nil, fmt.Errorf("ct section: expected at least %d bytes, got %d", ctHeaderLen, len(buf))
	}

	state := buf[0]
	zone := binary.LittleEndian.Uint16(buf[1:3])
	hasReply := buf[3] != 0

	c := &Ct{Zone: zone}
	name, ok := ctStates[state]
	if !ok {
		return nil, fmt.Errorf("unknown ct state %d", state)
	}
	c.State = name

	rest := buf[ctHeaderLen:]
	wantTuples := 1
	if hasReply {
		wantTuples = 2
	}
	if len(rest) != wantTuples*ctTupleEncodedLen() {
		return nil, fmt.Errorf("ct section: expected %d bytes of tuples, got %d", wantTuples*ctTupleEncodedLen(), len(rest))
	}

	orig, err := unmarshalCtTuple(rest[:ctTupleEncodedLen()])
	if err != nil {
		return nil, err
	}
	c.Orig = orig

	if hasReply {
		reply, err := unmarshalCtTuple(rest[ctTupleEncodedLen():])
		if err != nil {
			return nil, err
		}
		c.Reply = reply
	}
	return c, nil
}

// FromJSON implements events.SectionFactory.
func (CtFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var c Ct
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ctTupleEncodedLen is the wire size of a single tuple: 4+4 (v4
// addresses) + 2 + 2 (ports) + 1 (protocol) = 13 bytes.
func ctTupleEncodedLen() int { return 13 }

func unmarshalCtTuple(buf []byte) (*CtTuple, error) {
	if len(buf) != ctTupleEncodedLen() {
		return nil, sizeMismatch("ct tuple", ctTupleEncodedLen(), len(buf))
	}
	src := net.IP(buf[0:4]).String()
	dst := net.IP(buf[4:8]).String()
	sport := binary.BigEndian.Uint16(buf[8:10])
	dport := binary.BigEndian.Uint16(buf[10:12])
	proto := buf[12]
	return &CtTuple{Src: src, Dst: dst, SPort: sport, DPort: dport, Protocol: proto}, nil
}
