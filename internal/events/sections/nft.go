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

// Nft carries the nftables chain/rule/verdict context for a packet
// traversing a table.
type Nft struct {
	TableName string  `json:"table_name"`
	ChainName string  `json:"chain_name"`
	Verdict   string  `json:"verdict"`
	RuleHandle *uint64 `json:"rule_handle,omitempty"`
}

// ToJSON implements events.SectionValue.
func (n *Nft) ToJSON() (json.RawMessage, error) { return json.Marshal(n) }

var nftVerdicts = map[int32]string{
	-1: "drop",
	0:  "continue",
	1:  "break",
	2:  "jump",
	3:  "goto",
	4:  "return",
	5:  "accept",
	6:  "stop",
}

// NftFactory decodes the nft section: fixed-width nul-terminated table
// and chain names, i32 verdict, u64 rule handle (0 = absent).
type NftFactory struct{}

const (
	nftNameLen = 32
	nftRawLen  = nftNameLen*2 + 4 + 8
)

// FromRaw implements events.SectionFactory.
func (NftFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("nft event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) != nftRawLen {
		return nil, fmt.Errorf("nft section: expected %d bytes, got %d", nftRawLen, len(buf))
	}

	table := nullTerminated(buf[0:nftNameLen])
	chain := nullTerminated(buf[nftNameLen : nftNameLen*2])
	verdictCode := int32(binary.LittleEndian.Uint32(buf[nftNameLen*2 : nftNameLen*2+4]))
	handle := binary.LittleEndian.Uint64(buf[nftNameLen*2+4:])

	name, ok := nftVerdicts[verdictCode]
	if !ok {
		return nil, fmt.Errorf("unknown nft verdict %d", verdictCode)
	}

	n := &Nft{TableName: table, ChainName: chain, Verdict: name}
	if handle != 0 {
		n.RuleHandle = &handle
	}
	return n, nil
}

// FromJSON implements events.SectionFactory.
func (NftFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var n Nft
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
