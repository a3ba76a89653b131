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

// Package filter compiles a classic-BPF packet filter expression and
// publishes it into a map the in-kernel probe programs consult, the
// same cBPF representation a kernel socket filter would take.
package filter

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/aquasecurity/libbpfgo"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// Kind identifies a probe.Filter's variant. Only one filter per kind
// may be registered on a probe manager.
const Kind = "packet"

// snapLen bounds how much of a packet the filter program inspects.
const snapLen = 262144

// MapName is the array map of packed "struct sock_filter" instructions
// the in-kernel cBPF interpreter hook reads.
const MapName = "filter_prog"

// instructionSize is sizeof(struct sock_filter): u16 code, u8 jt, u8
// jf, u32 k.
const instructionSize = 8

// Packet is a compiled classic-BPF packet filter, applied to every
// probed packet by the in-kernel hook that consults MapName.
type Packet struct {
	rule        string
	instructions []bpf.RawInstruction
}

// Compile translates a tcpdump-style filter expression into a classic
// BPF program, anchored at the Ethernet link type.
func Compile(rule string) (*Packet, error) {
	raw, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, rule)
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", rule, err)
	}

	instructions := make([]bpf.RawInstruction, 0, len(raw))
	for _, ins := range raw {
		instructions = append(instructions, bpf.RawInstruction{
			Op: ins.Code,
			Jt: ins.Jt,
			Jf: ins.Jf,
			K:  ins.K,
		})
	}

	return &Packet{rule: rule, instructions: instructions}, nil
}

// Kind implements probe.Filter.
func (*Packet) Kind() string { return Kind }

// MapName implements the probe package's compiledFilter seam.
func (*Packet) MapName() string { return MapName }

// LoadInto publishes the compiled program into m, one packed
// "struct sock_filter" per array index.
func (p *Packet) LoadInto(m *libbpfgo.BPFMap) error {
	for i, ins := range p.instructions {
		key := uint32(i)
		val := packInstruction(ins)
		if err := m.Update(unsafe.Pointer(&key), unsafe.Pointer(&val[0])); err != nil {
			return fmt.Errorf("publishing filter instruction %d: %w", i, err)
		}
	}
	return nil
}

// Len reports the number of compiled instructions.
func (p *Packet) Len() int { return len(p.instructions) }

func packInstruction(ins bpf.RawInstruction) []byte {
	buf := make([]byte, instructionSize)
	binary.LittleEndian.PutUint16(buf[0:2], ins.Op)
	buf[2] = ins.Jt
	buf[3] = ins.Jf
	binary.LittleEndian.PutUint32(buf[4:8], ins.K)
	return buf
}
