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

// Package probe resolves symbolic probe targets, deduplicates them,
// stores per-target configuration, and drives attachment of in-kernel
// programs and hooks.
package probe

import (
	"fmt"

	"github.com/facebookincubator/retis/internal/kernel"
)

// Kind identifies the four probe types retis can attach.
type Kind int

// Probe kinds.
const (
	KindKprobe Kind = iota
	KindKretprobe
	KindRawTracepoint
	KindUsdt
)

func (k Kind) String() string {
	switch k {
	case KindKprobe:
		return "kprobe"
	case KindKretprobe:
		return "kretprobe"
	case KindRawTracepoint:
		return "raw_tracepoint"
	case KindUsdt:
		return "usdt"
	default:
		return "unknown"
	}
}

// UsdtTarget identifies a userspace statically-defined tracepoint.
type UsdtTarget struct {
	Path     string
	Pid      int
	Provider string
	Name     string
}

func (u *UsdtTarget) attachName() string {
	return fmt.Sprintf("%s:%s:%s", u.Path, u.Provider, u.Name)
}

// Option bit-flags carried in ProbeConfig, published to the kernel
// runtime configuration map immediately before attach.
const (
	OptStackTrace uint32 = 1 << iota
)

// Known parameter kinds a ProbeConfig may carry an offset for.
const (
	ParamPacketBuffer = "packet_buffer"
	ParamDropReason   = "drop_reason"
	ParamNetDevice    = "net_device"
	ParamNetNamespace = "net_namespace"
)

// Config is the per-probe record published to the kernel immediately
// before attach: parameter offsets for well-known types plus option
// bit-flags. It is keyed, in the runtime map, by the probed symbol's
// kernel address.
type Config struct {
	ParamOffsets map[string]uint32
	Options      uint32
}

// SetOption merges opt into the config's bit-flags.
func (c *Config) SetOption(opt uint32) {
	c.Options |= opt
}

// Bytes packs the config into the fixed on-the-wire layout the
// in-kernel program expects: 4 offsets (u32, 0xffffffff = unset)
// followed by the option flags (u32), all host-endian — mirroring the
// packed C struct the original builder writes via `plain::as_bytes`.
func (c *Config) Bytes() []byte {
	const unset = 0xffffffff
	off := func(name string) uint32 {
		if v, ok := c.ParamOffsets[name]; ok {
			return v
		}
		return unset
	}

	buf := make([]byte, 20)
	putU32 := func(at int, v uint32) {
		buf[at] = byte(v)
		buf[at+1] = byte(v >> 8)
		buf[at+2] = byte(v >> 16)
		buf[at+3] = byte(v >> 24)
	}
	putU32(0, off(ParamPacketBuffer))
	putU32(4, off(ParamDropReason))
	putU32(8, off(ParamNetDevice))
	putU32(12, off(ParamNetNamespace))
	putU32(16, c.Options)
	return buf
}

// Probe is a tagged target + type. Key uniquely identifies a probe
// across kind and attach name for deduplication.
type Probe struct {
	Kind   Kind
	Symbol *kernel.Symbol // set for Kprobe/Kretprobe/RawTracepoint
	Usdt   *UsdtTarget    // set for Usdt

	Config Config
}

// NewKprobe builds a function-entry probe for sym.
func NewKprobe(sym *kernel.Symbol) *Probe {
	return &Probe{Kind: KindKprobe, Symbol: sym, Config: Config{ParamOffsets: map[string]uint32{}}}
}

// NewKretprobe builds a function-return probe for sym.
func NewKretprobe(sym *kernel.Symbol) *Probe {
	return &Probe{Kind: KindKretprobe, Symbol: sym, Config: Config{ParamOffsets: map[string]uint32{}}}
}

// NewRawTracepoint builds a raw-tracepoint probe for sym.
func NewRawTracepoint(sym *kernel.Symbol) *Probe {
	return &Probe{Kind: KindRawTracepoint, Symbol: sym, Config: Config{ParamOffsets: map[string]uint32{}}}
}

// NewUsdt builds a userspace statically-defined tracepoint probe.
func NewUsdt(target *UsdtTarget) *Probe {
	return &Probe{Kind: KindUsdt, Usdt: target, Config: Config{ParamOffsets: map[string]uint32{}}}
}

// AttachName is the name the probe is attached by: a function name, a
// "group:event" tracepoint name, or a "path:provider:name" USDT name.
func (p *Probe) AttachName() string {
	if p.Kind == KindUsdt {
		return p.Usdt.attachName()
	}
	return p.Symbol.AttachName()
}

// Key uniquely identifies the probe (type_tag, attach_name) for
// deduplication across probe sets.
func (p *Probe) Key() string {
	return fmt.Sprintf("%d:%s", p.Kind, p.AttachName())
}

func (p *Probe) String() string {
	return fmt.Sprintf("%s(%s)", p.Kind, p.AttachName())
}

// acceptsGenericHooks reports whether a probe of this kind can be
// attached to cross-cutting (generic) hooks. USDT probes only accept a
// single, probe-specific hook.
func (k Kind) acceptsGenericHooks() bool {
	return k != KindUsdt
}

// Hook is an opaque in-kernel program attached to a host probe program
// at load time, plus a per-hook map-reuse table.
type Hook struct {
	Program  []byte
	MapReuse map[string]int
}

// NewHook wraps a compiled hook program blob.
func NewHook(program []byte) *Hook {
	return &Hook{Program: program, MapReuse: map[string]int{}}
}

// ReuseMap records that the named map inside this hook's program
// should be rebound to fd at load time.
func (h *Hook) ReuseMap(name string, fd int) {
	h.MapReuse[name] = fd
}

// Filter is registered once per kind on the manager and applied to
// every attached probe. Implementations (e.g. a compiled packet
// filter) are distinguished by Kind for the "one filter per kind"
// invariant.
type Filter interface {
	Kind() string
}

// probeSet groups probes of potentially-mixed kinds that share a
// specific, non-generic hook list.
type probeSet struct {
	probes              map[string]*Probe
	hooks               []*Hook
	acceptsGenericHooks bool
}

func newProbeSet() *probeSet {
	return &probeSet{probes: make(map[string]*Probe)}
}
