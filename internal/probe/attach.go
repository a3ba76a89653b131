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

package probe

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/aquasecurity/libbpfgo"
)

// Compiled probe-kind skeletons. Each ships a single program ("probe_*")
// that runs a caller-supplied chain of hook programs and is built out of
// tree, the same way the upstream fentry/kprobe object dnswatch embeds.
//
//go:embed bpf/.out/kprobe.bpf.o
var kprobeObj []byte

//go:embed bpf/.out/kretprobe.bpf.o
var kretprobeObj []byte

//go:embed bpf/.out/raw_tracepoint.bpf.o
var rawTracepointObj []byte

//go:embed bpf/.out/usdt.bpf.o
var usdtObj []byte

func objectFor(k Kind) (obj []byte, progName string, err error) {
	switch k {
	case KindKprobe:
		return kprobeObj, "probe_kprobe", nil
	case KindKretprobe:
		return kretprobeObj, "probe_kretprobe", nil
	case KindRawTracepoint:
		return rawTracepointObj, "probe_raw_tracepoint", nil
	case KindUsdt:
		return usdtObj, "probe_usdt", nil
	default:
		return nil, "", fmt.Errorf("unsupported probe kind %d", k)
	}
}

// kindBuilder owns one loaded program (shared by every probe of its
// kind within a probe set) plus the links it produced.
type kindBuilder interface {
	publishConfig(addr uint64, cfg *Config) error
	attach(p *Probe) error
	mapHandle(name string) (*libbpfgo.BPFMap, bool)
	close()
}

// attacher constructs the kindBuilder for a probe kind, loading its
// program, rebinding shared maps, and wiring in hooks. Tests substitute
// a fake implementation to exercise Manager without the host's BPF
// subsystem.
type attacher interface {
	newBuilder(kind Kind, maps map[string]int, hooks []*Hook, filters []Filter) (kindBuilder, error)
}

// attachedSet is the live state Manager.Close tears down: every
// kindBuilder produced while attaching one probe set.
type attachedSet struct {
	builders []kindBuilder
}

func newAttachedSet() *attachedSet {
	return &attachedSet{}
}

func (s *attachedSet) close() {
	for _, b := range s.builders {
		b.close()
	}
}

// mapHandle searches every builder in the set for a map by name.
func (s *attachedSet) mapHandle(name string) (*libbpfgo.BPFMap, bool) {
	for _, b := range s.builders {
		if m, ok := b.mapHandle(name); ok {
			return m, true
		}
	}
	return nil, false
}

// libbpfAttacher is the real attacher, backed by libbpfgo.
type libbpfAttacher struct{}

func newLibbpfAttacher() *libbpfAttacher { return &libbpfAttacher{} }

func (libbpfAttacher) newBuilder(kind Kind, maps map[string]int, hooks []*Hook, filters []Filter) (kindBuilder, error) {
	obj, progName, err := objectFor(kind)
	if err != nil {
		return nil, err
	}

	mod, err := libbpfgo.NewModuleFromBuffer(obj, progName)
	if err != nil {
		return nil, fmt.Errorf("opening %s object: %w", kind, err)
	}

	if err := mod.InitGlobalVariable("nhooks", uint32(len(hooks))); err != nil {
		mod.Close()
		return nil, fmt.Errorf("setting nhooks rodata: %w", err)
	}

	if err := reuseMapFDs(mod, maps); err != nil {
		mod.Close()
		return nil, err
	}

	if err := mod.BPFLoadObject(); err != nil {
		mod.Close()
		return nil, fmt.Errorf("loading %s object: %w", kind, err)
	}

	prog, err := mod.GetProgram(progName)
	if err != nil {
		mod.Close()
		return nil, fmt.Errorf("getting program %s: %w", progName, err)
	}

	b := &libbpfBuilder{kind: kind, module: mod, prog: prog}

	if kind == KindUsdt && len(hooks) != 1 {
		b.close()
		return nil, fmt.Errorf("usdt targets only support a single hook")
	}

	links, err := replaceHooks(prog, hooks, maps)
	if err != nil {
		b.close()
		return nil, err
	}
	b.links = append(b.links, links...)

	if err := applyFilters(mod, filters); err != nil {
		b.close()
		return nil, err
	}

	return b, nil
}

// libbpfBuilder is the per-kind program plus its link set, for one
// probe set.
type libbpfBuilder struct {
	kind   Kind
	module *libbpfgo.Module
	prog   *libbpfgo.BPFProg
	links  []*libbpfgo.BPFLink
}

func (b *libbpfBuilder) publishConfig(addr uint64, cfg *Config) error {
	m, err := b.module.GetMap(ConfigMapName)
	if err != nil {
		// Some probe kinds (USDT) don't carry the config map.
		return nil
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, addr)
	val := cfg.Bytes()
	if err := m.Update(unsafe.Pointer(&key[0]), unsafe.Pointer(&val[0])); err != nil {
		return fmt.Errorf("updating %s: %w", ConfigMapName, err)
	}
	return nil
}

func (b *libbpfBuilder) attach(p *Probe) error {
	var link *libbpfgo.BPFLink
	var err error

	switch p.Kind {
	case KindKprobe:
		link, err = b.prog.AttachKprobe(p.AttachName())
	case KindKretprobe:
		link, err = b.prog.AttachKretprobe(p.AttachName())
	case KindRawTracepoint:
		link, err = b.prog.AttachRawTracepoint(p.AttachName())
	case KindUsdt:
		link, err = b.prog.AttachUSDT(p.Usdt.Pid, p.Usdt.Path, p.Usdt.Provider, p.Usdt.Name)
	default:
		return fmt.Errorf("unsupported probe kind %s", p.Kind)
	}
	if err != nil {
		return err
	}
	b.links = append(b.links, link)
	return nil
}

// mapHandle looks up a map this builder's module declares, for callers
// that need the live map itself rather than just its fd (e.g.
// registering a correlation map with the tracking GC).
func (b *libbpfBuilder) mapHandle(name string) (*libbpfgo.BPFMap, bool) {
	m, err := b.module.GetMap(name)
	if err != nil {
		return nil, false
	}
	return m, true
}

func (b *libbpfBuilder) close() {
	b.module.Close()
}

// reuseMapFDs rebinds every named, already-created map fd into mod
// before load, for the maps mod's object actually declares.
func reuseMapFDs(mod *libbpfgo.Module, maps map[string]int) error {
	for name, fd := range maps {
		m, err := mod.GetMap(name)
		if err != nil {
			// This object doesn't declare this map; skip it.
			continue
		}
		if err := m.ReuseFD(fd); err != nil {
			return fmt.Errorf("reusing map %s: %w", name, err)
		}
	}
	return nil
}

// applyFilters hands every registered filter's compiled program to the
// host program, the same way a hook is wired in, keyed by filter kind.
func applyFilters(mod *libbpfgo.Module, filters []Filter) error {
	for _, f := range filters {
		cf, ok := f.(compiledFilter)
		if !ok {
			continue
		}
		m, err := mod.GetMap(cf.MapName())
		if err != nil {
			continue
		}
		if err := cf.LoadInto(m); err != nil {
			return fmt.Errorf("loading %s filter: %w", f.Kind(), err)
		}
	}
	return nil
}

// compiledFilter is implemented by Filters that publish themselves into
// a named BPF map (e.g. a compiled classic-BPF program array).
type compiledFilter interface {
	Filter
	MapName() string
	LoadInto(m *libbpfgo.BPFMap) error
}

// replaceHooks loads each hook as an extension program attached to
// host's "hookN" freplace target and returns the resulting links.
func replaceHooks(host *libbpfgo.BPFProg, hooks []*Hook, sharedMaps map[string]int) ([]*libbpfgo.BPFLink, error) {
	links := make([]*libbpfgo.BPFLink, 0, len(hooks))

	for i, hook := range hooks {
		target := fmt.Sprintf("hook%d", i)

		mod, err := libbpfgo.NewModuleFromBuffer(hook.Program, target)
		if err != nil {
			return nil, fmt.Errorf("opening hook %d object: %w", i, err)
		}

		maps := make(map[string]int, len(sharedMaps)+len(hook.MapReuse))
		for k, v := range sharedMaps {
			maps[k] = v
		}
		for k, v := range hook.MapReuse {
			maps[k] = v
		}
		if err := reuseMapFDs(mod, maps); err != nil {
			mod.Close()
			return nil, err
		}

		hookProg, err := mod.GetProgram("hook")
		if err != nil {
			mod.Close()
			return nil, fmt.Errorf("getting hook %d program: %w", i, err)
		}
		if err := hookProg.SetAttachTarget(int(host.GetFd()), target); err != nil {
			mod.Close()
			return nil, fmt.Errorf("setting hook %d attach target: %w", i, err)
		}
		if err := hookProg.SetBPFProgType(libbpfgo.BPFProgTypeExt); err != nil {
			mod.Close()
			return nil, fmt.Errorf("setting hook %d program type: %w", i, err)
		}

		if err := mod.BPFLoadObject(); err != nil {
			mod.Close()
			return nil, fmt.Errorf("loading hook %d object: %w", i, err)
		}

		link, err := hookProg.AttachTrace()
		if err != nil {
			mod.Close()
			return nil, fmt.Errorf("attaching hook %d: %w", i, err)
		}
		links = append(links, link)
	}

	return links, nil
}
