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
	"fmt"

	"github.com/aquasecurity/libbpfgo"
	log "github.com/sirupsen/logrus"
)

// Keep these in sync with their eBPF-side counterparts.
const (
	// ProbeMax bounds the total number of probes (generic + targeted)
	// a single manager may register.
	ProbeMax = 1024
	// HookMax bounds the number of hooks (generic + set-specific) any
	// single probe set may carry.
	HookMax = 10
)

// ConfigMapName is the map every probe-kind program shares, keyed by a
// probe's kernel address and holding its packed Config.
const ConfigMapName = "config_map"

// Manager registers probes, hooks, filters, and shared maps, then
// drives their attachment as a single batch. Registration calls made
// after Attach has run are not rejected, but Attach only attaches what
// was registered before it was called.
type Manager struct {
	genericProbes map[string]*Probe
	genericHooks  []*Hook
	filters       []Filter
	targeted      []*probeSet

	options uint32 // OR'd ProbeOption flags, published to every probe's Config

	maps map[string]int // map name -> fd, shared (reused) across every loaded program

	attacher attacher // swappable for tests; real builds use the libbpfgo-backed one
	attached []*attachedSet
}

// NewManager builds an empty Manager wired to the real libbpfgo-backed
// attacher.
func NewManager() *Manager {
	return newManagerWithAttacher(newLibbpfAttacher())
}

func newManagerWithAttacher(a attacher) *Manager {
	return &Manager{
		genericProbes: make(map[string]*Probe),
		maps:          make(map[string]int),
		attacher:      a,
	}
}

// SetOption merges opt into the options published to every probe's
// Config at attach time.
func (m *Manager) SetOption(opt uint32) {
	m.options |= opt
}

// RegisterProbe adds probe to the probe set. Already-registered probes
// (by Key) are a no-op success, whether they currently live in the
// generic set or a targeted one.
func (m *Manager) RegisterProbe(p *Probe) error {
	key := p.Key()

	for _, set := range m.targeted {
		if _, ok := set.probes[key]; ok {
			return nil
		}
	}
	if _, ok := m.genericProbes[key]; ok {
		return nil
	}

	if err := m.checkProbeMax(); err != nil {
		return err
	}

	m.genericProbes[key] = p
	return nil
}

// ReuseMap records that fd should be rebound, by name, in every loaded
// program. Registering the same name twice is an error.
func (m *Manager) ReuseMap(name string, fd int) error {
	if _, ok := m.maps[name]; ok {
		return fmt.Errorf("map %s already reused, or name is conflicting", name)
	}
	m.maps[name] = fd
	return nil
}

// RegisterFilter attaches filter to every probe. At most one filter of
// a given Kind may be registered.
func (m *Manager) RegisterFilter(f Filter) error {
	for _, existing := range m.filters {
		if existing.Kind() == f.Kind() {
			return fmt.Errorf("a %s filter is already registered", f.Kind())
		}
	}
	m.filters = append(m.filters, f)
	return nil
}

// RegisterGenericHook appends hook to the list attached to every probe
// that accepts generic hooks (every kind but USDT).
func (m *Manager) RegisterGenericHook(h *Hook) error {
	max := 0
	for _, set := range m.targeted {
		if len(set.hooks) > max {
			max = len(set.hooks)
		}
	}
	if len(m.genericHooks)+max >= HookMax {
		return fmt.Errorf("hook list is already full")
	}
	m.genericHooks = append(m.genericHooks, h)
	return nil
}

// RegisterHookFor attaches hook only to probe. If probe was registered
// generically, it's promoted out of the generic set into a new or
// existing targeted set. USDT probes accept at most one hook in total.
func (m *Manager) RegisterHookFor(h *Hook, p *Probe) error {
	if len(m.genericHooks) >= HookMax {
		return fmt.Errorf("hook list is already full")
	}

	key := p.Key()
	delete(m.genericProbes, key)

	for _, set := range m.targeted {
		if existing, ok := set.probes[key]; ok {
			if existing.Kind == KindUsdt {
				return fmt.Errorf("usdt probes only support a single hook")
			}
			if len(m.genericHooks)+len(set.hooks) >= HookMax {
				return fmt.Errorf("hook list is already full")
			}
			set.hooks = append(set.hooks, h)
			return nil
		}
	}

	if err := m.checkProbeMax(); err != nil {
		return err
	}

	set := newProbeSet()
	set.acceptsGenericHooks = p.Kind.acceptsGenericHooks()
	set.probes[key] = p
	set.hooks = append(set.hooks, h)
	m.targeted = append(m.targeted, set)
	return nil
}

func (m *Manager) checkProbeMax() error {
	size := len(m.genericProbes)
	for _, set := range m.targeted {
		size += len(set.probes)
	}
	if size >= ProbeMax {
		return fmt.Errorf("can't register probe, reached maximum capacity (%d)", ProbeMax)
	}
	return nil
}

// Attach builds and attaches every registered probe: first the generic
// set (with its own hooks), then each targeted set (with its specific
// hooks, plus the generic ones if the set's kind supports them).
// Probes of the same kind within a set share one loaded program.
// Sets attach in a fixed order (generic first, then targeted sets in
// registration order); probes within a set attach in map iteration
// order. A failure aborts the rest of the batch and closes the set that
// failed, but leaves the sets attached before it live, a partial-failure
// host state the caller must explicitly tear down.
func (m *Manager) Attach() error {
	attached := 0

	generic := &probeSet{
		probes:              m.genericProbes,
		hooks:               append([]*Hook{}, m.genericHooks...),
		acceptsGenericHooks: true,
	}
	set, err := m.attachSet(generic)
	if err != nil {
		return err
	}
	if set != nil {
		m.attached = append(m.attached, set)
	}
	attached += len(generic.probes)

	for _, ts := range m.targeted {
		if ts.acceptsGenericHooks {
			ts.hooks = append(ts.hooks, m.genericHooks...)
		}
		attachedSet, err := m.attachSet(ts)
		if err != nil {
			return err
		}
		if attachedSet != nil {
			m.attached = append(m.attached, attachedSet)
		}
		attached += len(ts.probes)
	}

	log.Infof("%d probe(s) loaded", attached)
	return nil
}

// Close tears down every program and link this manager attached.
func (m *Manager) Close() {
	for _, s := range m.attached {
		s.close()
	}
	m.attached = nil
}

// Map returns the live map by name across every attached probe set,
// for callers that need to hand a correlation map to something outside
// the manager (e.g. registering it with the tracking garbage
// collector). Only valid after Attach.
func (m *Manager) Map(name string) (*libbpfgo.BPFMap, bool) {
	for _, s := range m.attached {
		if mp, ok := s.mapHandle(name); ok {
			return mp, true
		}
	}
	return nil, false
}

// attachSet loads one program per distinct kind present in set and
// attaches every probe to it, mirroring the original per-kind builder
// reuse within a single probe set.
func (m *Manager) attachSet(set *probeSet) (*attachedSet, error) {
	if len(set.probes) == 0 {
		log.Debug("no probe in probe set")
		return nil, nil
	}

	result := newAttachedSet()
	builders := make(map[Kind]kindBuilder)

	for _, p := range set.probes {
		b, ok := builders[p.Kind]
		if !ok {
			var err error
			b, err = m.attacher.newBuilder(p.Kind, m.maps, set.hooks, m.filters)
			if err != nil {
				result.close()
				return nil, fmt.Errorf("initializing %s builder: %w", p.Kind, err)
			}
			builders[p.Kind] = b
			result.builders = append(result.builders, b)
		}

		if p.Kind != KindUsdt {
			cfg := p.Config
			for _, opt := range optionList(m.options) {
				cfg.SetOption(opt)
			}
			if err := b.publishConfig(p.Symbol.Addr, &cfg); err != nil {
				result.close()
				return nil, fmt.Errorf("publishing config for %s: %w", p, err)
			}
		}

		log.Debugf("attaching probe to %s", p)
		if err := b.attach(p); err != nil {
			result.close()
			return nil, fmt.Errorf("attaching %s: %w", p, err)
		}
	}

	return result, nil
}

// optionList decomposes an OR'd bit-flag set back into its individual
// flags, in case a future builder wants to apply them one at a time
// the way the original's Vec<ProbeOption> does.
func optionList(flags uint32) []uint32 {
	var out []uint32
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if flags&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}
