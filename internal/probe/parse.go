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
	"strings"

	"github.com/facebookincubator/retis/internal/kernel"
)

// Inspector is the subset of kernel.Inspector parse needs: wildcard
// function matching, tracepoint existence, and symbol resolution.
type Inspector interface {
	MatchFunctions(pattern string) ([]string, error)
	SymbolAddr(name string) (uint64, bool)
	IsEventTraceable(name string) (bool, bool)
}

// typeKind is the disambiguated probe type parsed out of a "TYPE:"
// prefix.
type typeKind int

const (
	typeUnset typeKind = iota
	typeKprobe
	typeKretprobe
	typeRawTracepoint
)

var typePrefixes = map[string]typeKind{
	"kprobe":         typeKprobe,
	"k":              typeKprobe,
	"kretprobe":      typeKretprobe,
	"kr":             typeKretprobe,
	"raw_tracepoint": typeRawTracepoint,
	"tp":             typeRawTracepoint,
}

// SymbolFilter decides whether a resolved symbol is acceptable; parsed
// probes whose symbol is rejected are dropped silently (the caller's
// choice of filter scopes what's probeable).
type SymbolFilter func(name string) bool

// AcceptAll is the identity SymbolFilter.
func AcceptAll(string) bool { return true }

// Parse parses one probe specification of the form "TYPE:TARGET",
// "TARGET", or "GROUP:EVENT", expands wildcards, and returns every
// resolved, filter-accepted Probe. See spec.md §4.2 for the
// disambiguation rules and failure cases.
func Parse(text string, insp Inspector, filter SymbolFilter) ([]*Probe, error) {
	if filter == nil {
		filter = AcceptAll
	}
	if text == "" {
		return nil, fmt.Errorf("empty probe specification")
	}

	kind, target, err := splitTypeTarget(text)
	if err != nil {
		return nil, err
	}

	switch kind {
	case typeKprobe:
		return parseFunctionProbes(target, insp, filter, NewKprobe)
	case typeKretprobe:
		return parseFunctionProbes(target, insp, filter, NewKretprobe)
	case typeRawTracepoint:
		return parseTracepointProbe(target, insp, filter)
	default:
		// No recognized TYPE: prefix. A single ':' not preceded by a
		// known type tag is a bare "group:event" raw tracepoint;
		// otherwise default to a kernel-function entry probe.
		if n := strings.Count(text, ":"); n == 1 {
			return parseTracepointProbe(text, insp, filter)
		} else if n > 1 {
			return nil, fmt.Errorf("invalid probe specification %q", text)
		}
		return parseFunctionProbes(text, insp, filter, NewKprobe)
	}
}

// splitTypeTarget recognizes a "TYPE:" prefix per the rules in
// spec.md §4.2 rule 1. If the prefix before the first ':' isn't a
// known type tag, kind is typeUnset and target is the original text.
func splitTypeTarget(text string) (typeKind, string, error) {
	idx := strings.IndexByte(text, ':')
	if idx < 0 {
		return typeUnset, text, nil
	}
	prefix := text[:idx]
	kind, ok := typePrefixes[prefix]
	if !ok {
		return typeUnset, text, nil
	}
	target := text[idx+1:]
	if target == "" {
		return typeUnset, "", fmt.Errorf("empty target in probe specification %q", text)
	}
	return kind, target, nil
}

func parseFunctionProbes(target string, insp Inspector, filter SymbolFilter, build func(*kernel.Symbol) *Probe) ([]*Probe, error) {
	if target == "" {
		return nil, fmt.Errorf("empty function target")
	}

	// A target without a wildcard resolves directly against the symbol
	// table; this works even when debugfs (and therefore the
	// traceable-functions tri-state) is unavailable.
	if !strings.Contains(target, "*") {
		addr, ok := insp.SymbolAddr(target)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", target)
		}
		if !filter(target) {
			return nil, nil
		}
		return []*Probe{build(kernel.NewFunction(target, addr, 0))}, nil
	}

	names, err := insp.MatchFunctions(target)
	if err != nil {
		return nil, fmt.Errorf("unable to expand function pattern %q: %w", target, err)
	}

	probes := make([]*Probe, 0, len(names))
	for _, name := range names {
		if !filter(name) {
			continue
		}
		addr, ok := insp.SymbolAddr(name)
		if !ok {
			return nil, fmt.Errorf("function %q matched but has no address", name)
		}
		probes = append(probes, build(kernel.NewFunction(name, addr, 0)))
	}
	return probes, nil
}

func parseTracepointProbe(target string, insp Inspector, filter SymbolFilter) ([]*Probe, error) {
	group, name, ok := strings.Cut(target, ":")
	if !ok || group == "" || name == "" {
		return nil, fmt.Errorf("invalid tracepoint target %q, want \"group:event\"", target)
	}

	full := group + ":" + name
	traceable, known := insp.IsEventTraceable(full)
	if known && !traceable {
		return nil, fmt.Errorf("unknown tracepoint %q", full)
	}
	if !filter(full) {
		return nil, nil
	}

	return []*Probe{NewRawTracepoint(kernel.NewTracepoint(group, name, 0, 0))}, nil
}
