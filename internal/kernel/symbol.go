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

package kernel

import "fmt"

// Kind identifies what a Symbol refers to.
type Kind int

// Symbol kinds.
const (
	// KindFunction is a traceable kernel function.
	KindFunction Kind = iota
	// KindTracepoint is a traceable kernel tracepoint.
	KindTracepoint
)

// Symbol is a resolved probe target: either a kernel function or a named
// tracepoint. Addr and NArgs hold whatever the constructor was given;
// probe.Parse passes 0 for NArgs, and 0 for a tracepoint's Addr.
type Symbol struct {
	Kind Kind

	// Name is the bare function name for KindFunction, or the event name
	// (without the group) for KindTracepoint.
	Name string
	// Group is only set for KindTracepoint.
	Group string

	Addr  uint64
	NArgs uint32

	// ParamOffsets maps a parameter type string (as returned by the
	// in-kernel type-information reader) to its zero-based argument
	// index, when known.
	ParamOffsets map[string]uint32
}

// NewFunction builds a Symbol referring to a kernel function.
func NewFunction(name string, addr uint64, nargs uint32) *Symbol {
	return &Symbol{
		Kind:         KindFunction,
		Name:         name,
		Addr:         addr,
		NArgs:        nargs,
		ParamOffsets: make(map[string]uint32),
	}
}

// NewTracepoint builds a Symbol referring to a kernel tracepoint.
func NewTracepoint(group, name string, addr uint64, nargs uint32) *Symbol {
	return &Symbol{
		Kind:         KindTracepoint,
		Name:         name,
		Group:        group,
		Addr:         addr,
		NArgs:        nargs,
		ParamOffsets: make(map[string]uint32),
	}
}

// AttachName returns the string used to attach a probe to this symbol:
// the bare function name for KindFunction, "group:name" for
// KindTracepoint.
func (s *Symbol) AttachName() string {
	if s.Kind == KindTracepoint {
		return fmt.Sprintf("%s:%s", s.Group, s.Name)
	}
	return s.Name
}

// ParameterOffset returns the zero-based argument index whose declared
// type matches typ, if known.
func (s *Symbol) ParameterOffset(typ string) (uint32, bool) {
	off, ok := s.ParamOffsets[typ]
	return off, ok
}

func (s *Symbol) String() string {
	return s.AttachName()
}
