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

// Package kernel inspects the host's symbol table, traceable-event and
// traceable-function lists, and type information, and answers
// symbol<->address, wildcard matching, and parameter-offset queries for
// the probe manager.
package kernel

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TypeInfo is the in-kernel type-information reader (spec.md §6): it
// yields the declared type of a function's arguments, which the
// inspector uses to resolve parameter offsets.
type TypeInfo interface {
	// ArgType returns the declared type string of the nth (zero-based)
	// argument of fn, if known.
	ArgType(fn string, n int) (string, bool)
	// NArgs returns the number of arguments fn declares, if known.
	NArgs(fn string) (uint32, bool)
}

// Files names the backing files read once at startup. Production code
// uses DefaultFiles; tests inject a Files pointing at fixtures, the way
// the original inspector switches between /proc/kallsyms and
// test_data/kallsyms depending on cfg!(test).
type Files struct {
	Symbols            string
	TraceableEvents    string
	TraceableFunctions string
}

// DefaultFiles are the real host paths.
var DefaultFiles = Files{
	Symbols:            "/proc/kallsyms",
	TraceableEvents:    "/sys/kernel/debug/tracing/available_events",
	TraceableFunctions: "/sys/kernel/debug/tracing/available_filter_functions",
}

// Inspector reads the host's symbol table and traceable sets once at
// construction and answers queries against the in-memory snapshot.
type Inspector struct {
	types TypeInfo

	addrToName map[uint64]string
	nameToAddr map[string]uint64
	// sortedAddrs is addrToName's keys sorted ascending, used for
	// nearest-symbol lookups via binary search.
	sortedAddrs []uint64

	// traceableEvents/traceableFunctions are nil when the backing file
	// was absent, making tri-state queries return "unknown".
	traceableEvents    map[string]struct{}
	traceableFunctions map[string]struct{}
}

// New reads files.Symbols (required) and files.TraceableEvents /
// files.TraceableFunctions (optional) and builds an Inspector. Any
// parse error on the symbol file is fatal; a missing optional file
// produces a warning and leaves the corresponding tri-state unknown.
func New(files Files, types TypeInfo) (*Inspector, error) {
	insp := &Inspector{
		types:      types,
		addrToName: make(map[uint64]string),
		nameToAddr: make(map[string]uint64),
	}

	if err := insp.loadSymbols(files.Symbols); err != nil {
		return nil, fmt.Errorf("unable to load symbol table: %w", err)
	}

	var err error
	insp.traceableEvents, err = fileToSet(files.TraceableEvents)
	if err != nil {
		return nil, fmt.Errorf("unable to read traceable events: %w", err)
	}
	insp.traceableFunctions, err = fileToSet(files.TraceableFunctions)
	if err != nil {
		return nil, fmt.Errorf("unable to read traceable functions: %w", err)
	}
	if insp.traceableEvents == nil || insp.traceableFunctions == nil {
		log.Warning("consider mounting debugfs to /sys/kernel/debug to better filter available probes")
	}

	return insp, nil
}

// loadSymbols parses a kallsyms-formatted file: "<addr hex> <type>
// <name>". Lines are processed in reverse so that the first-loaded
// definition of a duplicated address wins (matches module init
// functions sharing an address with their caller in some kernels).
func (insp *Inspector) loadSymbols(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	lines := make([]string, 0, 1<<16)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.SplitN(lines[i], " ", 3)
		if len(fields) < 3 {
			return fmt.Errorf("invalid kallsyms line: %q", lines[i])
		}
		name := fields[2]
		if idx := strings.IndexByte(name, '\t'); idx >= 0 {
			name = name[:idx]
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return fmt.Errorf("invalid kallsyms address %q: %w", fields[0], err)
		}
		insp.addrToName[addr] = name
		insp.nameToAddr[name] = addr
	}

	insp.sortedAddrs = make([]uint64, 0, len(insp.addrToName))
	for addr := range insp.addrToName {
		insp.sortedAddrs = append(insp.sortedAddrs, addr)
	}
	sort.Slice(insp.sortedAddrs, func(i, j int) bool { return insp.sortedAddrs[i] < insp.sortedAddrs[j] })

	return nil
}

// fileToSet reads a file containing one token per line (functions may
// be formatted as "func_name [module]", only the first token is kept)
// into a set. Returns (nil, nil) if the file doesn't exist.
func fileToSet(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		tok, _, _ := strings.Cut(line, " ")
		if tok == "" {
			log.Warningf("symbol list element has an unexpected format in %s: %q", path, line)
			continue
		}
		set[tok] = struct{}{}
	}
	return set, scanner.Err()
}

// SymbolName returns the symbol name at addr, if known.
func (insp *Inspector) SymbolName(addr uint64) (string, bool) {
	name, ok := insp.addrToName[addr]
	return name, ok
}

// SymbolAddr returns the address of name, if known.
func (insp *Inspector) SymbolAddr(name string) (uint64, bool) {
	addr, ok := insp.nameToAddr[name]
	return addr, ok
}

// NearestSymbol returns the largest known address <= target.
func (insp *Inspector) NearestSymbol(target uint64) (uint64, bool) {
	i := sort.Search(len(insp.sortedAddrs), func(i int) bool { return insp.sortedAddrs[i] > target })
	if i == 0 {
		return 0, false
	}
	return insp.sortedAddrs[i-1], true
}

// SymbolOffsetFrom returns the name of, and offset from, the nearest
// symbol at or below addr.
func (insp *Inspector) SymbolOffsetFrom(addr uint64) (name string, delta uint64, ok bool) {
	nearest, found := insp.NearestSymbol(addr)
	if !found {
		return "", 0, false
	}
	name, ok = insp.SymbolName(nearest)
	if !ok {
		return "", 0, false
	}
	return name, addr - nearest, true
}

// IsEventTraceable reports whether name is a traceable tracepoint.
// Returns (false, false) when the backing file wasn't available, i.e.
// "unknown".
func (insp *Inspector) IsEventTraceable(name string) (traceable bool, known bool) {
	if insp.traceableEvents == nil {
		return false, false
	}
	_, ok := insp.traceableEvents[name]
	return ok, true
}

// IsFunctionTraceable reports whether name is a traceable kernel
// function. Returns (false, false) when unknown.
func (insp *Inspector) IsFunctionTraceable(name string) (traceable bool, known bool) {
	if insp.traceableFunctions == nil {
		return false, false
	}
	_, ok := insp.traceableFunctions[name]
	return ok, true
}

// FindEvent resolves a bare event name (without the "group:" prefix) to
// its unique "group:event" form, by suffix match over the traceable
// events set. An ambiguous name (several groups match) resolves to
// nothing.
func (insp *Inspector) FindEvent(shortName string) (string, bool) {
	if insp.traceableEvents == nil {
		return "", false
	}
	suffix := ":" + shortName
	found := ""
	for event := range insp.traceableEvents {
		if strings.HasSuffix(event, suffix) {
			if found != "" {
				return "", false
			}
			found = event
		}
	}
	return found, found != ""
}

// MatchFunctions expands a shell-style wildcard pattern ('*' only) into
// every matching traceable function name. Matching is anchored at both
// ends and case-sensitive.
func (insp *Inspector) MatchFunctions(pattern string) ([]string, error) {
	if insp.traceableFunctions == nil {
		return nil, fmt.Errorf("can't match functions, consider mounting /sys/kernel/debug")
	}

	anchored := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, fmt.Errorf("invalid function pattern %q: %w", pattern, err)
	}

	matches := make([]string, 0)
	for fn := range insp.traceableFunctions {
		if re.MatchString(fn) {
			matches = append(matches, fn)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// NArgs returns the symbol's argument count as reported by the
// type-info reader; it fails when no reader is configured or the
// reader doesn't know the function.
func (insp *Inspector) NArgs(sym *Symbol) (uint32, error) {
	if insp.types != nil {
		if n, ok := insp.types.NArgs(sym.Name); ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unable to determine argument count for %s", sym.Name)
}

// ParameterOffset returns the zero-based argument index of symbol whose
// declared type matches typ, consulting the type-information reader.
func (insp *Inspector) ParameterOffset(sym *Symbol, typ string) (uint32, bool, error) {
	if insp.types == nil {
		return 0, false, fmt.Errorf("no type-information reader configured")
	}
	nargs, ok := insp.types.NArgs(sym.Name)
	if !ok {
		return 0, false, fmt.Errorf("unable to determine argument count for %s", sym.Name)
	}
	for i := 0; i < int(nargs); i++ {
		argType, ok := insp.types.ArgType(sym.Name, i)
		if ok && argType == typ {
			return uint32(i), true, nil
		}
	}
	return 0, false, nil
}
