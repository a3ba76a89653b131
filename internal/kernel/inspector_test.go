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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testFiles() Files {
	return Files{
		Symbols:            "testdata/kallsyms",
		TraceableEvents:    "testdata/available_events",
		TraceableFunctions: "testdata/available_filter_functions",
	}
}

func testInspector(t *testing.T) *Inspector {
	insp, err := New(testFiles(), nil)
	require.NoError(t, err)
	return insp
}

func TestInspectorInit(t *testing.T) {
	_, err := New(testFiles(), nil)
	require.NoError(t, err)
}

func TestSymbolName(t *testing.T) {
	insp := testInspector(t)
	name, ok := insp.SymbolName(0xffffffff99d1da80)
	require.True(t, ok)
	require.Equal(t, "consume_skb", name)
}

func TestSymbolAddr(t *testing.T) {
	insp := testInspector(t)
	addr, ok := insp.SymbolAddr("consume_skb")
	require.True(t, ok)
	require.Equal(t, uint64(0xffffffff99d1da80), addr)
}

func TestBijection(t *testing.T) {
	insp := testInspector(t)
	addr, ok := insp.SymbolAddr("consume_skb")
	require.True(t, ok)
	name, ok := insp.SymbolName(addr)
	require.True(t, ok)
	require.Equal(t, "consume_skb", name)
}

func TestNearestSymbol(t *testing.T) {
	insp := testInspector(t)
	addr, ok := insp.SymbolAddr("kfree_skb_reason")
	require.True(t, ok)

	nearest, ok := insp.NearestSymbol(addr + 1)
	require.True(t, ok)
	require.Equal(t, addr, nearest)

	nearest, ok = insp.NearestSymbol(addr)
	require.True(t, ok)
	require.Equal(t, addr, nearest)

	nearest, ok = insp.NearestSymbol(addr - 1)
	require.True(t, ok)
	require.NotEqual(t, addr, nearest)
}

func TestSymbolOffsetFrom(t *testing.T) {
	insp := testInspector(t)
	addr, ok := insp.SymbolAddr("consume_skb")
	require.True(t, ok)

	name, delta, ok := insp.SymbolOffsetFrom(addr + 1)
	require.True(t, ok)
	require.Equal(t, "consume_skb", name)
	require.Equal(t, uint64(1), delta)

	name, delta, ok = insp.SymbolOffsetFrom(addr)
	require.True(t, ok)
	require.Equal(t, "consume_skb", name)
	require.Equal(t, uint64(0), delta)
}

func TestIsEventTraceable(t *testing.T) {
	insp := testInspector(t)
	ok, known := insp.IsEventTraceable("skb:kfree_skb")
	require.True(t, known)
	require.True(t, ok)

	ok, known = insp.IsEventTraceable("skb:no_such_event")
	require.True(t, known)
	require.False(t, ok)
}

func TestIsEventTraceableUnknown(t *testing.T) {
	insp, err := New(Files{Symbols: "testdata/kallsyms"}, nil)
	require.NoError(t, err)

	_, known := insp.IsEventTraceable("skb:kfree_skb")
	require.False(t, known)
}

func TestFindEvent(t *testing.T) {
	insp := testInspector(t)
	event, ok := insp.FindEvent("kfree_skb")
	require.True(t, ok)
	require.Equal(t, "skb:kfree_skb", event)

	_, ok = insp.FindEvent("no_such_event")
	require.False(t, ok)
}

func TestMatchFunctions(t *testing.T) {
	insp := testInspector(t)
	matches, err := insp.MatchFunctions("tcp_v6_*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tcp_v6_init_sock", "tcp_v6_connect", "tcp_v6_do_rcv"}, matches)
}

func TestMatchFunctionsNoDebugfs(t *testing.T) {
	insp, err := New(Files{Symbols: "testdata/kallsyms"}, nil)
	require.NoError(t, err)

	_, err = insp.MatchFunctions("tcp_v6_*")
	require.Error(t, err)
}

func TestParameterOffset(t *testing.T) {
	types := &MapTypeInfo{ArgTypes: map[string][]string{
		"kfree_skb_reason": {"struct sk_buff *", "enum skb_drop_reason"},
	}}
	insp, err := New(testFiles(), types)
	require.NoError(t, err)

	sym := NewFunction("kfree_skb_reason", 0xffffffff99d1db10, 2)

	off, found, err := insp.ParameterOffset(sym, "enum skb_drop_reason")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(1), off)

	_, found, err = insp.ParameterOffset(sym, "struct net_device *")
	require.NoError(t, err)
	require.False(t, found)
}
