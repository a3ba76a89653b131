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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/retis/internal/kernel"
)

func TestProbeAttachName(t *testing.T) {
	kp := NewKprobe(kernel.NewFunction("consume_skb", 0xffff, 0))
	require.Equal(t, "consume_skb", kp.AttachName())

	tp := NewRawTracepoint(kernel.NewTracepoint("skb", "kfree_skb", 0xffff, 0))
	require.Equal(t, "skb:kfree_skb", tp.AttachName())

	u := NewUsdt(&UsdtTarget{Path: "/bin/true", Pid: 42, Provider: "p", Name: "n"})
	require.Equal(t, "/bin/true:p:n", u.AttachName())
}

func TestProbeKeyDistinguishesKind(t *testing.T) {
	kp := NewKprobe(kernel.NewFunction("foo", 1, 0))
	kr := NewKretprobe(kernel.NewFunction("foo", 1, 0))
	require.NotEqual(t, kp.Key(), kr.Key())
}

func TestConfigBytesLayout(t *testing.T) {
	c := Config{ParamOffsets: map[string]uint32{
		ParamPacketBuffer: 0,
		ParamDropReason:   1,
	}}
	c.SetOption(OptStackTrace)

	b := c.Bytes()
	require.Len(t, b, 20)

	require.Equal(t, []byte{0, 0, 0, 0}, b[0:4])   // packet_buffer offset 0
	require.Equal(t, []byte{1, 0, 0, 0}, b[4:8])   // drop_reason offset 1
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b[8:12])  // net_device: unset
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b[12:16]) // net_namespace: unset
	require.Equal(t, []byte{1, 0, 0, 0}, b[16:20])             // options: OptStackTrace
}

func TestAcceptsGenericHooks(t *testing.T) {
	require.True(t, KindKprobe.acceptsGenericHooks())
	require.True(t, KindKretprobe.acceptsGenericHooks())
	require.True(t, KindRawTracepoint.acceptsGenericHooks())
	require.False(t, KindUsdt.acceptsGenericHooks())
}

func TestHookReuseMap(t *testing.T) {
	h := NewHook([]byte{0xde, 0xad})
	h.ReuseMap("config_map", 7)
	require.Equal(t, 7, h.MapReuse["config_map"])
}
