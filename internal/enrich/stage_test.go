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

package enrich

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
)

func TestParseUFIDRoundTripsWithString(t *testing.T) {
	u := newUFID(5)
	req, ok := parseUFID(u.String(), 0xdead, 0xbeef)
	require.True(t, ok)
	require.Equal(t, u, req.UFID)
	require.Equal(t, uint64(0xdead), req.FlowPtr)
	require.Equal(t, uint64(0xbeef), req.ActsPtr)
}

func TestParseUFIDRejectsMalformedString(t *testing.T) {
	_, ok := parseUFID("not-a-ufid", 0, 0)
	require.False(t, ok)
}

func TestTriggerStageSubmitsRequestForExecSectionWithCorrelation(t *testing.T) {
	client := &fakeClient{
		response: func(command, ufid string) (string, error) { return "flow", nil },
	}
	e, err := New(client)
	require.NoError(t, err)

	ufid := newUFID(6).String()
	flowPtr, actsPtr := uint64(1), uint64(2)
	ev := events.NewEvent()
	require.NoError(t, ev.Insert(events.SectionOvs, &sections.Ovs{
		Variant: "exec",
		UFID:    &ufid,
		FlowPtr: &flowPtr,
		ActsPtr: &actsPtr,
	}))

	stage := NewTriggerStage(e)
	out, err := stage.ProcessOne(ev)
	require.NoError(t, err)
	require.Equal(t, []*events.Event{ev}, out, "the stage must pass the event through unchanged")

	require.Len(t, e.in, 1)
	require.Equal(t, newUFID(6), (<-e.in).UFID)

	out, err = stage.Stop()
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestTriggerStageIgnoresEventsWithoutOvsCorrelation(t *testing.T) {
	client := &fakeClient{}
	e, err := New(client)
	require.NoError(t, err)

	ev := events.NewEvent()
	require.NoError(t, ev.Insert(events.SectionCommon, &sections.Common{Timestamp: 1}))

	stage := NewTriggerStage(e)
	_, err = stage.ProcessOne(ev)
	require.NoError(t, err)
	require.Empty(t, e.in)
}
