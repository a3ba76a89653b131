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
	"encoding/hex"
	"strings"

	"github.com/facebookincubator/retis/internal/events"
	"github.com/facebookincubator/retis/internal/events/sections"
)

// TriggerStage is a pipeline.Stage that watches passing events for an
// ovs exec section carrying flow-correlation identifiers and submits
// an enrichment request for each one. It never drops or rewrites the
// event it inspects; enrichment results arrive later, out of band, as
// separate ovs-flow-info events merged back into the pipeline.
type TriggerStage struct {
	enricher *Enricher
}

// NewTriggerStage returns a Stage submitting requests to e.
func NewTriggerStage(e *Enricher) *TriggerStage {
	return &TriggerStage{enricher: e}
}

// ProcessOne implements pipeline.Stage.
func (s *TriggerStage) ProcessOne(e *events.Event) ([]*events.Event, error) {
	if v, ok := e.Get(events.SectionOvs); ok {
		if ovs, ok := v.(*sections.Ovs); ok && ovs.UFID != nil && ovs.FlowPtr != nil && ovs.ActsPtr != nil {
			if req, ok := parseUFID(*ovs.UFID, *ovs.FlowPtr, *ovs.ActsPtr); ok {
				s.enricher.Submit(req)
			}
		}
	}
	return []*events.Event{e}, nil
}

// Stop implements pipeline.Stage.
func (s *TriggerStage) Stop() ([]*events.Event, error) { return nil, nil }

// parseUFID parses the dash-grouped hex form sections.Ovs encodes
// (matching UFID.String) back into a Request.
func parseUFID(s string, flowPtr, actsPtr uint64) (Request, bool) {
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return Request{}, false
	}
	var u UFID
	offset := 0
	for _, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || offset+len(b) > len(u) {
			return Request{}, false
		}
		copy(u[offset:], b)
		offset += len(b)
	}
	if offset != len(u) {
		return Request{}, false
	}
	return Request{UFID: u, FlowPtr: flowPtr, ActsPtr: actsPtr}, true
}
