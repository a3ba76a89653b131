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

package sections

import "github.com/facebookincubator/retis/internal/events"

// NewDefaultRegistry binds every section id this package implements.
// Callers needing a custom skb-drop reason resolver (e.g. one backed
// by BTF-derived enum names) should Register(SectionSkbDrop, ...) a
// replacement SkbDropFactory after calling this.
func NewDefaultRegistry() *events.Registry {
	r := events.NewRegistry()
	r.Register(events.SectionCommon, CommonFactory{})
	r.Register(events.SectionKernel, KernelFactory{})
	r.Register(events.SectionSkb, SkbFactory{})
	r.Register(events.SectionSkbDrop, SkbDropFactory{})
	r.Register(events.SectionSkbTracking, SkbTrackingFactory{})
	r.Register(events.SectionOvs, OvsFactory{})
	r.Register(events.SectionOvsFlowInfo, OvsFlowInfoFactory{})
	r.Register(events.SectionNft, NftFactory{})
	r.Register(events.SectionCt, CtFactory{})
	r.Register(events.SectionUserspace, UserspaceFactory{})
	return r
}
