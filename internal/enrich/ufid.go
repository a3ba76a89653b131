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

// Package enrich asynchronously queries an external OVS daemon for
// datapath-flow details and publishes the result as an ovs-flow-info
// event, rate limited and cached.
package enrich

import (
	"encoding/hex"
	"fmt"
)

// UFID is OpenvSwitch's 128-bit unique flow identifier.
type UFID [16]byte

// String renders the UFID in OVS's dash-grouped hex form.
func (u UFID) String() string {
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hex.EncodeToString(u[0:4]),
		hex.EncodeToString(u[4:6]),
		hex.EncodeToString(u[6:8]),
		hex.EncodeToString(u[8:10]),
		hex.EncodeToString(u[10:16]))
}

// Request is one enrichment ask: the flow to resolve plus the
// datapath/actions pointers the caller observed it at, used to detect
// a stale cache entry (the flow was deleted and a new one reused the
// UFID).
type Request struct {
	UFID    UFID
	FlowPtr uint64
	ActsPtr uint64
}
