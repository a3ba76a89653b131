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

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/facebookincubator/retis/internal/events"
)

// maxArgs bounds the argument registers captured per probe hit; keep
// in sync with the in-kernel hook's fixed-size array.
const maxArgs = 5

// Kernel carries the probed symbol's address, an optional stack trace
// id, and the raw argument registers captured at the probe site.
type Kernel struct {
	SymbolAddr uint64   `json:"symbol"`
	StackID    *int64   `json:"stack_id,omitempty"`
	Args       []uint64 `json:"args,omitempty"`
}

// ToJSON implements events.SectionValue.
func (k *Kernel) ToJSON() (json.RawMessage, error) { return json.Marshal(k) }

// kernelRawHeaderLen: u64 symbol addr, i64 stack_id (-1 = absent), u8 nargs,
// 7 bytes padding, then nargs*u64 of args.
const kernelRawHeaderLen = 24

// KernelFactory decodes the kernel section.
type KernelFactory struct{}

// FromRaw implements events.SectionFactory.
func (KernelFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("kernel event must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) < kernelRawHeaderLen {
		return nil, fmt.Errorf("kernel section: expected at least %d bytes, got %d", kernelRawHeaderLen, len(buf))
	}

	addr := binary.LittleEndian.Uint64(buf[0:8])
	stackID := int64(binary.LittleEndian.Uint64(buf[8:16]))
	nargs := int(buf[16])
	if nargs > maxArgs {
		return nil, fmt.Errorf("kernel section: nargs %d exceeds maximum %d", nargs, maxArgs)
	}

	want := kernelRawHeaderLen + nargs*8
	if len(buf) != want {
		return nil, fmt.Errorf("kernel section: expected %d bytes for %d args, got %d", want, nargs, len(buf))
	}

	k := &Kernel{SymbolAddr: addr}
	if stackID >= 0 {
		k.StackID = &stackID
	}
	for i := 0; i < nargs; i++ {
		off := kernelRawHeaderLen + i*8
		k.Args = append(k.Args, binary.LittleEndian.Uint64(buf[off:off+8]))
	}
	return k, nil
}

// FromJSON implements events.SectionFactory.
func (KernelFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var k Kernel
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, err
	}
	return &k, nil
}
