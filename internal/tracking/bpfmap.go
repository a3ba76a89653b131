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

package tracking

import (
	"fmt"
	"unsafe"

	"github.com/aquasecurity/libbpfgo"
)

// BPFMap adapts a live *libbpfgo.BPFMap to TrackedMap, so a correlation
// map shared out of a probe kind's module (see probe.Manager.Map) can
// be swept by the GC without either package depending on the other's
// internals.
type BPFMap struct {
	name string
	m    *libbpfgo.BPFMap
}

// NewBPFMap wraps m under name (used only for logging).
func NewBPFMap(name string, m *libbpfgo.BPFMap) *BPFMap {
	return &BPFMap{name: name, m: m}
}

func (b *BPFMap) Name() string { return b.name }

func (b *BPFMap) Keys() ([][]byte, error) {
	var keys [][]byte
	it := b.m.Iterator()
	for it.Next() {
		key := it.Key()
		cp := make([]byte, len(key))
		copy(cp, key)
		keys = append(keys, cp)
	}
	return keys, nil
}

func (b *BPFMap) Lookup(key []byte) ([]byte, bool, error) {
	val, err := b.m.GetValue(unsafe.Pointer(&key[0]))
	if err != nil {
		return nil, false, nil
	}
	return val, true, nil
}

func (b *BPFMap) Delete(key []byte) error {
	if err := b.m.DeleteKey(unsafe.Pointer(&key[0])); err != nil {
		return fmt.Errorf("deleting key from %s: %w", b.name, err)
	}
	return nil
}
