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
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMap is an in-memory TrackedMap double.
type fakeMap struct {
	mu      sync.Mutex
	name    string
	entries map[string][]byte
}

func newFakeMap(name string) *fakeMap {
	return &fakeMap{name: name, entries: make(map[string][]byte)}
}

func (m *fakeMap) Name() string { return m.name }

func (m *fakeMap) set(key string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(age))
	m.entries[key] = buf
}

func (m *fakeMap) Keys() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([][]byte, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, []byte(k))
	}
	return keys, nil
}

func (m *fakeMap) Lookup(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[string(key)]
	return v, ok, nil
}

func (m *fakeMap) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(key))
	return nil
}

func (m *fakeMap) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

func extractAge(value []byte) (time.Duration, error) {
	return time.Duration(binary.LittleEndian.Uint64(value)), nil
}

func TestSweepEvictsOnlyStaleEntries(t *testing.T) {
	m := newFakeMap("skb_tracking")
	m.set("fresh", 9*time.Second)
	m.set("stale", 1*time.Second)

	g := New().WithLimit(5 * time.Second)
	g.now = func() (time.Duration, error) { return 10 * time.Second, nil }
	g.Track(m, extractAge)

	g.sweep()

	require.True(t, m.has("fresh"))
	require.False(t, m.has("stale"))
}

func TestSweepSkipsEntryOnExtractError(t *testing.T) {
	m := newFakeMap("ct")
	m.set("bad", 0)
	m.entries["bad"] = []byte{0x01} // too short for extractAge

	g := New()
	g.now = func() (time.Duration, error) { return 100 * time.Second, nil }
	g.Track(m, func([]byte) (time.Duration, error) {
		return 0, errors.New("bad entry")
	})

	require.NotPanics(t, func() { g.sweep() })
	require.True(t, m.has("bad"))
}

func TestRunAndStopSweepsAtLeastOnce(t *testing.T) {
	m := newFakeMap("skb_tracking")
	m.set("stale", 0)

	g := New().WithInterval(10 * time.Millisecond).WithLimit(0)
	g.now = func() (time.Duration, error) { return time.Second, nil }
	g.Track(m, extractAge)

	g.Run(context.Background())
	require.Eventually(t, func() bool { return !m.has("stale") }, time.Second, 5*time.Millisecond)
	g.Stop()
}
