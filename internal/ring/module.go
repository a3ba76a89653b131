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

package ring

import (
	_ "embed"
	"fmt"

	"github.com/aquasecurity/libbpfgo"
)

// eventsObj declares only MapName, the BPF_MAP_TYPE_RINGBUF every probe
// kind's program writes records into. It owns no programs of its own;
// every kind builder reuses this module's map fd (see
// probe.Manager.ReuseMap), so the ring buffer is a single, process-wide
// instance regardless of how many probe kinds get attached.
//
//go:embed bpf/.out/events.bpf.o
var eventsObj []byte

// LoadModule loads the dedicated events-map object and returns it
// alongside MapName's fd, ready to be shared into every probe kind's
// module via probe.Manager.ReuseMap before Attach. Close the module
// only after every probe using the ring buffer has been torn down.
func LoadModule() (*libbpfgo.Module, int, error) {
	mod, err := libbpfgo.NewModuleFromBuffer(eventsObj, "events")
	if err != nil {
		return nil, 0, fmt.Errorf("opening events object: %w", err)
	}

	if err := mod.BPFLoadObject(); err != nil {
		mod.Close()
		return nil, 0, fmt.Errorf("loading events object: %w", err)
	}

	m, err := mod.GetMap(MapName)
	if err != nil {
		mod.Close()
		return nil, 0, fmt.Errorf("getting %s: %w", MapName, err)
	}

	return mod, int(m.GetFd()), nil
}
