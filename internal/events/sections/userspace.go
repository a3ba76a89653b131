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

// Userspace carries the raw payload collected at a USDT probe hit: the
// originating process/thread and an opaque byte blob the probe's
// arguments were packed into. USDT providers vary in argument shape
// across userspace programs, so unlike kernel sections the payload
// itself is not further decoded here.
type Userspace struct {
	PID     uint32 `json:"pid"`
	TID     uint32 `json:"tid"`
	Comm    string `json:"comm"`
	Payload []byte `json:"payload,omitempty"`
}

// ToJSON implements events.SectionValue.
func (u *Userspace) ToJSON() (json.RawMessage, error) { return json.Marshal(u) }

const (
	userspaceCommLen   = 16
	userspaceHeaderLen = 4 + 4 + userspaceCommLen
)

// UserspaceFactory decodes the userspace section: u32 pid, u32 tid, a
// fixed-width nul-terminated comm, and a variable-length payload.
type UserspaceFactory struct{}

// FromRaw implements events.SectionFactory.
func (UserspaceFactory) FromRaw(raw []events.RawSection) (events.SectionValue, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("userspace event from BPF must be a single section")
	}
	buf := raw[0].Payload
	if len(buf) < userspaceHeaderLen {
		return nil, fmt.Errorf("userspace section: expected at least %d bytes, got %d", userspaceHeaderLen, len(buf))
	}

	pid := binary.LittleEndian.Uint32(buf[0:4])
	tid := binary.LittleEndian.Uint32(buf[4:8])
	comm := nullTerminated(buf[8:userspaceHeaderLen])

	u := &Userspace{PID: pid, TID: tid, Comm: comm}
	if rest := buf[userspaceHeaderLen:]; len(rest) > 0 {
		u.Payload = append([]byte(nil), rest...)
	}
	return u, nil
}

// FromJSON implements events.SectionFactory.
func (UserspaceFactory) FromJSON(data json.RawMessage) (events.SectionValue, error) {
	var u Userspace
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
