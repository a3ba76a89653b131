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

package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Event is a mapping SectionID -> SectionValue with stable, ascending
// iteration order by section id. Each id may be set at most once.
type Event struct {
	sections map[SectionID]SectionValue
}

// NewEvent returns an empty event.
func NewEvent() *Event {
	return &Event{sections: make(map[SectionID]SectionValue)}
}

// Insert sets section id's value. Inserting the same id twice is a
// decoding error: each owner id must contribute exactly one section
// per event.
func (e *Event) Insert(id SectionID, v SectionValue) error {
	if _, ok := e.sections[id]; ok {
		return fmt.Errorf("duplicate section %s in event", id)
	}
	e.sections[id] = v
	return nil
}

// Get returns the section id's value, if present.
func (e *Event) Get(id SectionID) (SectionValue, bool) {
	v, ok := e.sections[id]
	return v, ok
}

// IDs returns the event's present section ids in ascending order.
func (e *Event) IDs() []SectionID {
	ids := make([]SectionID, 0, len(e.sections))
	for id := range e.sections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of sections present.
func (e *Event) Len() int { return len(e.sections) }

// EncodeLine renders the event as one self-describing JSON object, its
// keys the section-id strings, ordered ascending by id.
func (e *Event) EncodeLine() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range e.IDs() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id.String())
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := e.sections[id].ToJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding section %s: %w", id, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeLine parses one persisted JSON line into an Event, resolving
// every top-level key to a section id via reg. An unknown key or
// malformed section returns a *DecodeError for this line alone.
func DecodeLine(line []byte, reg *Registry) (*Event, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, &DecodeError{err: fmt.Errorf("first level of an event must be a json object: %w", err)}
	}

	e := NewEvent()
	for key, val := range obj {
		id, ok := SectionIDFromString(key)
		if !ok {
			return nil, &DecodeError{err: fmt.Errorf("unknown event section owner %q", key)}
		}
		section, err := reg.FromJSON(id, val)
		if err != nil {
			return nil, &DecodeError{err: fmt.Errorf("decoding section %s: %w", id, err)}
		}
		if err := e.Insert(id, section); err != nil {
			return nil, &DecodeError{err: err}
		}
	}
	return e, nil
}

// DecodeRecord groups raw sections by owner id and decodes each group
// via reg, producing one Event. An unknown owner id or malformed
// section returns a *DecodeError for this record alone.
func DecodeRecord(sections []RawSection, reg *Registry) (*Event, error) {
	byOwner := make(map[SectionID][]RawSection)
	var order []SectionID
	for _, s := range sections {
		if _, seen := byOwner[s.OwnerID]; !seen {
			order = append(order, s.OwnerID)
		}
		byOwner[s.OwnerID] = append(byOwner[s.OwnerID], s)
	}

	e := NewEvent()
	for _, id := range order {
		v, err := reg.FromRaw(id, byOwner[id])
		if err != nil {
			return nil, &DecodeError{err: fmt.Errorf("decoding section %s: %w", id, err)}
		}
		if err := e.Insert(id, v); err != nil {
			return nil, &DecodeError{err: err}
		}
	}
	return e, nil
}
