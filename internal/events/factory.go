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
	"bufio"
	"io"
	"os"
	"time"
)

// Factory pulls decoded Events from some source. NextEvent returns
// (event, nil) on success, (nil, nil) on a timeout with no event ready,
// and (nil, io.EOF) once the source is exhausted.
type Factory interface {
	NextEvent(timeout time.Duration) (*Event, error)
	Close() error
}

// FileFactory replays a file of persisted JSON lines, one event per
// line, ignoring timeout (it never blocks).
type FileFactory struct {
	f        *os.File
	reader   *bufio.Scanner
	registry *Registry
}

// NewFileFactory opens path for line-by-line replay.
func NewFileFactory(path string, registry *Registry) (*FileFactory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &FileFactory{f: f, reader: scanner, registry: registry}, nil
}

// NextEvent implements Factory.
func (ff *FileFactory) NextEvent(time.Duration) (*Event, error) {
	if !ff.reader.Scan() {
		if err := ff.reader.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return DecodeLine(ff.reader.Bytes(), ff.registry)
}

// Close implements Factory.
func (ff *FileFactory) Close() error { return ff.f.Close() }
