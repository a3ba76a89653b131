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

package kernel

// MapTypeInfo is a TypeInfo backed by a plain in-memory table of
// (function, arg index) -> declared type. It is the seam the
// inspector's tests use to exercise ParameterOffset, and can also
// back a TypeInfo reader fed by an offline BTF dump when one isn't
// produced at runtime.
type MapTypeInfo struct {
	// ArgTypes maps a function name to its argument types, in order.
	ArgTypes map[string][]string
}

// ArgType implements TypeInfo.
func (m *MapTypeInfo) ArgType(fn string, n int) (string, bool) {
	args, ok := m.ArgTypes[fn]
	if !ok || n < 0 || n >= len(args) {
		return "", false
	}
	return args[n], true
}

// NArgs implements TypeInfo.
func (m *MapTypeInfo) NArgs(fn string) (uint32, bool) {
	args, ok := m.ArgTypes[fn]
	if !ok {
		return 0, false
	}
	return uint32(len(args)), true
}
