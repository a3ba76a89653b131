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

package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileRejectsInvalidRule(t *testing.T) {
	_, err := Compile("random rule")
	require.Error(t, err)
	require.Contains(t, err.Error(), "compiling filter")
}

func TestCompileHostRule(t *testing.T) {
	p, err := Compile("host 127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, Kind, p.Kind())
	require.Equal(t, MapName, p.MapName())
	require.Greater(t, p.Len(), 0)
	require.Equal(t, len(p.instructions), p.Len())
}

func TestPackInstructionLayout(t *testing.T) {
	p, err := Compile("tcp")
	require.NoError(t, err)
	require.NotEmpty(t, p.instructions)

	buf := packInstruction(p.instructions[0])
	require.Len(t, buf, instructionSize)
}
