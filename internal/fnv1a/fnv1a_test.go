// Copyright 2020-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fnv1a_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsys/pilcore/internal/fnv1a"
)

func TestUTF8Deterministic(t *testing.T) {
	a, nb, nc := fnv1a.UTF8([]byte("hello\x00"))
	b, _, _ := fnv1a.UTF8([]byte("hello\x00"))
	require.Equal(t, a, b)
	require.EqualValues(t, 6, nb)
	require.EqualValues(t, 5, nc)
}

func TestUTF8Golden(t *testing.T) {
	// Pinned so an accidental change to the accumulation or finalizer
	// constants fails loudly instead of silently breaking Rebuild.
	h, _, _ := fnv1a.UTF8([]byte("\x00"))
	require.EqualValues(t, uint32(0x0578ab1b), h)
	require.EqualValues(t, fnv1a.Range([]byte{0}), h)
}

func TestDistinctBytesDiffer(t *testing.T) {
	a, _, _ := fnv1a.UTF8([]byte("hello\x00"))
	b, _, _ := fnv1a.UTF8([]byte("jello\x00"))
	require.NotEqual(t, a, b)
}

func TestUTF16Lengths(t *testing.T) {
	units := []uint16{'h', 'i', 0}
	h1, nb, nc := fnv1a.UTF16(units)
	require.EqualValues(t, 6, nb)
	require.EqualValues(t, 2, nc)

	h2, _, _ := fnv1a.UTF16([]uint16{'h', 'i', 0})
	require.Equal(t, h1, h2)
}

func TestUTF32Lengths(t *testing.T) {
	units := []uint32{'h', 'i', 0}
	_, nb, nc := fnv1a.UTF32(units)
	require.EqualValues(t, 12, nb)
	require.EqualValues(t, 2, nc)
}
