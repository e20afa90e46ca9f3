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

package strtab_test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelsys/pilcore/strtab"
)

func testSpec() strtab.Spec {
	return strtab.Spec{
		MaxDataBytes:      1 << 20,
		InitialDataCommit: 4096,
		MaxStrings:        1024,
		InitialStrings:    16,
	}
}

func utf8Bytes(s string) []byte { return append([]byte(s), 0) }

func utf16Bytes(s string) []byte {
	buf := make([]byte, 0, 2*(len(s)+1))
	for _, r := range s {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(r))
		buf = append(buf, tmp[:]...)
	}
	buf = append(buf, 0, 0)
	return buf
}

func TestInternDedup(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	p1, err := tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	p2, err := tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	p3, err := tab.Intern(utf8Bytes("world"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	require.NotEqual(t, p1, p3)
}

// TestInternDistinctEncodings is scenario S4: the same text under two
// encodings yields distinct pointers, but re-interning the original
// encoding returns the original pointer.
func TestInternDistinctEncodings(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	p8, err := tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	p16, err := tab.Intern(utf16Bytes("hello"), strtab.CharTypeUTF16, strtab.UTF16)
	require.NoError(t, err)
	require.NotEqual(t, p8, p16)

	again, err := tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	require.Equal(t, p8, again)
}

func TestGetStringInfoRoundTrip(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	p, err := tab.Intern(utf8Bytes("abcdef"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)

	d, err := tab.GetStringInfo(p)
	require.NoError(t, err)
	require.EqualValues(t, len("abcdef")+1, d.ByteLengthWithNUL)
	require.EqualValues(t, len("abcdef"), d.CharLength)
	require.Equal(t, strtab.CharTypeUTF8, d.CharType)
}

func TestGetStringInfoRejectsOutOfRange(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	_, err = tab.Intern(utf8Bytes("x"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)

	_, err = tab.GetStringInfo(strtab.Pointer{})
	require.Error(t, err)
}

// TestRebuildRoundTrip is scenario S5: intern 10 strings, snapshot,
// reset the hash index, rebuild, and confirm every prior string
// re-interns to its original pointer.
func TestRebuildRoundTrip(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	var want []strtab.Pointer
	for i := 0; i < 10; i++ {
		p, err := tab.Intern(utf8Bytes(fmt.Sprintf("string-%d", i)), strtab.CharTypeUTF8, strtab.UTF8)
		require.NoError(t, err)
		want = append(want, p)
	}

	info := tab.GetTableInfo()
	require.EqualValues(t, 10, info.Count)

	tab.Reset()
	require.NoError(t, tab.Rebuild(info.Descriptors, info.Data))

	for i := 0; i < 10; i++ {
		p, err := tab.Intern(utf8Bytes(fmt.Sprintf("string-%d", i)), strtab.CharTypeUTF8, strtab.UTF8)
		require.NoError(t, err)
		require.Equal(t, want[i], p)
	}
}

func TestResetClearsTable(t *testing.T) {
	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	_, err = tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	tab.Reset()

	info := tab.GetTableInfo()
	require.Zero(t, info.Count)
	require.Zero(t, info.Bytes)

	p, err := tab.Intern(utf8Bytes("hello"), strtab.CharTypeUTF8, strtab.UTF8)
	require.NoError(t, err)
	d, err := tab.GetStringInfo(p)
	require.NoError(t, err)
	require.EqualValues(t, 0, d.ByteOffset-4) // back at the start of the data block
}

func TestInternManyStringsGrowsCommitment(t *testing.T) {
	spec := testSpec()
	spec.InitialStrings = 2
	spec.InitialDataCommit = 64
	tab, err := strtab.Create(spec)
	require.NoError(t, err)
	defer tab.Delete()

	seen := make(map[strtab.Pointer]bool)
	for i := 0; i < 500; i++ {
		p, err := tab.Intern(utf8Bytes(fmt.Sprintf("item-%d-padding-to-force-growth", i)), strtab.CharTypeUTF8, strtab.UTF8)
		require.NoError(t, err)
		require.False(t, seen[p], "pointer reused across distinct strings")
		seen[p] = true
	}
	require.Len(t, seen, 500)
}

// TestInternFirstSlotZeroHashDoesNotCollideWithSentinel guards against a
// {0,0} chunk entry being mistaken for "unoccupied": the very first
// interned string always lands in descriptor slot 0, and a hash function
// that finalizes to exactly zero must still dedup correctly and never be
// shadowed by a later, different string with the same zero hash.
func TestInternFirstSlotZeroHashDoesNotCollideWithSentinel(t *testing.T) {
	zeroHash := func(b []byte) (uint32, uint32, uint32) {
		_, byteLen, charLen := strtab.UTF8(b)
		return 0, byteLen, charLen
	}

	tab, err := strtab.Create(testSpec())
	require.NoError(t, err)
	defer tab.Delete()

	p1, err := tab.Intern(utf8Bytes("first"), strtab.CharTypeUTF8, zeroHash)
	require.NoError(t, err)

	again, err := tab.Intern(utf8Bytes("first"), strtab.CharTypeUTF8, zeroHash)
	require.NoError(t, err)
	require.Equal(t, p1, again, "slot-0 string with hash 0 must dedup against itself")

	p2, err := tab.Intern(utf8Bytes("second"), strtab.CharTypeUTF8, zeroHash)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2, "distinct content sharing hash 0 with slot 0 must not collide")

	d1, err := tab.GetStringInfo(p1)
	require.NoError(t, err)
	require.EqualValues(t, len("first")+1, d1.ByteLengthWithNUL)
}

func TestCreateRejectsZeroLimits(t *testing.T) {
	spec := testSpec()
	spec.MaxStrings = 0
	_, err := strtab.Create(spec)
	require.Error(t, err)

	spec = testSpec()
	spec.MaxDataBytes = 0
	_, err = strtab.Create(spec)
	require.Error(t, err)
}
