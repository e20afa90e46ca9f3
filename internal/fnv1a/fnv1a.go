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

// Package fnv1a implements the FNV-1a hash with a MurmurHash-3 32-bit
// finalizer, used by strtab to hash interned string contents. The exact
// constants here must never change: they are baked into any persisted
// string table that has been serialized and is later rebuilt.
package fnv1a

import "encoding/binary"

const (
	offsetBasis32 uint32 = 2166136261
	prime32       uint32 = 16777619
)

// fmix32 is the MurmurHash3 32-bit finalizer.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

func accumulate(h uint32, b byte) uint32 {
	h ^= uint32(b)
	h *= prime32
	return h
}

// UTF8 hashes a nul-terminated UTF-8 string, returning the hash and the
// number of bytes (including the nul) and characters (excluding it) spanned.
func UTF8(str []byte) (hash uint32, nBytes, nChars uint32) {
	h := offsetBasis32
	i := 0
	for ; str[i] != 0; i++ {
		h = accumulate(h, str[i])
	}
	h = accumulate(h, 0)
	return fmix32(h), uint32(i) + 1, uint32(countUTF8Runes(str[:i]))
}

func countUTF8Runes(b []byte) int {
	n := 0
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			i++
		case c&0xE0 == 0xC0:
			i += 2
		case c&0xF0 == 0xE0:
			i += 3
		case c&0xF8 == 0xF0:
			i += 4
		default:
			i++
		}
		n++
	}
	return n
}

// UTF16 hashes a nul-terminated (single code unit 0x0000) UTF-16 string
// stored as little-endian uint16 code units.
func UTF16(units []uint16) (hash uint32, nBytes, nChars uint32) {
	h := offsetBasis32
	i := 0
	var buf [2]byte
	for ; units[i] != 0; i++ {
		binary.LittleEndian.PutUint16(buf[:], units[i])
		h = accumulate(h, buf[0])
		h = accumulate(h, buf[1])
	}
	binary.LittleEndian.PutUint16(buf[:], 0)
	h = accumulate(h, buf[0])
	h = accumulate(h, buf[1])
	return fmix32(h), (uint32(i) + 1) * 2, uint32(i)
}

// UTF32 hashes a nul-terminated UTF-32 string stored as little-endian
// uint32 code units.
func UTF32(units []uint32) (hash uint32, nBytes, nChars uint32) {
	h := offsetBasis32
	i := 0
	var buf [4]byte
	for ; units[i] != 0; i++ {
		binary.LittleEndian.PutUint32(buf[:], units[i])
		for _, b := range buf {
			h = accumulate(h, b)
		}
	}
	binary.LittleEndian.PutUint32(buf[:], 0)
	for _, b := range buf {
		h = accumulate(h, b)
	}
	return fmix32(h), (uint32(i) + 1) * 4, uint32(i)
}

// Range hashes an in-memory byte range with a known end, without assuming
// any nul termination or encoding.
func Range(b []byte) uint32 {
	h := offsetBasis32
	for _, c := range b {
		h = accumulate(h, c)
	}
	return fmix32(h)
}
