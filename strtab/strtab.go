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

// Package strtab implements an append-only, partially-committed
// interning string table. Strings of mixed UTF-8/16/32 encodings are
// deduplicated via a chained hash index; identical bytes under the same
// declared encoding always intern to the same pointer, and the table can
// be serialized and rebuilt without redoing the dedup phase.
package strtab

import (
	"encoding/binary"

	"github.com/tiendc/go-deepcopy"

	"github.com/kestrelsys/pilcore/arena"
	"github.com/kestrelsys/pilcore/internal/dbg"
	"github.com/kestrelsys/pilcore/internal/fnv1a"
)

// CharType identifies the encoding a stored string was interned under.
// Each encoding is hashed with its own function and keyed into its own
// bucket slot, so a single table may hold mixed encodings.
type CharType uint32

const (
	CharTypeUnknown CharType = iota
	CharTypeUTF8
	CharTypeUTF16
	CharTypeUTF32
)

// chunkCapacity is the number of {hash32, slot} pairs held by one hash
// chunk.
const chunkCapacity = 30

// descriptorGrowBytes and dataGrowBytes are the fixed commit-growth steps
// used when the descriptor array or the data block runs out of committed
// room. chunkGrowBytes is the equivalent for the chunk pool.
const (
	descriptorGrowBytes = 64 * 1024
	dataGrowBytes       = 64 * 1024
	chunkGrowBytes      = 64 * 1024
)

const descriptorSize = 16 // byte_offset, byte_length_with_nul, char_length, char_type, all u32
const chunkEntrySize = 8  // hash32, string_slot
const chunkHeaderSize = 4 // next chunk index (1-based, 0 = none)
const chunkSize = chunkHeaderSize + chunkCapacity*chunkEntrySize

// Descriptor describes one interned string.
type Descriptor struct {
	ByteOffset        uint32
	ByteLengthWithNUL uint32
	CharLength        uint32
	CharType          CharType
}

// Pointer is an opaque handle to an interned string's bytes. It is valid
// only until the next mutating call (Intern, Rebuild, Reset) on the Table
// that produced it.
type Pointer struct {
	offset uint32 // offset of the first content byte, i.e. past the back-index
}

// Spec configures a new Table.
type Spec struct {
	MaxDataBytes      uint32
	InitialDataCommit uint32
	MaxStrings        uint32
	InitialStrings    uint32
}

// HashFunc hashes a nul-terminated code-unit buffer, returning the hash
// plus the byte length (including the terminator) and character length
// (excluding it). internal/fnv1a.UTF8/UTF16/UTF32 are wrapped to this
// shape by the UTF8/UTF16/UTF32 package functions below.
type HashFunc func(bytes []byte) (hash uint32, byteLen, charLen uint32)

// UTF8 hashes a nul-terminated UTF-8 byte string.
func UTF8(b []byte) (uint32, uint32, uint32) { return fnv1a.UTF8(b) }

// UTF16 hashes a nul-terminated UTF-16 string packed as little-endian
// bytes, two per code unit.
func UTF16(b []byte) (uint32, uint32, uint32) {
	units := make([]uint16, len(b)/2+1)
	for i := range units {
		if 2*i+1 < len(b) {
			units[i] = binary.LittleEndian.Uint16(b[2*i:])
		}
	}
	return fnv1a.UTF16(units)
}

// UTF32 hashes a nul-terminated UTF-32 string packed as little-endian
// bytes, four per code unit.
func UTF32(b []byte) (uint32, uint32, uint32) {
	units := make([]uint32, len(b)/4+1)
	for i := range units {
		if 4*i+3 < len(b) {
			units[i] = binary.LittleEndian.Uint32(b[4*i:])
		}
	}
	return fnv1a.UTF32(units)
}

// Table is an append-only interning string table.
type Table struct {
	maxStrings uint32
	bucketMask uint32 // B - 1, B a power of two

	descriptorArena *arena.Arena
	dataArena       *arena.Arena
	chunkArena      *arena.Arena
	buckets         []uint32 // per-bucket head chunk index, 1-based, 0 = empty

	descriptorCommit uint32
	dataCommit       uint32
	chunkCommit      uint32

	count       uint32
	dataNext    uint32
	chunkFree   uint32 // 1-based free-list head, 0 = empty
	bytesWasted uint32
}

// TableInfo is a defensive snapshot of a Table's contents, suitable for
// serialization. Mutating the returned slices never reaches back into
// the table's live storage.
type TableInfo struct {
	Descriptors []Descriptor
	Data        []byte
	Count       uint32
	Bytes       uint32
	BytesWasted uint32
}

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Create builds a new Table per spec.
func Create(spec Spec) (*Table, error) {
	if spec.MaxStrings == 0 || spec.MaxDataBytes == 0 {
		return nil, invalidArgs("max strings and max data bytes must be non-zero")
	}
	if spec.InitialStrings > spec.MaxStrings || spec.InitialDataCommit > spec.MaxDataBytes {
		return nil, invalidArgs("initial commit exceeds reservation")
	}

	bucketCount := nextPow2((spec.MaxStrings + chunkCapacity - 1) / chunkCapacity)
	maxChunks := spec.MaxStrings // worst case: one string per chunk

	t := &Table{
		maxStrings: spec.MaxStrings,
		bucketMask: bucketCount - 1,
		buckets:    make([]uint32, bucketCount),
	}

	descArena, err := arena.Create(arena.Spec{
		Name:          "strtab.descriptors",
		ReserveSize:   uint64(spec.MaxStrings) * descriptorSize,
		CommitSize:    uint64(max32(spec.InitialStrings, 1)) * descriptorSize,
		AllocatorType: arena.AllocatorTypeHostVMM,
		ArenaFlags:    arena.Internal,
	})
	if err != nil {
		return nil, wrapArenaErr(err)
	}
	t.descriptorArena = descArena
	t.descriptorCommit = max32(spec.InitialStrings, 1)

	dataArena, err := arena.Create(arena.Spec{
		Name:          "strtab.data",
		ReserveSize:   uint64(spec.MaxDataBytes),
		CommitSize:    uint64(max32(spec.InitialDataCommit, 4096)),
		AllocatorType: arena.AllocatorTypeHostVMM,
		ArenaFlags:    arena.Internal,
	})
	if err != nil {
		_ = descArena.Delete()
		return nil, wrapArenaErr(err)
	}
	t.dataArena = dataArena
	t.dataCommit = max32(spec.InitialDataCommit, 4096)

	initialChunks := max32(spec.InitialStrings/4, 1)
	chunkArena, err := arena.Create(arena.Spec{
		Name:          "strtab.chunks",
		ReserveSize:   uint64(maxChunks) * chunkSize,
		CommitSize:    uint64(initialChunks) * chunkSize,
		AllocatorType: arena.AllocatorTypeHostVMM,
		ArenaFlags:    arena.Internal,
	})
	if err != nil {
		_ = descArena.Delete()
		_ = dataArena.Delete()
		return nil, wrapArenaErr(err)
	}
	t.chunkArena = chunkArena
	t.chunkCommit = initialChunks
	t.initChunkFreeList(0, initialChunks)

	return t, nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func wrapArenaErr(err error) error {
	if ae, ok := err.(*arena.Error); ok && ae.Kind == arena.OutOfMemory {
		return outOfMemory(ae.Msg)
	}
	return invalidArgs(err.Error())
}

// initChunkFreeList links chunks [from, to) into the free list, pushing
// them on in descending order so the lowest index ends up at the head.
func (t *Table) initChunkFreeList(from, to uint32) {
	for i := to; i > from; i-- {
		t.chunkSetNext(i, t.chunkFree)
		t.chunkFree = i
	}
}

// --- raw chunk accessors. Chunk indices are 1-based; 0 means "none". ---

func (t *Table) chunkOffset(idx uint32) uint32 { return (idx - 1) * chunkSize }

func (t *Table) chunkNext(idx uint32) uint32 {
	raw := t.chunkArena.Raw()
	return binary.LittleEndian.Uint32(raw[t.chunkOffset(idx):])
}

func (t *Table) chunkSetNext(idx, next uint32) {
	raw := t.chunkArena.Raw()
	binary.LittleEndian.PutUint32(raw[t.chunkOffset(idx):], next)
}

// chunkEntry returns the raw hash and the 1-based stored slot (0 = this
// entry is unoccupied) of a chunk position. Storing slot+1 rather than slot
// keeps "unoccupied" unambiguous: slot 0 is a perfectly valid descriptor
// slot, so a bare {0,0} sentinel would be indistinguishable from the first
// interned string ever hashing to zero.
func (t *Table) chunkEntry(idx uint32, slotInChunk int) (hash32, storedSlot uint32) {
	raw := t.chunkArena.Raw()
	base := t.chunkOffset(idx) + chunkHeaderSize + uint32(slotInChunk)*chunkEntrySize
	return binary.LittleEndian.Uint32(raw[base:]), binary.LittleEndian.Uint32(raw[base+4:])
}

// chunkSetEntry stores slot biased by one; see chunkEntry.
func (t *Table) chunkSetEntry(idx uint32, slotInChunk int, hash32, slot uint32) {
	raw := t.chunkArena.Raw()
	base := t.chunkOffset(idx) + chunkHeaderSize + uint32(slotInChunk)*chunkEntrySize
	binary.LittleEndian.PutUint32(raw[base:], hash32)
	binary.LittleEndian.PutUint32(raw[base+4:], slot+1)
}

// chunkClearEntries zeroes every entry of a chunk being recycled off the
// free list, writing raw zero bytes rather than going through
// chunkSetEntry(idx, i, 0, 0), which would store the biased sentinel
// storedSlot=1 (slot 0, occupied) instead of storedSlot=0 (unoccupied).
func (t *Table) chunkClearEntries(idx uint32) {
	raw := t.chunkArena.Raw()
	base := t.chunkOffset(idx) + chunkHeaderSize
	clear(raw[base : base+chunkCapacity*chunkEntrySize])
}

// allocChunk pops a chunk from the free list, growing the chunk pool by
// chunkGrowBytes worth of chunks first if the free list is empty.
func (t *Table) allocChunk() (uint32, error) {
	if t.chunkFree != 0 {
		idx := t.chunkFree
		t.chunkFree = t.chunkNext(idx)
		t.chunkSetNext(idx, 0)
		t.chunkClearEntries(idx)
		return idx, nil
	}

	need := t.chunkCommit + 1
	grown := t.chunkCommit + (chunkGrowBytes+chunkSize-1)/chunkSize
	if err := t.chunkArena.EnsureCommitted(uint64(grown) * chunkSize); err != nil {
		return 0, wrapArenaErr(err)
	}
	t.initChunkFreeList(t.chunkCommit, grown)
	t.chunkCommit = grown
	dbg.Assert(t.chunkFree != 0, "chunk free list empty after growth to %d", need)

	idx := t.chunkFree
	t.chunkFree = t.chunkNext(idx)
	t.chunkSetNext(idx, 0)
	return idx, nil
}

// --- descriptor accessors ---

func (t *Table) descGet(slot uint32) Descriptor {
	raw := t.descriptorArena.Raw()
	base := slot * descriptorSize
	return Descriptor{
		ByteOffset:        binary.LittleEndian.Uint32(raw[base:]),
		ByteLengthWithNUL: binary.LittleEndian.Uint32(raw[base+4:]),
		CharLength:        binary.LittleEndian.Uint32(raw[base+8:]),
		CharType:          CharType(binary.LittleEndian.Uint32(raw[base+12:])),
	}
}

func (t *Table) descSet(slot uint32, d Descriptor) {
	raw := t.descriptorArena.Raw()
	base := slot * descriptorSize
	binary.LittleEndian.PutUint32(raw[base:], d.ByteOffset)
	binary.LittleEndian.PutUint32(raw[base+4:], d.ByteLengthWithNUL)
	binary.LittleEndian.PutUint32(raw[base+8:], d.CharLength)
	binary.LittleEndian.PutUint32(raw[base+12:], uint32(d.CharType))
}

func alignUp4(n uint32) uint32 { return (n + 3) &^ 3 }

// Intern deduplicates bytes (a nul-terminated buffer in the given
// encoding) and returns a Pointer to its content. Identical bytes under
// the same declared encoding always return the same Pointer; different
// bytes, or the same bytes under a different encoding, never collide.
func (t *Table) Intern(bytes []byte, charType CharType, hash HashFunc) (Pointer, error) {
	h, byteLen, charLen := hash(bytes)
	bucket := h & t.bucketMask

	for chunkIdx := t.buckets[bucket]; chunkIdx != 0; chunkIdx = t.chunkNext(chunkIdx) {
		for i := 0; i < chunkCapacity; i++ {
			eh, storedSlot := t.chunkEntry(chunkIdx, i)
			if storedSlot == 0 {
				break // unoccupied tail of this chunk
			}
			if eh != h {
				continue
			}
			slot := storedSlot - 1
			d := t.descGet(slot)
			if d.CharType != charType || d.ByteLengthWithNUL != byteLen {
				continue
			}
			existing := t.dataArena.Raw()[d.ByteOffset : d.ByteOffset+byteLen]
			if bytesEqual(existing, bytes[:byteLen]) {
				return Pointer{offset: d.ByteOffset}, nil
			}
		}
	}

	if t.count >= t.maxStrings {
		return Pointer{}, outOfMemory("string table descriptor capacity exhausted")
	}
	if t.count >= t.descriptorCommit {
		grown := t.descriptorCommit + descriptorGrowBytes/descriptorSize
		if grown > t.maxStrings {
			grown = t.maxStrings
		}
		if err := t.descriptorArena.EnsureCommitted(uint64(grown) * descriptorSize); err != nil {
			return Pointer{}, wrapArenaErr(err)
		}
		t.descriptorCommit = grown
	}

	recordLen := 4 + byteLen
	padded := alignUp4(recordLen)
	if t.dataNext+padded > t.dataCommit {
		grown := t.dataCommit + dataGrowBytes
		for grown < t.dataNext+padded {
			grown += dataGrowBytes
		}
		if err := t.dataArena.EnsureCommitted(uint64(grown)); err != nil {
			return Pointer{}, wrapArenaErr(err)
		}
		t.dataCommit = grown
	}

	slot := t.count
	raw := t.dataArena.Raw()
	binary.LittleEndian.PutUint32(raw[t.dataNext:], slot)
	contentOffset := t.dataNext + 4
	copy(raw[contentOffset:contentOffset+byteLen], bytes[:byteLen])
	for i := contentOffset + byteLen; i < t.dataNext+padded; i++ {
		raw[i] = 0
	}
	t.bytesWasted += padded - recordLen

	t.descSet(slot, Descriptor{
		ByteOffset:        contentOffset,
		ByteLengthWithNUL: byteLen,
		CharLength:        charLen,
		CharType:          charType,
	})
	t.dataNext += padded
	t.count++

	if err := t.insertBucketEntry(bucket, h, slot); err != nil {
		return Pointer{}, err
	}

	dbg.Assert(binary.LittleEndian.Uint32(t.dataArena.Raw()[contentOffset-4:]) == slot,
		"back-index %d does not match descriptor slot %d", binary.LittleEndian.Uint32(raw[contentOffset-4:]), slot)

	return Pointer{offset: contentOffset}, nil
}

func (t *Table) insertBucketEntry(bucket, h, slot uint32) error {
	head := t.buckets[bucket]
	if head != 0 {
		if ok := t.tryInsertIntoChunk(head, h, slot); ok {
			return nil
		}
	}
	newChunk, err := t.allocChunk()
	if err != nil {
		return err
	}
	t.chunkSetNext(newChunk, head)
	t.buckets[bucket] = newChunk
	ok := t.tryInsertIntoChunk(newChunk, h, slot)
	dbg.Assert(ok, "freshly allocated chunk has no room")
	return nil
}

func (t *Table) tryInsertIntoChunk(chunkIdx, h, slot uint32) bool {
	for i := 0; i < chunkCapacity; i++ {
		_, storedSlot := t.chunkEntry(chunkIdx, i)
		if storedSlot == 0 {
			t.chunkSetEntry(chunkIdx, i, h, slot)
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetStringInfo reads the back-index immediately preceding p's content
// bytes and returns the corresponding descriptor.
func (t *Table) GetStringInfo(p Pointer) (Descriptor, error) {
	if p.offset < 4 || p.offset > t.dataNext {
		return Descriptor{}, notFound("pointer outside data block's valid range")
	}
	raw := t.dataArena.Raw()
	slot := binary.LittleEndian.Uint32(raw[p.offset-4:])
	if slot >= t.count {
		return Descriptor{}, notFound("back-index refers to an unknown slot")
	}
	return t.descGet(slot), nil
}

// GetTableInfo returns a defensive snapshot of the table's contents,
// suitable for serialization.
func (t *Table) GetTableInfo() TableInfo {
	descs := make([]Descriptor, t.count)
	for i := uint32(0); i < t.count; i++ {
		descs[i] = t.descGet(i)
	}
	data := make([]byte, t.dataNext)
	copy(data, t.dataArena.Raw()[:t.dataNext])

	info := TableInfo{
		Descriptors: descs,
		Data:        data,
		Count:       t.count,
		Bytes:       t.dataNext,
		BytesWasted: t.bytesWasted,
	}

	// Defensive copy through go-deepcopy so a caller mutating the
	// returned snapshot can never reach back into the table's live
	// descriptors/data arrays, even if a future refactor starts
	// returning aliased slices above.
	var out TableInfo
	if err := deepcopy.Copy(&out, &info); err != nil {
		return info
	}
	return out
}

// hashFor returns the hash function that reproduces a descriptor's stored
// encoding, used by Rebuild.
func hashFor(charType CharType) HashFunc {
	switch charType {
	case CharTypeUTF8:
		return UTF8
	case CharTypeUTF16:
		return UTF16
	case CharTypeUTF32:
		return UTF32
	default:
		return nil
	}
}

// Rebuild loads descriptors and data (the Descriptors and Data of a
// GetTableInfo snapshot) into the table's storage and reconstructs the hash
// index from them. The table's count and data size become len(descriptors)
// and len(data).
func (t *Table) Rebuild(descriptors []Descriptor, data []byte) error {
	if uint32(len(descriptors)) > t.maxStrings {
		return invalidArgs("rebuild count exceeds max strings")
	}
	if err := t.ensureDescriptorCommit(uint32(len(descriptors))); err != nil {
		return err
	}
	if err := t.ensureDataCommit(uint32(len(data))); err != nil {
		return err
	}

	for i, d := range descriptors {
		t.descSet(uint32(i), d)
	}
	copy(t.dataArena.Raw(), data)

	for i := range t.buckets {
		t.buckets[i] = 0
	}
	t.chunkFree = 0
	t.initChunkFreeList(0, t.chunkCommit)

	t.count = uint32(len(descriptors))
	t.dataNext = uint32(len(data))

	for slot, d := range descriptors {
		h := hashFor(d.CharType)
		if h == nil {
			return invalidArgs("descriptor has unknown char type")
		}
		content := t.dataArena.Raw()[d.ByteOffset : d.ByteOffset+d.ByteLengthWithNUL]
		hash, _, _ := h(content)
		bucket := hash & t.bucketMask
		if err := t.insertBucketEntry(bucket, hash, uint32(slot)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) ensureDescriptorCommit(count uint32) error {
	if count <= t.descriptorCommit {
		return nil
	}
	if count > t.maxStrings {
		return invalidArgs("rebuild count exceeds max strings")
	}
	if err := t.descriptorArena.EnsureCommitted(uint64(count) * descriptorSize); err != nil {
		return wrapArenaErr(err)
	}
	t.descriptorCommit = count
	return nil
}

func (t *Table) ensureDataCommit(bytes uint32) error {
	if bytes <= t.dataCommit {
		return nil
	}
	if err := t.dataArena.EnsureCommitted(uint64(bytes)); err != nil {
		return wrapArenaErr(err)
	}
	t.dataCommit = bytes
	return nil
}

// Reset returns all chunks to the free list, zeroes the bucket heads, and
// rewinds the data/descriptor cursors to empty. Committed memory is not
// released.
func (t *Table) Reset() {
	for i := range t.buckets {
		t.buckets[i] = 0
	}
	t.chunkFree = 0
	t.initChunkFreeList(0, t.chunkCommit)
	t.dataNext = 0
	t.count = 0
	t.bytesWasted = 0
}

// Delete releases all three backing arena reservations.
func (t *Table) Delete() error {
	var firstErr error
	for _, a := range []*arena.Arena{t.descriptorArena, t.dataArena, t.chunkArena} {
		if a == nil {
			continue
		}
		if err := a.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
