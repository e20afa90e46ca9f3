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

package handle

import (
	"encoding/binary"

	"github.com/kestrelsys/pilcore/arena"
	"github.com/kestrelsys/pilcore/internal/dbg"
)

// defaultGrowChunk is the element-count growth granularity used when a
// mutating call needs more committed capacity than Ensure has explicitly
// been asked to provide.
const defaultGrowChunk = 64

// StreamSpec describes one parallel data stream co-indexed with the dense
// handle array.
type StreamSpec struct {
	ElemSize uint32
}

// Spec configures a new Table.
type Spec struct {
	// TableCapacity is the maximum number of live entries, in [1, MaxSlots].
	TableCapacity uint32
	// InitialCommit is the number of dense/stream elements committed at
	// creation time.
	InitialCommit uint32
	// Streams describes the table's parallel data streams.
	Streams []StreamSpec
	// Tag is embedded in every handle this table issues (the "salt").
	Tag uint8
}

// Table is a generational sparse/dense handle table.
type Table struct {
	tag           uint8
	capacity      uint32
	activeCount   uint32
	commitCount   uint32
	highWatermark uint32

	sparseArena *arena.Arena
	denseArena  *arena.Arena
	streams     []*arena.Arena
	elemSizes   []uint32
}

// Create builds a new Table per spec.
func Create(spec Spec) (*Table, error) {
	if spec.TableCapacity == 0 || spec.TableCapacity > MaxSlots {
		return nil, invalidArgs("table capacity out of range")
	}
	if spec.InitialCommit > spec.TableCapacity {
		return nil, invalidArgs("initial commit exceeds table capacity")
	}
	for _, s := range spec.Streams {
		if s.ElemSize == 0 {
			return nil, invalidArgs("stream element size must be non-zero")
		}
	}

	t := &Table{
		tag:         spec.Tag,
		capacity:    spec.TableCapacity,
		commitCount: spec.InitialCommit,
	}

	sparseArena, err := arena.Create(arena.Spec{
		Name:          "handle.sparse",
		ReserveSize:   uint64(spec.TableCapacity) * 4,
		CommitSize:    uint64(spec.TableCapacity) * 4,
		AllocatorType: arena.AllocatorTypeHostVMM,
		ArenaFlags:    arena.Internal,
	})
	if err != nil {
		return nil, wrapArenaErr(err)
	}
	t.sparseArena = sparseArena

	initialCommit := spec.InitialCommit
	if initialCommit == 0 {
		initialCommit = 1
	}
	denseArena, err := arena.Create(arena.Spec{
		Name:          "handle.dense",
		ReserveSize:   uint64(spec.TableCapacity) * 4,
		CommitSize:    uint64(initialCommit) * 4,
		AllocatorType: arena.AllocatorTypeHostVMM,
		ArenaFlags:    arena.Internal,
	})
	if err != nil {
		_ = sparseArena.Delete()
		return nil, wrapArenaErr(err)
	}
	t.denseArena = denseArena

	for _, s := range spec.Streams {
		sa, err := arena.Create(arena.Spec{
			Name:          "handle.stream",
			ReserveSize:   uint64(spec.TableCapacity) * uint64(s.ElemSize),
			CommitSize:    uint64(initialCommit) * uint64(s.ElemSize),
			AllocatorType: arena.AllocatorTypeHostVMM,
			ArenaFlags:    arena.Internal,
		})
		if err != nil {
			_ = t.Delete()
			return nil, wrapArenaErr(err)
		}
		t.streams = append(t.streams, sa)
		t.elemSizes = append(t.elemSizes, s.ElemSize)
	}

	return t, nil
}

func wrapArenaErr(err error) error {
	if ae, ok := err.(*arena.Error); ok && ae.Kind == arena.OutOfMemory {
		return outOfMemory(ae.Msg)
	}
	return invalidArgs(err.Error())
}

// TableStream returns a typed view over data stream i of t. T's size must
// match the ElemSize the stream was created with. Go methods cannot
// introduce their own type parameters, so this is a package-level
// function rather than a method on Table.
func TableStream[T any](t *Table, i int) Stream[T] {
	return Stream[T]{arena: t.streams[i]}
}

// ActiveCount returns the number of currently live entries.
func (t *Table) ActiveCount() uint32 { return t.activeCount }

// Capacity returns the table's maximum entry count.
func (t *Table) Capacity() uint32 { return t.capacity }

func (t *Table) sparseGet(slot uint32) uint32 {
	raw := t.sparseArena.Raw()
	return binary.LittleEndian.Uint32(raw[slot*4:])
}

func (t *Table) sparseSet(slot uint32, word uint32) {
	raw := t.sparseArena.Raw()
	binary.LittleEndian.PutUint32(raw[slot*4:], word)
}

func (t *Table) denseGet(i uint32) uint32 {
	raw := t.denseArena.Raw()
	return binary.LittleEndian.Uint32(raw[i*4:])
}

func (t *Table) denseSet(i uint32, word uint32) {
	raw := t.denseArena.Raw()
	binary.LittleEndian.PutUint32(raw[i*4:], word)
}

func wordFlag(w uint32) bool   { return w>>flagShift&1 != 0 }
func wordSlot(w uint32) uint32 { return w >> slotShift & slotMask }
func wordGen(w uint32) uint8   { return uint8(w >> genShift & genMask) }

// Ensure grows committed capacity to the smallest multiple of chunkSize
// that is >= totalNeed, capped at the table's capacity. Idempotent when
// commitment already suffices.
func (t *Table) Ensure(totalNeed, chunkSize uint32) error {
	if chunkSize == 0 {
		chunkSize = defaultGrowChunk
	}
	if totalNeed <= t.commitCount {
		return nil
	}
	target := ((totalNeed + chunkSize - 1) / chunkSize) * chunkSize
	if target > t.capacity {
		target = t.capacity
	}
	if target < totalNeed {
		return outOfMemory("requested capacity exceeds table capacity")
	}

	if err := t.denseArena.EnsureCommitted(uint64(target) * 4); err != nil {
		return wrapArenaErr(err)
	}
	for i, sa := range t.streams {
		if err := sa.EnsureCommitted(uint64(target) * uint64(t.elemSizes[i])); err != nil {
			return wrapArenaErr(err)
		}
	}
	t.commitCount = target
	return nil
}

func (t *Table) ensureForCreate() error {
	if t.activeCount < t.commitCount {
		return nil
	}
	return t.Ensure(t.activeCount+1, defaultGrowChunk)
}

// CreateId allocates a new live entry and returns its handle and dense
// index.
func (t *Table) CreateId() (Handle, uint32, error) {
	if err := t.ensureForCreate(); err != nil {
		return Invalid, 0, err
	}

	var slot uint32
	var gen uint8
	if t.activeCount == t.highWatermark {
		if t.highWatermark >= t.capacity {
			return Invalid, 0, outOfMemory("table capacity exhausted")
		}
		slot = t.highWatermark
		gen = 0
		t.highWatermark++
	} else {
		slot = t.denseGet(t.activeCount)
		gen = wordGen(t.sparseGet(slot))
	}

	h := NewHandle(t.tag, slot, gen)
	t.sparseSet(slot, pack(true, 0, t.activeCount, gen))
	t.denseSet(t.activeCount, uint32(h))
	idx := t.activeCount
	t.activeCount++
	dbg.Assert(h != Invalid, "CreateId produced the reserved invalid handle")
	return h, idx, nil
}

// InsertId accepts an externally generated handle (used by multi-table
// joins). It succeeds only when the handle's slot has never been used by
// this table. When slot lies beyond the current high watermark, the skipped
// slots in between are seeded onto the embedded dense free list so a later
// CreateId popping dense[active_count] never reads an uninitialized word;
// this requires no entries be pending deletion yet (active_count == high
// watermark), which always holds for the documented fresh-table join use.
func (t *Table) InsertId(h Handle) (uint32, error) {
	slot := h.Slot()
	if slot >= t.capacity {
		return 0, invalidArgs("handle slot exceeds table capacity")
	}
	if t.sparseGet(slot) != 0 {
		return 0, invalidArgs("slot already in use")
	}

	oldWatermark := t.highWatermark
	extendsWatermark := slot >= oldWatermark
	if extendsWatermark && t.activeCount != oldWatermark {
		return 0, invalidArgs("InsertId cannot skip ahead of the high watermark while entries are pending deletion")
	}

	needed := oldWatermark
	if extendsWatermark {
		needed = slot + 1
	}
	if err := t.Ensure(needed, defaultGrowChunk); err != nil {
		return 0, err
	}

	idx := t.activeCount
	t.sparseSet(slot, pack(true, 0, idx, h.Generation()))
	t.denseSet(idx, uint32(h))
	t.activeCount++

	if extendsWatermark {
		for gap := oldWatermark; gap < slot; gap++ {
			t.sparseSet(gap, 0)
			t.denseSet(t.activeCount+(gap-oldWatermark), gap)
		}
		t.highWatermark = slot + 1
	}
	dbg.Assert(t.highWatermark >= t.activeCount, "high watermark %d fell behind active count %d", t.highWatermark, t.activeCount)
	return idx, nil
}

// Resolve returns the dense index for a handle iff it is live and its
// generation matches the one currently stored for its slot.
func (t *Table) Resolve(h Handle) (uint32, error) {
	slot := h.Slot()
	if slot >= t.capacity {
		return 0, notFound("slot out of range")
	}
	w := t.sparseGet(slot)
	if !wordFlag(w) || wordGen(w) != h.Generation() {
		return 0, notFound("stale or unknown handle")
	}
	return wordSlot(w), nil
}

// DeleteId removes a live entry, bumping its slot's generation so the
// handle can never resolve again. If the removed entry was not the last
// live entry, the last entry is swapped into its place; DeleteId returns
// that moved handle (or Invalid if no swap occurred).
func (t *Table) DeleteId(h Handle) (Handle, error) {
	slot := h.Slot()
	if slot >= t.capacity {
		return Invalid, notFound("slot out of range")
	}
	w := t.sparseGet(slot)
	if !wordFlag(w) || wordGen(w) != h.Generation() {
		return Invalid, notFound("stale or unknown handle")
	}

	denseIndex := wordSlot(w)
	newGen := (wordGen(w) + 1) & genMask
	t.sparseSet(slot, pack(false, 0, 0, newGen))

	last := t.activeCount - 1
	moved := Invalid
	if denseIndex != last {
		movedWord := t.denseGet(last)
		movedHandle := Handle(movedWord)
		movedSlot := movedHandle.Slot()
		mw := t.sparseGet(movedSlot)
		t.sparseSet(movedSlot, pack(true, 0, denseIndex, wordGen(mw)))
		t.denseSet(denseIndex, movedWord)
		t.copyStreamRow(last, denseIndex)
		moved = movedHandle
	}
	t.denseSet(last, slot)
	t.activeCount--
	return moved, nil
}

// RemoveId is identical to DeleteId except it does not bump the freed
// slot's generation: the sparse entry is zeroed outright. Useful when the
// caller does not need use-after-free detection for this slot going
// forward (for example, when the whole table is about to be torn down).
func (t *Table) RemoveId(h Handle) (Handle, error) {
	slot := h.Slot()
	if slot >= t.capacity {
		return Invalid, notFound("slot out of range")
	}
	w := t.sparseGet(slot)
	if !wordFlag(w) || wordGen(w) != h.Generation() {
		return Invalid, notFound("stale or unknown handle")
	}

	denseIndex := wordSlot(w)
	t.sparseSet(slot, 0)

	last := t.activeCount - 1
	moved := Invalid
	if denseIndex != last {
		movedWord := t.denseGet(last)
		movedHandle := Handle(movedWord)
		movedSlot := movedHandle.Slot()
		mw := t.sparseGet(movedSlot)
		t.sparseSet(movedSlot, pack(true, 0, denseIndex, wordGen(mw)))
		t.denseSet(denseIndex, movedWord)
		t.copyStreamRow(last, denseIndex)
		moved = movedHandle
	}
	t.denseSet(last, slot)
	t.activeCount--
	return moved, nil
}

func (t *Table) copyStreamRow(src, dst uint32) {
	for i, sa := range t.streams {
		size := uint64(t.elemSizes[i])
		raw := sa.Raw()
		copy(raw[uint64(dst)*size:uint64(dst)*size+size], raw[uint64(src)*size:uint64(src)*size+size])
	}
}

// DeleteIds performs a bulk delete of n handles with no duplicates among
// them. The result is the set of moved handles, in the order the moves
// occurred; this is obtained by applying DeleteId to each input in order,
// which is sufficient to satisfy the documented bulk-delete-equivalence
// property (final table state indistinguishable from the same sequence
// of single deletes, modulo the identities of the handles reported moved).
func (t *Table) DeleteIds(handles []Handle) ([]Handle, error) {
	if len(handles) == 0 {
		return nil, invalidArgs("DeleteIds requires at least one handle")
	}
	if len(handles) > int(t.activeCount) {
		return nil, invalidArgs("more handles than active entries")
	}
	if dbg.Enabled {
		seen := make(map[Handle]bool, len(handles))
		for _, h := range handles {
			dbg.Assert(!seen[h], "DeleteIds called with a duplicate handle")
			seen[h] = true
		}
	}

	if len(handles) == int(t.activeCount) {
		return nil, t.DeleteAllIds()
	}

	moved := make([]Handle, 0, len(handles))
	for _, h := range handles {
		m, err := t.DeleteId(h)
		if err != nil {
			return moved, err
		}
		if m != Invalid {
			moved = append(moved, m)
		}
	}
	return moved, nil
}

// DeleteAllIds bumps every live entry's generation (so outstanding handles
// remain distinguishable from future allocations) and empties the table,
// returning every slot to the dense free list.
func (t *Table) DeleteAllIds() error {
	for i := uint32(0); i < t.activeCount; i++ {
		h := Handle(t.denseGet(i))
		slot := h.Slot()
		w := t.sparseGet(slot)
		newGen := (wordGen(w) + 1) & genMask
		t.sparseSet(slot, pack(false, 0, 0, newGen))
		t.denseSet(i, slot)
	}
	t.activeCount = 0
	return nil
}

// RemoveAllIds zeroes the entire sparse array. Only safe to call when the
// caller guarantees there are no outstanding handles to this table.
func (t *Table) RemoveAllIds() error {
	for i := uint32(0); i < t.activeCount; i++ {
		t.denseSet(i, Handle(t.denseGet(i)).Slot())
	}
	raw := t.sparseArena.Raw()
	for i := range raw {
		raw[i] = 0
	}
	t.activeCount = 0
	return nil
}

// Reset is an alias for RemoveAllIds plus rewinding the high watermark,
// returning the table to its just-created state without releasing any
// committed memory.
func (t *Table) Reset() error {
	if err := t.RemoveAllIds(); err != nil {
		return err
	}
	t.highWatermark = 0
	return nil
}

// Delete releases all backing arena reservations.
func (t *Table) Delete() error {
	var firstErr error
	if t.sparseArena != nil {
		if err := t.sparseArena.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.denseArena != nil {
		if err := t.denseArena.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sa := range t.streams {
		if err := sa.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DenseHandles returns the live handle stream, dense[0:active_count).
func (t *Table) DenseHandles() []Handle {
	out := make([]Handle, t.activeCount)
	for i := range out {
		out[i] = Handle(t.denseGet(uint32(i)))
	}
	return out
}
