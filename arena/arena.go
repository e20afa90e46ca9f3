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

// Package arena provides a reservation-based, monotonic memory allocator
// that backs the handle and strtab packages.
//
// # Design
//
// An Arena reserves a range of address space up front and commits pages
// into it lazily, growing the committed prefix in page multiples as
// allocations demand more. Allocation only ever bumps an offset forward;
// the only ways to reclaim space are Reset, ResetToMarker and Delete.
// Rewinding past a live allocation is a caller contract: the arena does
// not track the liveness of individual allocations.
//
// Internal arenas own their own backing reservation (host-vmm, via
// [internal/vm]) or heap block (host-heap) and release it on Delete.
// External arenas wrap a caller-provided buffer verbatim and Delete is a
// no-op for them.
package arena

import (
	"unsafe"

	"github.com/kestrelsys/pilcore/internal/dbg"
	"github.com/kestrelsys/pilcore/internal/vm"
)

// AllocatorType selects where an Arena's backing memory comes from.
type AllocatorType uint32

const (
	AllocatorTypeInvalid AllocatorType = iota
	// AllocatorTypeHostHeap allocates a single fixed-size heap block.
	AllocatorTypeHostHeap
	// AllocatorTypeHostVMM reserves address space and commits pages on
	// demand via the host's virtual memory manager.
	AllocatorTypeHostVMM
	// AllocatorTypeDevice describes a non-host-visible allocation whose
	// BlockOffset is meaningful but whose HostAddress is always zero.
	AllocatorTypeDevice
)

// Flags controls whether an Arena owns its backing memory (Internal) or
// wraps a caller-supplied buffer (External).
type Flags uint32

const (
	Internal Flags = 1 << iota
	External
)

// AllocFlags controls protection and guard-page behavior of an internal
// host-vmm arena's committed pages. It has no effect on host-heap or
// external arenas, which have no OS-level protection to apply.
type AllocFlags uint32

const (
	AllocFlagRead    AllocFlags = 1 << iota // committed pages may be read
	AllocFlagWrite                          // committed pages may be written
	AllocFlagExecute                        // committed pages may hold code
	// AllocFlagNoGuard suppresses the trailing guard page an internal
	// host-vmm arena otherwise reserves just past its committed region.
	AllocFlagNoGuard

	AllocFlagsDefault   = AllocFlagRead | AllocFlagWrite
	AllocFlagsReadWrite = AllocFlagRead | AllocFlagWrite
)

func protFromAllocFlags(f AllocFlags) vm.Protection {
	var p vm.Protection
	if f&AllocFlagRead != 0 {
		p |= vm.ProtRead
	}
	if f&AllocFlagWrite != 0 {
		p |= vm.ProtWrite
	}
	if f&AllocFlagExecute != 0 {
		p |= vm.ProtExec
	}
	return p
}

// 128 KiB is the minimum commit growth step, amortizing OS calls.
const minCommitGrow = 128 * 1024

// Spec configures a new Arena.
type Spec struct {
	Name          string
	ReserveSize   uint64
	CommitSize    uint64
	AllocatorType AllocatorType
	Tag           uint32
	AllocFlags    AllocFlags
	ArenaFlags    Flags
	// ExternalBuffer is required when ArenaFlags is External and
	// AllocatorType is a host type; the arena borrows this buffer
	// verbatim rather than reserving its own.
	ExternalBuffer []byte
}

// Block describes an allocation returned by Allocate.
type Block struct {
	Memory         []byte // the allocated bytes, nil for device allocations
	HostAddress    uintptr
	BytesCommitted uint64
	BytesReserved  uint64
	BlockOffset    uint64
	AllocatorType  AllocatorType
	AllocatorTag   uint32
}

// Valid reports whether the block represents a real allocation.
func (b Block) Valid() bool {
	return b.BytesCommitted != 0 || b.BytesReserved != 0
}

// Marker captures an Arena's permanent-offset state at a point in time so
// it can later be rewound to via ResetToMarker.
type Marker struct {
	arena  *Arena
	offset uint64
}

// Arena is a monotonic, reservation-based linear allocator.
type Arena struct {
	name          string
	allocatorType AllocatorType
	arenaFlags    Flags
	allocFlags    AllocFlags
	tag           uint32

	memory   []byte
	region   *vm.Region // non-nil only for internal host-vmm arenas
	vmProt   vm.Protection

	nextOffsetPerm uint64
	nextOffsetTemp uint64
	maxOffset      uint64
	reserved       uint64
	committed      uint64
}

// Create builds a new Arena per spec.
func Create(spec Spec) (*Arena, error) {
	internal := spec.ArenaFlags&Internal != 0
	external := spec.ArenaFlags&External != 0

	switch {
	case internal && external:
		return nil, invalidArgs("arena flags cannot be both Internal and External")
	case !internal && !external:
		return nil, invalidArgs("arena flags must specify exactly one of Internal, External")
	case internal && spec.AllocatorType == AllocatorTypeDevice:
		return nil, invalidArgs("internal arenas cannot target device memory")
	case spec.ReserveSize == 0 || spec.CommitSize == 0:
		return nil, invalidArgs("reserve size and commit size must be non-zero")
	case spec.ReserveSize < spec.CommitSize:
		return nil, invalidArgs("reserve size must be >= commit size")
	}

	allocFlags := spec.AllocFlags
	if allocFlags == 0 {
		allocFlags = AllocFlagsDefault
	}

	a := &Arena{
		name:          spec.Name,
		allocatorType: spec.AllocatorType,
		arenaFlags:    spec.ArenaFlags,
		allocFlags:    allocFlags,
		tag:           spec.Tag,
		vmProt:        protFromAllocFlags(allocFlags),
	}

	if external {
		if spec.AllocatorType != AllocatorTypeDevice && spec.ExternalBuffer == nil {
			return nil, invalidArgs("external host arenas require a non-nil ExternalBuffer")
		}
		a.memory = spec.ExternalBuffer
		a.reserved = uint64(len(spec.ExternalBuffer))
		a.committed = a.reserved
		a.maxOffset = a.reserved
		return a, nil
	}

	switch spec.AllocatorType {
	case AllocatorTypeHostHeap:
		a.memory = make([]byte, spec.CommitSize)
		a.reserved = spec.CommitSize
		a.committed = spec.CommitSize
		a.maxOffset = spec.CommitSize
	case AllocatorTypeHostVMM:
		guard := allocFlags&AllocFlagNoGuard == 0
		region, err := vm.Reserve(int(spec.ReserveSize), guard)
		if err != nil {
			return nil, osFailure("reserve virtual memory", err)
		}
		if err := region.Commit(int(spec.CommitSize), a.vmProt); err != nil {
			_ = region.Release()
			return nil, osFailure("commit virtual memory", err)
		}
		a.region = region
		a.memory = region.Bytes()
		a.reserved = uint64(region.Reserved())
		a.committed = uint64(region.Committed())
		a.maxOffset = a.reserved
	default:
		return nil, invalidArgs("unsupported internal allocator type")
	}

	return a, nil
}

// Allocate advances the permanent offset and returns size bytes aligned to
// alignment, growing the committed range on demand.
func (a *Arena) Allocate(size, alignment uint64) (Block, error) {
	return a.allocate(&a.nextOffsetPerm, size, alignment)
}

// AllocateTemp is identical to Allocate but advances the temporary offset,
// per the double-ended arena design: permanent and temporary allocations
// share the same backing region but are tracked independently so the
// temporary end can be reset without disturbing permanent allocations.
func (a *Arena) AllocateTemp(size, alignment uint64) (Block, error) {
	return a.allocate(&a.nextOffsetTemp, size, alignment)
}

func (a *Arena) allocate(cursor *uint64, size, alignment uint64) (Block, error) {
	if alignment == 0 {
		alignment = 1
	}
	aligned := alignUp(*cursor, alignment)
	end := aligned + size

	if end > a.committed {
		if err := a.grow(end); err != nil {
			return Block{}, err
		}
	}
	if end > a.reserved {
		return Block{}, outOfMemory("allocation exceeds arena reservation")
	}

	*cursor = end
	if end > a.maxOffset {
		a.maxOffset = end
	}

	var mem []byte
	var addr uintptr
	if a.allocatorType != AllocatorTypeDevice {
		mem = a.memory[aligned:end:end]
		addr = uintptr(unsafe.Pointer(&a.memory[aligned]))
	}

	return Block{
		Memory:         mem,
		HostAddress:    addr,
		BytesCommitted: size,
		BytesReserved:  size,
		BlockOffset:    aligned,
		AllocatorType:  a.allocatorType,
		AllocatorTag:   a.tag,
	}, nil
}

func (a *Arena) grow(need uint64) error {
	if a.arenaFlags&Internal == 0 || a.allocatorType != AllocatorTypeHostVMM {
		return outOfMemory("arena cannot grow its commitment")
	}

	shortfall := need - a.committed
	grow := shortfall
	if grow < minCommitGrow {
		grow = minCommitGrow
	}
	newCommitted := a.committed + grow
	if newCommitted > a.reserved {
		newCommitted = a.reserved
	}
	if newCommitted < need {
		return outOfMemory("reservation exhausted")
	}

	if err := a.region.Commit(int(newCommitted), a.vmProt); err != nil {
		if err == vm.ErrReserveFailed {
			return outOfMemory("reservation exhausted")
		}
		return osFailure("grow commitment", err)
	}
	a.committed = uint64(a.region.Committed())
	if a.committed < need {
		return outOfMemory("reservation exhausted")
	}
	return nil
}

// Raw returns the arena's entire backing buffer. Only the first
// Committed() bytes are valid to read or write; the rest is reserved but
// not yet committed. Clients that manage their own fixed-capacity array
// directly (rather than via Allocate's bump-pointer semantics), such as
// the handle table's sparse/dense/stream arrays, use Raw and
// EnsureCommitted instead of Allocate.
func (a *Arena) Raw() []byte { return a.memory }

// Committed returns the number of bytes currently committed.
func (a *Arena) Committed() uint64 { return a.committed }

// Reserved returns the number of bytes reserved for this arena.
func (a *Arena) Reserved() uint64 { return a.reserved }

// EnsureCommitted grows the committed prefix of the arena to at least
// bytes, independent of the permanent/temporary allocation cursors.
func (a *Arena) EnsureCommitted(bytes uint64) error {
	if bytes <= a.committed {
		return nil
	}
	return a.grow(bytes)
}

// Mark captures the current permanent offset.
func (a *Arena) Mark() Marker {
	return Marker{arena: a, offset: a.nextOffsetPerm}
}

// ResetToMarker rewinds the permanent offset to m. m must have been
// produced by this arena and must not be ahead of the current offset.
func (a *Arena) ResetToMarker(m Marker) error {
	if m.arena != a {
		return invalidArgs("marker belongs to a different arena")
	}
	if m.offset > a.nextOffsetPerm {
		return invalidArgs("marker is ahead of the current offset")
	}
	dbg.Assert(m.offset <= a.nextOffsetPerm, "marker offset %d exceeds current offset %d", m.offset, a.nextOffsetPerm)
	a.nextOffsetPerm = m.offset
	return nil
}

// Reset rewinds the permanent offset to zero without decommitting.
func (a *Arena) Reset() {
	a.nextOffsetPerm = 0
}

// ResetTemp rewinds the temporary offset to zero without decommitting.
func (a *Arena) ResetTemp() {
	a.nextOffsetTemp = 0
}

// Delete releases the arena's backing reservation or heap block. For
// external arenas this is a no-op; the caller retains ownership of the
// buffer it supplied.
func (a *Arena) Delete() error {
	if a.arenaFlags&External != 0 {
		return nil
	}
	if a.region != nil {
		err := a.region.Release()
		a.region = nil
		a.memory = nil
		return err
	}
	a.memory = nil
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// View returns a typed, zero-copy view over the first n elements of the
// arena's backing buffer, reinterpreting raw bytes as []T. T must be a
// fixed-size, pointer-free record; the caller is responsible for keeping
// n within the arena's committed range. handle and strtab do not call it;
// they read and write their arena buffers directly.
func View[T any](a *Arena, n uint32) []T {
	if n == 0 {
		return nil
	}
	raw := a.Raw()
	var zero T
	size := unsafe.Sizeof(zero)
	if uint64(n)*uint64(size) > uint64(len(raw)) {
		panic("arena: View out of committed range")
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}
