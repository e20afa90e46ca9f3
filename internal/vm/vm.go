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

// Package vm wraps the host operating system's virtual-memory reserve,
// commit, decommit and release primitives behind a single address-stable
// Region type. It is consumed only by the arena package; no other package
// should import it directly.
package vm

import "github.com/pkg/errors"

// ErrReserveFailed is returned when a reservation cannot be satisfied, and
// by Commit when the reservation (less its guard page) has no room left to
// grow into. The underlying OS error, if any, is not retained.
var ErrReserveFailed = errors.New("vm: reservation failed")

// ErrCommitFailed is wrapped around the underlying OS error when growing
// the committed range of a reservation fails.
var ErrCommitFailed = errors.New("vm: commit failed")

// PageSize is the host's virtual-memory page granularity. Commit sizes are
// rounded up to a multiple of this value.
var PageSize = pageSize()

// Protection controls the read/write/execute access granted to a Region's
// committed pages.
type Protection uint32

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Region is a single reserved range of virtual address space. Only the
// currently committed prefix of Bytes is safe to read or write; the
// remainder is reserved but inaccessible until Commit grows it.
type Region struct {
	impl      regionImpl
	bytes     []byte
	reserved  int
	committed int
	guard     int // trailing bytes of the reservation Commit will never grow into
}

// Reserve reserves size bytes of address space without committing any of
// it. size is rounded up to a page multiple. When guard is true, one extra
// page is reserved past that range and permanently excluded from Commit's
// range, so an allocator that overruns its intended commitment by one page
// faults against inaccessible memory instead of silently running into
// unrelated data.
func Reserve(size int, guard bool) (*Region, error) {
	total := size
	if guard {
		total = roundUpPage(size) + PageSize
	}
	r, err := reserve(total)
	if err != nil {
		return nil, err
	}
	if guard {
		r.guard = PageSize
	}
	return r, nil
}

// Bytes returns the full reserved range. Only [0:Committed()) is valid to
// access; the address is stable for the Region's lifetime.
func (r *Region) Bytes() []byte { return r.bytes }

// Reserved returns the total reserved size, in bytes, including any guard
// page.
func (r *Region) Reserved() int { return r.reserved }

// Committed returns the currently committed size, in bytes.
func (r *Region) Committed() int { return r.committed }

// Commit grows the committed prefix of the region to at least size bytes
// with the given protection. size is rounded up to a page multiple and
// clamped to the reservation minus its guard page, if any. Growing in place
// never moves the region's base address.
func (r *Region) Commit(size int, prot Protection) error {
	if size <= r.committed {
		return nil
	}
	size = roundUpPage(size)
	limit := r.reserved - r.guard
	if size > limit {
		size = limit
	}
	if size <= r.committed {
		return ErrReserveFailed
	}
	if err := r.impl.commit(r.committed, size, prot); err != nil {
		return errors.Wrap(ErrCommitFailed, err.Error())
	}
	r.committed = size
	return nil
}

// Decommit shrinks the committed prefix back to size bytes, returning the
// pages above it to the OS (or, at minimum, making them inaccessible).
func (r *Region) Decommit(size int) error {
	if size >= r.committed {
		return nil
	}
	if err := r.impl.decommit(size, r.committed); err != nil {
		return errors.Wrap(err, "vm: decommit")
	}
	r.committed = size
	return nil
}

// Release returns the entire reservation to the OS. The Region must not be
// used afterward.
func (r *Region) Release() error {
	return r.impl.release()
}

func roundUpPage(n int) int {
	p := PageSize
	return (n + p - 1) / p * p
}
