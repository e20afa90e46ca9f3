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

//go:build !windows

package vm

import (
	"syscall"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

func pageSize() int {
	return syscall.Getpagesize()
}

type regionImpl struct {
	m mmap.MMap
}

func reserve(size int) (*Region, error) {
	size = roundUpPageRaw(size)

	m, err := mmap.MapRegion(nil, size, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, ErrReserveFailed
	}
	if err := unix.Mprotect(m, unix.PROT_NONE); err != nil {
		_ = m.Unmap()
		return nil, ErrReserveFailed
	}

	return &Region{
		impl:     regionImpl{m: m},
		bytes:    []byte(m),
		reserved: size,
	}, nil
}

func roundUpPageRaw(n int) int {
	p := syscall.Getpagesize()
	return (n + p - 1) / p * p
}

func (r regionImpl) commit(from, to int, prot Protection) error {
	return unix.Mprotect(r.m[from:to], toUnixProt(prot))
}

func toUnixProt(p Protection) int {
	var prot int
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (r regionImpl) decommit(from, to int) error {
	if err := unix.Madvise(r.m[from:to], unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(r.m[from:to], unix.PROT_NONE)
}

func (r regionImpl) release() error {
	return r.m.Unmap()
}
