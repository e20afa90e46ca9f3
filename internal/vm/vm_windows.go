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

//go:build windows

package vm

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func pageSize() int {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return int(info.PageSize)
}

type regionImpl struct {
	base uintptr
}

func reserve(size int) (*Region, error) {
	size = roundUpPage(size)

	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, ErrReserveFailed
	}

	bytes := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return &Region{
		impl:     regionImpl{base: addr},
		bytes:    bytes,
		reserved: size,
	}, nil
}

func (r regionImpl) commit(from, to int, prot Protection) error {
	_, err := windows.VirtualAlloc(r.base+uintptr(from), uintptr(to-from), windows.MEM_COMMIT, toWindowsProt(prot))
	return err
}

func toWindowsProt(p Protection) uint32 {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0 && p&ProtRead != 0:
		return windows.PAGE_EXECUTE_READ
	case p&ProtExec != 0:
		return windows.PAGE_EXECUTE
	case p&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case p&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (r regionImpl) decommit(from, to int) error {
	return windows.VirtualFree(r.base+uintptr(from), uintptr(to-from), windows.MEM_DECOMMIT)
}

func (r regionImpl) release() error {
	return windows.VirtualFree(r.base, 0, windows.MEM_RELEASE)
}
