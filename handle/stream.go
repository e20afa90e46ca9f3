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
	"unsafe"

	"github.com/kestrelsys/pilcore/arena"
)

// Stream is a zero-cost typed view over one of a Table's parallel,
// arena-backed data buffers. The core stores only the element size and a
// raw byte buffer; callers type the view to whatever struct they keep
// co-indexed with the dense handle array.
//
// A Stream must not be retained across any mutating call on its owning
// Table: Ensure, CreateId, InsertId, DeleteId(s) and Reset may move or
// invalidate the underlying buffer.
type Stream[T any] struct {
	arena *arena.Arena
}

// Slice returns a typed view over the first n committed elements.
func (s Stream[T]) Slice(n uint32) []T {
	if n == 0 {
		return nil
	}
	raw := s.arena.Raw()
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}

// At returns a pointer to element i. The caller must ensure i is within
// the committed range.
func (s Stream[T]) At(i uint32) *T {
	raw := s.arena.Raw()
	var zero T
	size := unsafe.Sizeof(zero)
	return (*T)(unsafe.Pointer(&raw[uintptr(i)*size]))
}
