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

//go:build pildebug

package handle

import "github.com/kestrelsys/pilcore/internal/dbg"

// VerifyIndex walks the sparse/dense index checking every invariant from
// the data model: active_count <= commit_count <= capacity; every live
// dense slot points back at the correct sparse entry; generations agree
// between sparse and dense. It is compiled in only under pildebug.
func (t *Table) VerifyIndex() {
	dbg.Assert(t.activeCount <= t.commitCount, "active_count %d > commit_count %d", t.activeCount, t.commitCount)
	dbg.Assert(t.commitCount <= t.capacity, "commit_count %d > capacity %d", t.commitCount, t.capacity)

	for i := uint32(0); i < t.activeCount; i++ {
		h := Handle(t.denseGet(i))
		slot := h.Slot()
		w := t.sparseGet(slot)
		dbg.Assert(wordFlag(w), "dense[%d] (slot %d) is not marked live in sparse", i, slot)
		dbg.Assert(wordSlot(w) == i, "sparse[%d].dense_index = %d, want %d", slot, wordSlot(w), i)
		dbg.Assert(wordGen(w) == h.Generation(), "generation mismatch for slot %d", slot)
	}
}
