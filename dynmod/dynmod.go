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

// Package dynmod loads host dynamic libraries, resolves named symbols,
// and populates caller-supplied dispatch tables, auto-binding any symbol
// that fails to resolve to a typed stub so callers never dereference a
// null function pointer.
package dynmod

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelsys/pilcore/internal/dbg"
)

// Module is an opaque handle to a dynamic library loaded into the
// process's address space. Module is refcounted: repeated Load calls for
// the same path increment a shared reference count, and the library is
// only actually unloaded once the count returns to zero.
type Module struct {
	mu       sync.Mutex
	path     string
	handle   uintptr
	refCount int
	valid    bool
	loadID   uuid.UUID
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Module{}
)

// Load maps the named dynamic library into the process address space. A
// second Load of a path already loaded returns the same *Module with its
// reference count incremented rather than mapping the library twice.
func Load(path string) (*Module, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[path]; ok {
		m.mu.Lock()
		m.refCount++
		m.mu.Unlock()
		dbg.Log(nil, "Load", "reusing already-loaded module %q (refcount now %d)", path, m.refCount)
		return m, nil
	}

	handle, err := dlopen(path)
	if err != nil {
		return nil, osFailure("load module "+path, err)
	}

	m := &Module{
		path:     path,
		handle:   handle,
		refCount: 1,
		valid:    true,
		loadID:   uuid.New(),
	}
	registry[path] = m
	dbg.Log(nil, "Load", "loaded module %q as %s", path, m.loadID)
	return m, nil
}

// Unload decrements m's reference count, releasing the OS reference and
// invalidating m only once the count reaches zero.
func Unload(m *Module) {
	if m == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid {
		return
	}
	m.refCount--
	if m.refCount > 0 {
		return
	}
	dbg.Log(nil, "Unload", "unloading module %q (%s)", m.path, m.loadID)
	_ = dlclose(m.handle)
	m.valid = false
	m.handle = 0
	delete(registry, m.path)
}

// IsValid reports whether m refers to a currently loaded library.
func IsValid(m *Module) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Resolve looks up symbol in m, returning a generic function pointer the
// caller casts to the real signature. It returns an error if m is invalid
// or the symbol cannot be found.
func Resolve(m *Module, symbol string) (uintptr, error) {
	if !IsValid(m) {
		return 0, osFailure("resolve "+symbol, errInvalidModule)
	}
	addr, err := dlsym(m.handle, symbol)
	if err != nil {
		return 0, notFoundError(symbol)
	}
	return addr, nil
}

// DefaultExtension returns the host platform's dynamic library filename
// extension (".so", ".dylib" or ".dll"), since dynmod otherwise gives
// callers no portable way to build a candidate path.
func DefaultExtension() string { return defaultExtension }
