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

package dynmod

import (
	"reflect"

	"github.com/ebitengine/purego"

	"github.com/kestrelsys/pilcore/internal/dbg"
)

// dynTag is the struct tag naming the OS symbol a dispatch-table field
// binds to. A field with no dynTag is skipped by Populate.
const dynTag = "dynmod"

// Populate binds every tagged function-pointer field of table (a pointer
// to a struct) by resolving its symbol from mod. A field whose symbol
// cannot be resolved — because mod itself never loaded, or the symbol is
// absent from it — is instead set to the identically-named field of
// stubs, which callers supply with fallback implementations of the exact
// same function signature. Once Populate returns, no tagged field is the
// zero Go func value.
//
// table and stubs must be pointers to the same struct type (or at least
// to struct types sharing field names and types for every dynTag-tagged
// field).
func Populate(table any, mod *Module, stubs any) error {
	tv := reflect.ValueOf(table)
	if tv.Kind() != reflect.Pointer || tv.Elem().Kind() != reflect.Struct {
		return invalidArgs("table must be a pointer to a struct")
	}
	sv := reflect.ValueOf(stubs)
	if sv.Kind() != reflect.Pointer || sv.Elem().Kind() != reflect.Struct {
		return invalidArgs("stubs must be a pointer to a struct")
	}

	elem := tv.Elem()
	stubElem := sv.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		symbol, tagged := field.Tag.Lookup(dynTag)
		if !tagged {
			continue
		}

		fv := elem.Field(i)
		if fv.Kind() != reflect.Func {
			return invalidArgs("field " + field.Name + " tagged " + dynTag + " must be a function type")
		}

		if IsValid(mod) {
			if addr, err := Resolve(mod, symbol); err == nil {
				purego.RegisterFunc(fv.Addr().Interface(), addr)
				dbg.Log(nil, "Populate", "bound %s -> %s", field.Name, symbol)
				continue
			}
		}

		stubField := stubElem.FieldByName(field.Name)
		if !stubField.IsValid() || stubField.Kind() != reflect.Func || stubField.IsZero() {
			return invalidArgs("no stub provided for field " + field.Name)
		}
		fv.Set(stubField)
		dbg.Log(nil, "Populate", "stubbed %s (symbol %q unavailable)", field.Name, symbol)
	}

	return nil
}

// Invalidate overwrites every dynTag-tagged field of table with its stub
// and unloads mod. Subsequent calls through table are well-defined: every
// slot points at a stub, which returns a "not implemented" sentinel
// defined per function signature.
func Invalidate(table any, mod *Module, stubs any) error {
	if err := bindAllStubs(table, stubs); err != nil {
		return err
	}
	Unload(mod)
	return nil
}

func bindAllStubs(table, stubs any) error {
	tv := reflect.ValueOf(table)
	if tv.Kind() != reflect.Pointer || tv.Elem().Kind() != reflect.Struct {
		return invalidArgs("table must be a pointer to a struct")
	}
	sv := reflect.ValueOf(stubs)
	if sv.Kind() != reflect.Pointer || sv.Elem().Kind() != reflect.Struct {
		return invalidArgs("stubs must be a pointer to a struct")
	}

	elem := tv.Elem()
	stubElem := sv.Elem()
	t := elem.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if _, tagged := field.Tag.Lookup(dynTag); !tagged {
			continue
		}
		stubField := stubElem.FieldByName(field.Name)
		if !stubField.IsValid() || stubField.Kind() != reflect.Func || stubField.IsZero() {
			return invalidArgs("no stub provided for field " + field.Name)
		}
		elem.Field(i).Set(stubField)
	}
	return nil
}

// QuerySupport reports whether the principal module backing a dispatch
// table loaded at all — a dispatch table can be fully populated with
// stubs even when its backing module never loaded, so callers that need
// to distinguish "degraded but functional" from "never had the library"
// use this rather than inspecting individual fields.
func QuerySupport(mod *Module) bool {
	return IsValid(mod)
}
