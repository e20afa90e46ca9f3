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

// Package testscenario loads YAML-described test scenarios shared across
// pilcore's packages. It only parses the generic step vocabulary; each
// package's own _test.go files supply the interpreter that maps a Case's
// Steps onto that package's actual API (handle.Table, strtab.Table, ...).
package testscenario

import (
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// Op is one step of a scenario. Only the fields relevant to the step's
// kind are populated; the interpreter decides which field(s) to read
// based on which are non-nil/non-empty.
type Op struct {
	// Push appends one entry per listed payload value.
	Push []int32 `yaml:"push,omitempty"`
	// Delete removes the entries at the given indices into the slice of
	// handles returned so far by Push steps, in listed order.
	Delete []int `yaml:"delete,omitempty"`
	// DeleteAll removes every live entry via a bulk-delete-all call.
	DeleteAll bool `yaml:"delete_all,omitempty"`
	// Reset returns the structure under test to its just-created state.
	Reset bool `yaml:"reset,omitempty"`

	// ExpectDense asserts the live handle stream's payload values, in
	// dense order, equal exactly this slice.
	ExpectDense []int32 `yaml:"expect_dense,omitempty"`
	// ExpectActiveCount asserts the number of live entries.
	ExpectActiveCount *int `yaml:"expect_active_count,omitempty"`
}

// Case is one named scenario: an initial capacity and a sequence of Ops.
type Case struct {
	Name     string `yaml:"name"`
	Capacity uint32 `yaml:"capacity"`
	Steps    []Op   `yaml:"steps"`
}

// Load parses every file matching glob in fsys as a Case.
func Load(fsys fs.FS, glob string) ([]Case, error) {
	names, err := fs.Glob(fsys, glob)
	if err != nil {
		return nil, fmt.Errorf("testscenario: glob %q: %w", glob, err)
	}

	cases := make([]Case, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("testscenario: read %q: %w", name, err)
		}
		var c Case
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("testscenario: parse %q: %w", name, err)
		}
		if c.Name == "" {
			c.Name = name
		}
		cases = append(cases, c)
	}
	return cases, nil
}
