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

package arena

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an arena error.
type Kind int

const (
	// InvalidArgs means the caller violated a precondition.
	InvalidArgs Kind = iota + 1
	// OutOfMemory means OS reservation or commit growth failed; arena
	// state is left unchanged.
	OutOfMemory
	// OsFailure means an OS call failed at the virtual-memory boundary.
	OsFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgs:
		return "InvalidArgs"
	case OutOfMemory:
		return "OutOfMemory"
	case OsFailure:
		return "OsFailure"
	default:
		return "Unknown"
	}
}

// Error lets a bare Kind value be used as an errors.Is target, e.g.
// errors.Is(err, arena.OutOfMemory).
func (k Kind) Error() string { return k.String() }

// Error is the error type returned by every fallible arena operation.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("arena: %s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is(err, arena.OutOfMemory) style matching against a
// bare Kind value.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func invalidArgs(msg string) error {
	return &Error{Kind: InvalidArgs, Msg: msg}
}

func outOfMemory(msg string) error {
	return &Error{Kind: OutOfMemory, Msg: msg}
}

func osFailure(op string, cause error) error {
	return &Error{Kind: OsFailure, Msg: errors.Wrap(cause, op).Error()}
}
