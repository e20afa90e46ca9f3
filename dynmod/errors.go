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
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies a dynmod error.
type Kind int

const (
	InvalidArgs Kind = iota + 1
	NotFound
	OsFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidArgs:
		return "InvalidArgs"
	case NotFound:
		return "NotFound"
	case OsFailure:
		return "OsFailure"
	default:
		return "Unknown"
	}
}

func (k Kind) Error() string { return k.String() }

// Error is returned by every fallible dynmod operation.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("dynmod: %s: %s", e.Kind, e.Msg) }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

var errInvalidModule = errors.New("module is not loaded")

func invalidArgs(msg string) error { return &Error{Kind: InvalidArgs, Msg: msg} }
func notFoundError(symbol string) error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf("symbol %q not found", symbol)}
}
func osFailure(op string, cause error) error {
	return &Error{Kind: OsFailure, Msg: pkgerrors.Wrap(cause, op).Error()}
}
