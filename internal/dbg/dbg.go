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

// Package dbg includes debugging and assertion helpers shared by every
// pilcore package. It is compiled in only under the pildebug build tag;
// see dbg_release.go for the no-op release build.
package dbg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/timandy/routine"
)

// Enabled is true when the pildebug tag is set.
const Enabled = true

var (
	logPattern *regexp.Regexp
)

func init() {
	flag.Func("pilcore.filter", "regexp to filter debug logs by", func(s string) (err error) {
		logPattern, err = regexp.Compile(s)
		return err
	})
}

// Log prints debugging information to stderr.
//
// context is optional args for fmt.Printf that are printed before operation,
// useful for identifying a set of related calls.
func Log(context []any, operation string, format string, args ...any) {
	skip := 1
again:
	pc, file, line, _ := runtime.Caller(skip)

	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	name = name[strings.LastIndex(name, ".")+1:]
	if strings.HasPrefix(name, "log") || strings.Contains(name, "Log") {
		skip++
		goto again
	}

	pkg := fn.Name()
	pkg = strings.TrimPrefix(pkg, "github.com/kestrelsys/pilcore/")
	pkg = strings.TrimPrefix(pkg, "internal/")
	if idx := strings.Index(pkg, "."); idx >= 0 {
		pkg = pkg[:idx]
	}

	file = filepath.Base(file)

	buf := new(strings.Builder)
	fmt.Fprintf(buf, "%s/%s:%d [g%04d", pkg, file, line, routine.Goid())
	if len(context) >= 1 {
		fmt.Fprintf(buf, ", "+context[0].(string), context[1:]...)
	}
	fmt.Fprintf(buf, "] %s: ", operation)
	fmt.Fprintf(buf, format, args...)

	if logPattern != nil && !logPattern.MatchString(buf.String()) {
		return
	}

	buf.WriteByte('\n')
	os.Stderr.WriteString(buf.String())
	os.Stderr.Sync()
}

// Assert panics if cond is false. Compiled to a no-op in release builds.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("pilcore: internal assertion failed: "+format, args...))
	}
}

// Value holds a value of type T that only exists when pildebug is set. In
// release builds this is an empty struct.
type Value[T any] struct {
	x T
}

// Get returns a pointer to the held value.
func (v *Value[T]) Get() *T { return &v.x }
