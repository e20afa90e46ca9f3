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

package dynmod

import (
	"errors"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/windows"
)

const defaultExtension = ".dll"

func dlopen(path string) (uintptr, error) {
	h, err := purego.LoadLibrary(path)
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return 0, errors.New("LoadLibrary returned a null handle")
	}
	return h, nil
}

func dlsym(handle uintptr, symbol string) (uintptr, error) {
	addr, err := purego.GetProcAddress(handle, symbol)
	if err != nil || addr == 0 {
		return 0, errors.New("symbol not found")
	}
	return addr, nil
}

func dlclose(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}
