// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracer implements the ptrace-based tracer engine: C1 (remote
// memory I/O), C2 (pidfd resolution), C4 (the syscall event model), C5 (the
// handler chain) and C10 (the engine's attach/wait/dispatch loop).
package tracer

import (
	"syscall"
	"unsafe"
)

// ReadRecord reads a fixed-size value out of the tracee's address space at
// addr using PTRACE_PEEKDATA (C1). The stdlib's PtracePeekData already
// loops word-by-word and tolerates the one-extra-word alignment slack the
// component design calls for, so this is a thin reinterpret-cast over it.
func ReadRecord[T any](tid int, addr uintptr) (T, error) {
	var value T
	size := int(unsafe.Sizeof(value))
	buf := make([]byte, size)
	n, err := syscall.PtracePeekData(tid, addr, buf)
	if err != nil || n != size {
		var zero T
		return zero, Wrap(ErrRemoteIOFailed, err)
	}
	return *(*T)(unsafe.Pointer(&buf[0])), nil
}

// WriteRecord writes value into the tracee's address space at addr using
// PTRACE_POKEDATA, word by word.
func WriteRecord[T any](tid int, addr uintptr, value T) error {
	size := int(unsafe.Sizeof(value))
	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(&value)), size))
	n, err := syscall.PtracePokeData(tid, addr, buf)
	if err != nil || n != size {
		return Wrap(ErrRemoteIOFailed, err)
	}
	return nil
}
