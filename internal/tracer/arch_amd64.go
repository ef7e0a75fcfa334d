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

//go:build linux && amd64
// +build linux,amd64

package tracer

import "syscall"

// SentinelSyscallNr cancels a syscall by overwriting its orig_rax before the
// kernel dispatches it. The
// architecture must respect a rewritten orig_rax between enter-stop and
// dispatch; x86_64 does.
const SentinelSyscallNr = int64(^uint64(0) >> 1) // math.MaxInt64, without importing math for one constant

// SyscallNr returns the "original" syscall number accumulator register.
func SyscallNr(regs *syscall.PtraceRegs) int64 {
	return int64(regs.Orig_rax)
}

// SetSyscallNr rewrites the syscall-number register, used to cancel a
// syscall by steering it at a sentinel.
func SetSyscallNr(regs *syscall.PtraceRegs, nr int64) {
	regs.Orig_rax = uint64(nr)
}

// Arg returns the n'th (0-indexed) syscall argument register, following the
// x86_64 Linux syscall ABI: rdi, rsi, rdx, r10, r8, r9.
func Arg(regs *syscall.PtraceRegs, n int) uint64 {
	switch n {
	case 0:
		return regs.Rdi
	case 1:
		return regs.Rsi
	case 2:
		return regs.Rdx
	case 3:
		return regs.R10
	case 4:
		return regs.R8
	case 5:
		return regs.R9
	default:
		panic("tracer: syscall argument index out of range")
	}
}

// SetArg rewrites the n'th syscall argument register.
func SetArg(regs *syscall.PtraceRegs, n int, v uint64) {
	switch n {
	case 0:
		regs.Rdi = v
	case 1:
		regs.Rsi = v
	case 2:
		regs.Rdx = v
	case 3:
		regs.R10 = v
	case 4:
		regs.R8 = v
	case 5:
		regs.R9 = v
	default:
		panic("tracer: syscall argument index out of range")
	}
}

// Ret returns the syscall return-value register.
func Ret(regs *syscall.PtraceRegs) int64 {
	return int64(regs.Rax)
}

// SetRet rewrites the syscall return-value register (the result the
// tracee's own syscall instruction appears to have produced).
func SetRet(regs *syscall.PtraceRegs, v int64) {
	regs.Rax = uint64(v)
}
