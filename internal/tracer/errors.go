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

package tracer

import "errors"

// Error is one of the five error kinds from the component design. Handlers
// and core-loop code return these so callers can classify failures with
// errors.Is rather than string matching.
type Error struct {
	kind string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.kind + ": " + e.err.Error()
	}
	return e.kind
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is the same error kind, ignoring the wrapped
// cause. This lets errors.Is(err, ErrSyscallFailed) work regardless of
// which underlying syscall failed.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.kind == e.kind
}

var (
	// ErrSyscallFailed covers any libc or ptrace call that returned -1/Errno.
	ErrSyscallFailed = &Error{kind: "SyscallFailed"}
	// ErrRemoteIOFailed covers a failed peek/poke against tracee memory.
	ErrRemoteIOFailed = &Error{kind: "RemoteIoFailed"}
	// ErrReadFailed covers a failed /proc read.
	ErrReadFailed = &Error{kind: "ReadFailed"}
	// ErrPidNotFound covers a tid->tgid lookup that found nothing.
	ErrPidNotFound = &Error{kind: "PidNotFound"}
	// ErrProxyFailed covers a non-200 or truncated CONNECT handshake.
	ErrProxyFailed = &Error{kind: "ProxyFailed"}
)

// Wrap attaches cause to one of the sentinel kinds above, preserving
// errors.Is/errors.Unwrap semantics.
func Wrap(kind *Error, cause error) error {
	if cause == nil {
		return kind
	}
	return &Error{kind: kind.kind, err: cause}
}

// IsKind reports whether err is (or wraps) the given error kind.
func IsKind(err error, kind *Error) bool {
	return errors.Is(err, kind)
}
