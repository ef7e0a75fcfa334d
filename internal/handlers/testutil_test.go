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

package handlers

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/talismancer/psocket-trace/internal/tracer"
)

// fixedResolver resolves every (tid, fd) to a dup of the same caller-owned
// fd, mirroring pidfd_getfd's real contract: a fresh fd number referring to
// the same open file description, so setsockopt/bind effects and the
// handler's own Close of the duplicate are both visible without tearing
// down the original test socket.
type fixedResolver struct {
	fd      int
	resolve int
}

func (r *fixedResolver) Resolve(tid, fd int) (*tracer.Pidfd, error) {
	r.resolve++
	dup, err := unix.Dup(r.fd)
	if err != nil {
		return nil, err
	}
	return tracer.NewTestPidfd(dup), nil
}

// panicResolver fails the test if Resolve is ever called, for asserting a
// handler takes its early-return path without consulting C2.
type panicResolver struct{ t *testing.T }

func (r panicResolver) Resolve(tid, fd int) (*tracer.Pidfd, error) {
	r.t.Fatal("resolver.Resolve should not have been called")
	return nil, nil
}

func mustSocket(t *testing.T, domain, typ int) int {
	t.Helper()
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		t.Fatalf("socket(%d, %d): %v", domain, typ, err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}
