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
	"golang.org/x/sys/unix"

	"github.com/talismancer/psocket-trace/internal/addrgen"
	"github.com/talismancer/psocket-trace/internal/config"
	"github.com/talismancer/psocket-trace/internal/tracer"
)

// RsrcHandler binds every socket that reaches connect() without having been
// explicitly bind()'d by the tracee to a random address drawn from the
// configured IPv6 pool.
type RsrcHandler struct {
	resolver tracer.Resolver
	cidr     *config.CIDR

	// bound tracks, per tid, the set of fds the tracee itself has already
	// bind()'d; those are left alone at connect() time.
	bound map[int]map[int]struct{}
}

func NewRsrcHandler(resolver tracer.Resolver, cidr *config.CIDR) *RsrcHandler {
	return &RsrcHandler{
		resolver: resolver,
		cidr:     cidr,
		bound:    make(map[int]map[int]struct{}),
	}
}

func (h *RsrcHandler) Name() string { return "rsrc" }

func (h *RsrcHandler) OnSyscall(event *tracer.Event) error {
	if event.Type != tracer.Enter {
		return nil
	}
	switch event.Nr() {
	case unix.SYS_BIND:
		h.markBound(event.Tid, int(event.Arg(0)))
	case unix.SYS_CLOSE:
		h.unmarkBound(event.Tid, int(event.Arg(0)))
	case unix.SYS_CONNECT:
		return h.onConnectEnter(event)
	}
	return nil
}

func (h *RsrcHandler) onConnectEnter(event *tracer.Event) error {
	fd := int(event.Arg(0))
	if h.isBound(event.Tid, fd) {
		return nil
	}

	pfd, err := h.resolver.Resolve(event.Tid, fd)
	if err != nil {
		return err
	}
	defer pfd.Close()

	addr := addrgen.Random(h.cidr)
	if err := unix.Bind(pfd.Fd, &unix.SockaddrInet6{Addr: addr, Port: 0}); err != nil {
		return tracer.Wrap(tracer.ErrSyscallFailed, err)
	}

	h.markBound(event.Tid, fd)
	return nil
}

func (h *RsrcHandler) markBound(tid, fd int) {
	set, ok := h.bound[tid]
	if !ok {
		set = make(map[int]struct{})
		h.bound[tid] = set
	}
	set[fd] = struct{}{}
}

func (h *RsrcHandler) unmarkBound(tid, fd int) {
	if set, ok := h.bound[tid]; ok {
		delete(set, fd)
	}
}

func (h *RsrcHandler) isBound(tid, fd int) bool {
	set, ok := h.bound[tid]
	if !ok {
		return false
	}
	_, ok = set[fd]
	return ok
}

func (h *RsrcHandler) OnThreadExit(tid int) {
	delete(h.bound, tid)
}
