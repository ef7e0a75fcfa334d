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

// Package handlers holds the four concrete Handler implementations (C6-C9):
// fwmark stamping, clone-flags rewriting, CIDR-bound address rewriting, and
// HTTP CONNECT proxy redirection.
package handlers

import (
	"golang.org/x/sys/unix"

	"github.com/talismancer/psocket-trace/internal/tracer"
)

// FwmarkHandler stamps SO_MARK onto every socket the tracee creates (C6).
type FwmarkHandler struct {
	resolver tracer.Resolver
	mark     uint32
}

// NewFwmarkHandler builds a FwmarkHandler that stamps mark on every new
// socket fd.
func NewFwmarkHandler(resolver tracer.Resolver, mark uint32) *FwmarkHandler {
	return &FwmarkHandler{resolver: resolver, mark: mark}
}

func (h *FwmarkHandler) Name() string { return "fwmark" }

// OnSyscall sets SO_MARK on a socket() exit, once the kernel has assigned
// the new fd.
func (h *FwmarkHandler) OnSyscall(event *tracer.Event) error {
	if event.Type != tracer.Exit || event.Nr() != unix.SYS_SOCKET {
		return nil
	}

	fd := int(event.Ret())
	if fd < 0 {
		return nil // socket() itself failed; nothing to mark
	}

	pfd, err := h.resolver.Resolve(event.Tid, fd)
	if err != nil {
		return err
	}
	defer pfd.Close()

	if err := unix.SetsockoptInt(pfd.Fd, unix.SOL_SOCKET, unix.SO_MARK, int(h.mark)); err != nil {
		return tracer.Wrap(tracer.ErrSyscallFailed, err)
	}
	return nil
}

func (h *FwmarkHandler) OnThreadExit(tid int) {}
