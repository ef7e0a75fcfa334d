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

	"github.com/talismancer/psocket-trace/internal/tracer"
)

// cloneUntraced is CLONE_UNTRACED (the same value as unix.CLONE_UNTRACED):
// it tells the kernel not to force-trace a clone's child even though the
// parent is traced, which would let a tracee escape observation across
// fork/clone.
const cloneUntraced = 0x00800000

// CloneHandler clears CLONE_UNTRACED from every clone/clone3 call so the
// whole process tree stays traced.
type CloneHandler struct{}

func NewCloneHandler() *CloneHandler { return &CloneHandler{} }

func (h *CloneHandler) Name() string { return "clone" }

func (h *CloneHandler) OnSyscall(event *tracer.Event) error {
	if event.Type != tracer.Enter {
		return nil
	}
	switch event.Nr() {
	case unix.SYS_CLONE:
		tracer.SetArg(&event.Regs, 0, event.Arg(0)&^cloneUntraced)
	case unix.SYS_CLONE3:
		return h.clearClone3Flag(event)
	}
	return nil
}

// clearClone3Flag rewrites the flags field of the clone_args struct the
// tracee passed by pointer; flags is clone_args' first 8-byte field, so no
// full struct layout is needed.
func (h *CloneHandler) clearClone3Flag(event *tracer.Event) error {
	addr := uintptr(event.Arg(0))

	flags, err := tracer.ReadRecord[uint64](event.Tid, addr)
	if err != nil {
		return err
	}

	cleared := flags &^ cloneUntraced
	if cleared == flags {
		return nil
	}
	return tracer.WriteRecord(event.Tid, addr, cleared)
}

func (h *CloneHandler) OnThreadExit(tid int) {}
