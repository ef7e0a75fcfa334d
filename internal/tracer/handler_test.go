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

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingHandler counts invocations and optionally fails, to verify the
// chain's fixed-order, non-short-circuiting dispatch policy.
type recordingHandler struct {
	name        string
	failSyscall bool
	syscalls    int
	exits       []int
	order       *[]string
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) OnSyscall(event *Event) error {
	h.syscalls++
	if h.failSyscall {
		return errors.New("boom")
	}
	return nil
}

func (h *recordingHandler) OnThreadExit(tid int) {
	h.exits = append(h.exits, tid)
	if h.order != nil {
		*h.order = append(*h.order, h.name)
	}
}

func TestChainDispatchesAllHandlersRegardlessOfError(t *testing.T) {
	first := &recordingHandler{name: "first", failSyscall: true}
	second := &recordingHandler{name: "second"}
	chain := NewChain(false, first, second)

	chain.Dispatch(&Event{Type: Enter, Tid: 1})

	require.Equal(t, 1, first.syscalls)
	require.Equal(t, 1, second.syscalls, "second handler must run even though first errored")
}

func TestChainThreadExitVisitsEveryHandlerInOrder(t *testing.T) {
	var order []string
	first := &recordingHandler{name: "first", order: &order}
	second := &recordingHandler{name: "second", order: &order}
	chain := NewChain(false, first, second)

	chain.ThreadExit(42)

	require.Equal(t, []int{42}, first.exits)
	require.Equal(t, []int{42}, second.exits)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestEventRegisterAccessors(t *testing.T) {
	event := &Event{Type: Enter, Tid: 7}
	event.Regs.Rdi = 5
	require.Equal(t, uint64(5), event.Arg(0))

	event.SetRet(-9)
	require.Equal(t, int64(-9), event.Ret())
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "enter", Enter.String())
	require.Equal(t, "exit", Exit.String())
}
