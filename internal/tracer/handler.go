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

import "github.com/talismancer/psocket-trace/internal/tracelog"

// Handler is the two-operation capability every syscall interceptor
// implements (C5). OnSyscall is invoked for every Enter and every Exit
// stop; it may mutate event.Regs. OnThreadExit is invoked once per
// terminated tracee thread so handlers can release per-tid state.
type Handler interface {
	OnSyscall(event *Event) error
	OnThreadExit(tid int)
	// Name identifies the handler in verbose error logging.
	Name() string
}

// Resolver is the capability handlers need to turn an in-tracee fd into a
// tracer-local Pidfd (C2), injected so handlers don't depend on the
// engine's internals directly.
type Resolver interface {
	Resolve(tid, fd int) (*Pidfd, error)
}

func (r *pidResolver) Resolve(tid, fd int) (*Pidfd, error) { return r.resolve(tid, fd) }

// Chain dispatches an event to an ordered, fixed set of handlers (C5).
// Dispatch order is Fwmark, Rsrc, Clone, Proxy; callers
// construct the slice in that order.
type Chain struct {
	handlers []Handler
	verbose  bool
}

// NewChain builds a dispatch chain over handlers, in the given order.
func NewChain(verbose bool, handlers ...Handler) *Chain {
	return &Chain{handlers: handlers, verbose: verbose}
}

// Dispatch runs every handler in order against event. A handler's error
// does not short-circuit the chain; it is logged when verbose.
func (c *Chain) Dispatch(event *Event) {
	for _, h := range c.handlers {
		if err := h.OnSyscall(event); err != nil && c.verbose {
			tracelog.Debugf("handler %s: %v", h.Name(), err)
		}
	}
}

// ThreadExit invokes OnThreadExit on every handler, in order.
func (c *Chain) ThreadExit(tid int) {
	for _, h := range c.handlers {
		h.OnThreadExit(tid)
	}
}
