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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/talismancer/psocket-trace/internal/addrgen"
	"github.com/talismancer/psocket-trace/internal/config"
	"github.com/talismancer/psocket-trace/internal/tracer"
)

func connectEnter(tid, fd, nr int64) *tracer.Event {
	event := &tracer.Event{Type: tracer.Enter, Tid: int(tid)}
	tracer.SetSyscallNr(&event.Regs, nr)
	tracer.SetArg(&event.Regs, 0, uint64(fd))
	return event
}

func TestRsrcHandlerBindsUnboundFdWithinCIDR(t *testing.T) {
	fd := mustSocket(t, unix.AF_INET6, unix.SOCK_STREAM)
	cidr := &config.CIDR{PrefixLen: 32}
	cidr.Base[0], cidr.Base[1] = 0x20, 0x01

	h := NewRsrcHandler(&fixedResolver{fd: fd}, cidr)
	event := connectEnter(1, fd, unix.SYS_CONNECT)

	require.NoError(t, h.OnSyscall(event))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in6, ok := sa.(*unix.SockaddrInet6)
	require.True(t, ok)
	require.True(t, bytes.Equal(cidr.Base[:2], in6.Addr[:2]))
}

func TestRsrcHandlerLeavesExplicitlyBoundFdAlone(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 16}
	h := NewRsrcHandler(panicResolver{t: t}, cidr)

	bindEvent := connectEnter(1, 7, unix.SYS_BIND)
	require.NoError(t, h.OnSyscall(bindEvent))

	connectEventForBoundFd := connectEnter(1, 7, unix.SYS_CONNECT)
	require.NoError(t, h.OnSyscall(connectEventForBoundFd)) // must not call Resolve
}

func TestRsrcHandlerRebindsAfterClose(t *testing.T) {
	fd := mustSocket(t, unix.AF_INET6, unix.SOCK_STREAM)
	cidr := &config.CIDR{PrefixLen: 0}
	resolver := &fixedResolver{fd: fd}
	h := NewRsrcHandler(resolver, cidr)

	// First connect on a never-bound fd: Rsrc resolves and binds it, then
	// remembers it as bound so a second connect on the same fd is a no-op.
	require.NoError(t, h.OnSyscall(connectEnter(1, fd, unix.SYS_CONNECT)))
	require.Equal(t, 1, resolver.resolve)
	require.NoError(t, h.OnSyscall(connectEnter(1, fd, unix.SYS_CONNECT)))
	require.Equal(t, 1, resolver.resolve, "second connect on the same fd must not rebind")

	// A close() drops the fd from the bound set, so a subsequent connect
	// treats it as unbound again. After a real close the fd number names a
	// new, unbound socket, so the resolver now hands out a fresh one.
	require.NoError(t, h.OnSyscall(connectEnter(1, fd, unix.SYS_CLOSE)))
	resolver.fd = mustSocket(t, unix.AF_INET6, unix.SOCK_STREAM)
	require.NoError(t, h.OnSyscall(connectEnter(1, fd, unix.SYS_CONNECT)))
	require.Equal(t, 2, resolver.resolve, "fd must be treated as unbound again after close")
}

func TestRsrcHandlerOnThreadExitDropsBoundSet(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 16}
	h := NewRsrcHandler(panicResolver{t: t}, cidr)

	require.NoError(t, h.OnSyscall(connectEnter(9, 3, unix.SYS_BIND)))
	h.OnThreadExit(9)
	require.False(t, h.isBound(9, 3))
}

func TestRsrcHandlerIgnoresExitEvents(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 16}
	h := NewRsrcHandler(panicResolver{t: t}, cidr)
	event := &tracer.Event{Type: tracer.Exit}
	tracer.SetSyscallNr(&event.Regs, unix.SYS_CONNECT)
	require.NoError(t, h.OnSyscall(event))
}

func TestAddrgenWithinRsrcCIDR(t *testing.T) {
	cidr := &config.CIDR{PrefixLen: 64}
	for i := 0; i < 4; i++ {
		cidr.Base[i] = byte(i + 1)
	}
	addr := addrgen.Random(cidr)
	require.Equal(t, cidr.Base[:8], addr[:8])
}
