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
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/talismancer/psocket-trace/internal/config"
	"github.com/talismancer/psocket-trace/internal/tracelog"
)

// __WALL: wait for children of any type (thread or process), regardless of
// whether __WCLONE was used to create them. Not exported by the stdlib
// syscall package; golang.org/x/sys/unix.WALL carries the same value.
const wall = 0x40000000

const (
	ptraceGetSyscallInfo    = 0x420e
	ptraceSyscallInfoEntry  = 1
	ptraceSyscallInfoExit   = 2
)

// ptraceSyscallInfoHeader mirrors the fixed-size prefix of Linux's struct
// ptrace_syscall_info; only Op is consulted.
type ptraceSyscallInfoHeader struct {
	Op                 uint8
	_                  [3]uint8
	Arch               uint32
	InstructionPointer uint64
	StackPointer       uint64
}

// Engine is the tracer engine (C10): it attaches to or forks the initial
// tracee, drives the wait/resume loop, classifies wait statuses, maintains
// the tid->tgid map across fork/clone events, and routes syscall events
// through the handler chain.
type Engine struct {
	config   *config.Config
	chain    *Chain
	resolver *pidResolver

	initialTid int

	// tidTgid is the process-wide tid->tgid map, maintained directly from
	// ptrace clone/fork/vfork events rather than by scanning /proc.
	tidTgid map[int]int

	// pendingCloneFlags remembers the flags argument of an in-flight
	// SYS_clone or SYS_clone3, keyed by the calling tid, so the matching
	// PTRACE_EVENT_CLONE can tell a thread from a process (CLONE_THREAD).
	pendingCloneFlags map[int]uint64

	// entryToggle is the per-tid enter/exit fallback used only when
	// PTRACE_GET_SYSCALL_INFO is unavailable (pre-5.3 kernels):
	// handleSyscallStop falls back to it only when syscallIsEntry fails.
	entryToggle map[int]bool
}

// New builds an Engine with its C2 resolver ready and a dispatch chain over
// the given handlers, if any. Callers that need to build handlers against the
// resolver (cmd/psocket-trace does) call Resolver, build their chain,
// then SetHandlers before Start.
func New(cfg *config.Config, handlers ...Handler) *Engine {
	e := &Engine{
		config:            cfg,
		resolver:          newPidResolver(),
		tidTgid:           make(map[int]int),
		pendingCloneFlags: make(map[int]uint64),
		entryToggle:       make(map[int]bool),
	}
	e.chain = NewChain(cfg.Verbose, handlers...)
	return e
}

// Resolver exposes the engine's C2 pidfd resolver, so handlers built
// before Start can share the same tid->tgid cache the engine warms from
// fork/clone events.
func (e *Engine) Resolver() Resolver { return e.resolver }

// SetHandlers replaces the dispatch chain. It must be called before Start;
// dispatch order is fixed by the order handlers are passed in.
func (e *Engine) SetHandlers(handlers ...Handler) {
	e.chain = NewChain(e.config.Verbose, handlers...)
}

// Start attaches to the configured target: either an existing thread group
// (Config.AttachPID) or a freshly forked `/bin/sh -c <command>`. It returns
// the initial tracee's tid.
func (e *Engine) Start() (int, error) {
	runtime.LockOSThread()

	var tid int
	var err error
	if e.config.AttachPID != 0 {
		tid, err = e.attach()
	} else {
		tid, err = e.spawn()
	}
	if err != nil {
		return 0, err
	}

	e.initialTid = tid
	e.tidTgid[tid] = tid
	e.resolver.tidToTgid.Add(tid, tid)
	return tid, nil
}

func (e *Engine) attach() (int, error) {
	pid := e.config.AttachPID
	if err := syscall.PtraceAttach(pid); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	if err := e.setOptions(pid); err != nil {
		return 0, err
	}
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	return pid, nil
}

func (e *Engine) spawn() (int, error) {
	cmd := exec.Command("/bin/sh", "-c", e.config.Command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	pid := cmd.Process.Pid

	// The runtime's PTRACE_TRACEME dance stops the child at its initial
	// exec trap; collect that stop before issuing setoptions.
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	if err := e.setOptions(pid); err != nil {
		return 0, err
	}
	if err := syscall.PtraceSyscall(pid, 0); err != nil {
		return 0, Wrap(ErrSyscallFailed, err)
	}
	return pid, nil
}

func (e *Engine) setOptions(pid int) error {
	options := syscall.PTRACE_O_TRACESYSGOOD |
		syscall.PTRACE_O_TRACEEXIT |
		syscall.PTRACE_O_TRACEEXEC |
		syscall.PTRACE_O_TRACECLONE |
		syscall.PTRACE_O_TRACEFORK |
		syscall.PTRACE_O_TRACEVFORK
	if !e.config.NoKill {
		options |= syscall.PTRACE_O_EXITKILL
	}
	if err := syscall.PtraceSetOptions(pid, options); err != nil {
		return Wrap(ErrSyscallFailed, err)
	}
	return nil
}

// Run drives the wait/dispatch loop until the initial tracee terminates
// It returns nil on clean termination and a non-nil error
// only for unrecoverable core-loop failures.
func (e *Engine) Run() error {
	for {
		var ws syscall.WaitStatus
		tid, err := syscall.Wait4(-1, &ws, wall, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return nil
			}
			return Wrap(ErrSyscallFailed, err)
		}

		switch {
		case ws.Exited() || ws.Signaled():
			e.onThreadExit(tid)
			if tid == e.initialTid {
				return nil
			}
			continue

		case ws.Stopped():
			if err := e.handleStopped(tid, ws); err != nil && e.config.Verbose {
				tracelog.Debugf("engine: tid %d: %v", tid, err)
			}
		}
	}
}

func (e *Engine) onThreadExit(tid int) {
	e.chain.ThreadExit(tid)
	delete(e.tidTgid, tid)
	delete(e.pendingCloneFlags, tid)
	delete(e.entryToggle, tid)
	e.resolver.forget(tid)
}

func (e *Engine) handleStopped(tid int, ws syscall.WaitStatus) error {
	sig := ws.StopSignal()

	switch {
	case sig == syscall.SIGTRAP|0x80:
		return e.handleSyscallStop(tid)

	case sig == syscall.SIGTRAP:
		return e.handleTrapEvent(tid, ws)

	case sig == syscall.SIGSTOP:
		return resumeOrWrap(tid, 0)

	default:
		return resumeOrWrap(tid, int(sig))
	}
}

func resumeOrWrap(tid int, sig int) error {
	if err := syscall.PtraceSyscall(tid, sig); err != nil {
		return Wrap(ErrSyscallFailed, err)
	}
	return nil
}

func (e *Engine) handleTrapEvent(tid int, ws syscall.WaitStatus) error {
	switch ws.TrapCause() {
	case syscall.PTRACE_EVENT_CLONE, syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
		e.handleNewChild(tid, ws.TrapCause())
	default:
		// Exec, exit, or a plain SIGTRAP (e.g. the initial attach stop):
		// nothing further to do before resuming.
	}
	return resumeOrWrap(tid, 0)
}

// handleNewChild inserts the newly observed pid into the tid->tgid map,
// following the tid->tgid invariants: a CLONE_THREAD child inherits
// its parent's tgid; fork/vfork/process-clone children are their own tgid.
func (e *Engine) handleNewChild(parentTid int, cause int) {
	raw, err := syscall.PtraceGetEventMsg(parentTid)
	if err != nil {
		return
	}
	newTid := int(raw)

	tgid := newTid
	if cause == syscall.PTRACE_EVENT_CLONE {
		if flags, ok := e.pendingCloneFlags[parentTid]; ok && flags&unix.CLONE_THREAD != 0 {
			tgid = e.tgidFor(parentTid)
		}
	}
	delete(e.pendingCloneFlags, parentTid)

	e.tidTgid[newTid] = tgid
	e.resolver.tidToTgid.Add(newTid, tgid)
}

// tgidFor is the engine's own fast-path lookup (distinct from C2's LRU):
// an unknown tid falls back to itself, which is correct for
// single-threaded children and only costs one /proc scan in C2 for a
// genuinely new thread observed out of order before its own clone event.
func (e *Engine) tgidFor(tid int) int {
	if tgid, ok := e.tidTgid[tid]; ok {
		return tgid
	}
	return tid
}

func (e *Engine) handleSyscallStop(tid int) error {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(tid, &regs); err != nil {
		return Wrap(ErrSyscallFailed, err)
	}

	entry, err := e.syscallIsEntry(tid)
	if err != nil {
		entry = e.toggleEntry(tid)
	}

	event := &Event{Tid: tid, Regs: regs}
	if entry {
		event.Type = Enter
	} else {
		event.Type = Exit
	}

	if event.Type == Enter {
		e.rememberCloneFlags(event)
	}

	before := event.Regs
	e.chain.Dispatch(event)
	if event.Regs != before {
		if err := syscall.PtraceSetRegs(tid, &event.Regs); err != nil {
			tracelog.Warningf("engine: setregs failed for tid %d: %v", tid, err)
		}
	}

	return resumeOrWrap(tid, 0)
}

// rememberCloneFlags records the flags argument of an in-flight clone or
// clone3 call, keyed by the calling tid, so the matching ptrace clone event
// can tell a thread (CLONE_THREAD) from a process. clone3 passes its flags
// inside the user-pointed clone_args struct rather than in a register, so
// it takes a remote read; clone_args' first field is the 8-byte flags
// word, so no further struct layout is needed.
func (e *Engine) rememberCloneFlags(event *Event) {
	switch event.Nr() {
	case unix.SYS_CLONE:
		e.pendingCloneFlags[event.Tid] = event.Arg(0)
	case unix.SYS_CLONE3:
		if flags, err := ReadRecord[uint64](event.Tid, uintptr(event.Arg(0))); err == nil {
			e.pendingCloneFlags[event.Tid] = flags
		}
	}
}

// syscallIsEntry uses PTRACE_GET_SYSCALL_INFO to distinguish an enter-stop
// from an exit-stop directly from the kernel, rather than the historical
// per-tid toggle, which can desync across ptrace events.
func (e *Engine) syscallIsEntry(tid int) (bool, error) {
	var hdr ptraceSyscallInfoHeader
	size := unsafe.Sizeof(hdr)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSyscallInfo, uintptr(tid), size, uintptr(unsafe.Pointer(&hdr)), 0, 0)
	if errno != 0 {
		return false, errno
	}
	switch hdr.Op {
	case ptraceSyscallInfoEntry:
		return true, nil
	case ptraceSyscallInfoExit:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected ptrace syscall-info op %d", hdr.Op)
	}
}

func (e *Engine) toggleEntry(tid int) bool {
	e.entryToggle[tid] = !e.entryToggle[tid]
	return e.entryToggle[tid]
}
