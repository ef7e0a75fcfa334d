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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"
)

// tidToTgidCacheSize bounds the tid->tgid LRU.
const tidToTgidCacheSize = 100

// Pidfd owns a process-handle fd and a duplicated tracee fd (C2). It is
// never shared; callers are expected to Close it deterministically at
// end-of-dispatch or end-of-phase.
type Pidfd struct {
	pidfd int
	Fd    int
}

// Close releases both descriptors; a Pidfd from NewTestPidfd has no process
// handle, so only Fd is closed. Call it once: a second call closes the same
// descriptor numbers again.
func (p *Pidfd) Close() error {
	var err error
	if e := unix.Close(p.Fd); e != nil {
		err = e
	}
	if p.pidfd >= 0 {
		if e := unix.Close(p.pidfd); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// NewTestPidfd builds a Pidfd directly over a caller-owned fd, with no
// backing process handle. It lets handler tests exercise the socket-option
// and bind/connect logic in C6/C8/C9 against a real local socket without a
// live tracee to pidfd_open/pidfd_getfd against.
func NewTestPidfd(fd int) *Pidfd {
	return &Pidfd{pidfd: -1, Fd: fd}
}

// pidResolver resolves in-tracee fds into tracer-local Pidfd handles (C2).
// It is owned by the engine rather than kept as a package-level global.
type pidResolver struct {
	tidToTgid *lru.Cache
}

func newPidResolver() *pidResolver {
	cache, err := lru.New(tidToTgidCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which tidToTgidCacheSize never is.
		panic(err)
	}
	return &pidResolver{tidToTgid: cache}
}

// resolve implements C2's three-step procedure: tid->tgid translation,
// pidfd_open on the tgid, pidfd_getfd on the in-tracee fd.
func (r *pidResolver) resolve(tid, fd int) (*Pidfd, error) {
	tgid, err := r.tgidOf(tid)
	if err != nil {
		return nil, err
	}

	pidfd, err := unix.PidfdOpen(tgid, 0)
	if err != nil {
		return nil, Wrap(ErrSyscallFailed, err)
	}

	dupFd, err := unix.PidfdGetfd(pidfd, fd, 0)
	if err != nil {
		unix.Close(pidfd)
		return nil, Wrap(ErrSyscallFailed, err)
	}

	return &Pidfd{pidfd: pidfd, Fd: dupFd}, nil
}

// tgidOf translates a thread id to its thread-group-leader id, via an LRU
// cache backed by a /proc scan on miss (C2 step 1).
func (r *pidResolver) tgidOf(tid int) (int, error) {
	if v, ok := r.tidToTgid.Get(tid); ok {
		return v.(int), nil
	}

	tgid, err := findTgid(tid)
	if err != nil {
		return 0, err
	}

	r.tidToTgid.Add(tid, tgid)
	return tgid, nil
}

// forget drops a tid's cache entry. Called by the engine when a thread
// exits, so a reused tid can never resolve to a stale tgid.
func (r *pidResolver) forget(tid int) {
	r.tidToTgid.Remove(tid)
}

// findTgid scans /proc/*/task/<tid>/status for the Tgid: field, since a
// direct syscall against a tid that is not itself a thread-group leader may
// not resolve against a bare thread id on older kernels.
func findTgid(tid int) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, Wrap(ErrReadFailed, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statusPath := filepath.Join("/proc", entry.Name(), "task", strconv.Itoa(tid), "status")
		tgid, ok, err := readTgidField(statusPath)
		if err != nil {
			continue // not this process, or it raced and disappeared
		}
		if ok {
			return tgid, nil
		}
	}

	return 0, ErrPidNotFound
}

func readTgidField(path string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Tgid:") {
			continue
		}
		fields := strings.Split(line, "\t")
		tgid, err := strconv.Atoi(strings.TrimSpace(fields[len(fields)-1]))
		if err != nil {
			return 0, false, fmt.Errorf("malformed Tgid line %q: %w", line, err)
		}
		return tgid, true, nil
	}
	return 0, false, scanner.Err()
}
