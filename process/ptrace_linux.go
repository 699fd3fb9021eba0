//go:build linux

// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
	"go.stackwalk.dev/ptrace-profiler/util"
)

// ptraceProcess suspends the target with ptrace. Every thread that
// GetThreads reports stays stopped until Close detaches, so the
// register state and the stack contents the unwinder reads belong to
// one consistent point in time.
type ptraceProcess struct {
	liveProcess

	// attachedTids are the threads attached beyond the main one.
	attachedTids []int
}

var _ Process = &ptraceProcess{}

// readRegset fetches one register set of a stopped thread.
func readRegset(tid, regset int, out []byte) error {
	iov := unix.Iovec{
		Base: &out[0],
		Len:  uint64(len(out)),
	}
	if _, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), uintptr(regset), uintptr(unsafe.Pointer(&iov)), 0, 0); errno != 0 {
		return fmt.Errorf("PTRACE_GETREGSET %#x: errno %d", regset, errno)
	}
	return nil
}

// NewPtrace attaches to the given PID with ptrace and returns a Process
// inspecting the stopped target. The kernel requires every ptrace
// request to come from the attaching thread, so the calling goroutine
// is locked to its OS thread until Close. All use of the returned
// Process must stay on the calling goroutine; spreading it further
// would need a proxy goroutine funneling the requests.
func NewPtrace(pid libsw.PID) (Process, error) {
	runtime.LockOSThread()

	pp := &ptraceProcess{}
	pp.pid = pid
	pp.tid = pid
	pp.remoteMemory = remotememory.NewProcessVirtualMemory(pid)
	if err := pp.attach(); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return pp, nil
}

// yamaPtraceScope reads the Yama attach policy. Anything above zero
// restricts who may ptrace; zero is also returned on kernels without
// the knob.
func yamaPtraceScope() uint64 {
	data, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err != nil {
		return 0
	}
	return util.DecToUint64(strings.TrimSpace(string(data)))
}

// attach interrupts the main thread. PTRACE_ATTACH delivers a SIGSTOP
// whose effect is asynchronous, so the stop must be waited for before
// any further request.
func (pp *ptraceProcess) attach() error {
	if err := unix.PtraceAttach(int(pp.pid)); err != nil {
		// A plain EPERM gives no hint which knob to turn.
		if errors.Is(err, unix.EPERM) {
			if scope := yamaPtraceScope(); scope > 0 {
				return fmt.Errorf("%w (yama ptrace_scope is %d)", err, scope)
			}
		}
		return err
	}
	status := unix.WaitStatus(0)
	_, _ = unix.Wait4(int(pp.pid), &status, unix.WALL, nil)
	return nil
}

// GetThreads stops every thread of the target and reads the register
// state of each. The threads resume when Close is called.
func (pp *ptraceProcess) GetThreads() ([]ThreadInfo, error) {
	tasks, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pp.pid))
	if err != nil {
		return nil, err
	}

	threads := make([]ThreadInfo, 0, len(tasks))

	info, err := pp.readThreadInfo(int(pp.pid))
	if err != nil {
		return nil, err
	}
	threads = append(threads, info)

	for _, task := range tasks {
		if !task.IsDir() {
			continue
		}
		tidNum, err := strconv.ParseInt(task.Name(), 10, 32)
		if err != nil {
			continue
		}
		tid := int(tidNum)
		// The main thread was read above.
		if tid == int(pp.pid) {
			continue
		}
		// A thread that exited since the directory was read fails the
		// attach and is skipped.
		if err = unix.PtraceAttach(tid); err != nil {
			continue
		}
		// Wait for the stop. WALL covers clone siblings this thread is
		// not the real parent of.
		status := unix.WaitStatus(0)
		_, _ = unix.Wait4(tid, &status, unix.WALL, nil)
		pp.attachedTids = append(pp.attachedTids, tid)

		info, err = pp.readThreadInfo(tid)
		if err != nil {
			// The thread state is gone; its siblings are still worth
			// sampling.
			continue
		}
		threads = append(threads, info)
	}
	return threads, nil
}

// Close resumes every stopped thread and unpins the goroutine.
func (pp *ptraceProcess) Close() error {
	for _, tid := range pp.attachedTids {
		// Threads that died while attached make the detach fail, which
		// is fine.
		_ = unix.PtraceDetach(tid)
	}
	pp.attachedTids = nil
	err := unix.PtraceDetach(int(pp.pid))
	runtime.UnlockOSThread()
	return err
}
