// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides access to the memory space of another
// process. The ReaderAt interface is used for the basic access, and various
// convenience functions are provided to help reading specific data types.
// Read faults are surfaced as zero values: the targets are live processes
// and partially unmapped or raced-away memory is normal, not exceptional.
package remotememory // import "go.stackwalk.dev/ptrace-profiler/remotememory"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// RemoteMemory implements a set of convenience functions to access the
// remote memory.
type RemoteMemory struct {
	io.ReaderAt
	// Bias is the adjustment subtracted from pointers read from the target
	// (used to unrelocate pointers when analyzing relocated images).
	Bias libsw.Address
}

// Valid determines if this RemoteMemory instance references a target.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libsw.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a native pointer from remote memory.
func (rm RemoteMemory) Ptr(addr libsw.Address) libsw.Address {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return libsw.Address(binary.LittleEndian.Uint64(buf[:])) - rm.Bias
}

// PtrChecked reads a native pointer from remote memory, reporting faults.
func (rm RemoteMemory) PtrChecked(addr libsw.Address) (libsw.Address, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libsw.Address(binary.LittleEndian.Uint64(buf[:])) - rm.Bias, nil
}

// Uint8 reads an 8-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint8(addr libsw.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint16 reads a 16-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint16(addr libsw.Address) uint16 {
	var buf [2]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint32(addr libsw.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint64(addr libsw.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// Uint64Checked reads a 64-bit unsigned integer from remote memory,
// reporting faults.
func (rm RemoteMemory) Uint64Checked(addr libsw.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// String reads a zero terminated string from remote memory.
func (rm RemoteMemory) String(addr libsw.Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	// Not a zero terminated string within the read window.
	return ""
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv
// syscalls to read the remote memory.
type ProcessVirtualMemory struct {
	pid libsw.PID
}

// NewProcessVirtualMemory returns RemoteMemory backed by process_vm_readv
// against the given process.
func NewProcessVirtualMemory(pid libsw.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	numBytesWanted := len(p)
	if numBytesWanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(numBytesWanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: numBytesWanted}}
	numBytesRead, err := unix.ProcessVMReadv(int(vm.pid), localIov, remoteIov, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID %v at 0x%x: %w", vm.pid, off, err)
	}
	if numBytesRead != numBytesWanted {
		return numBytesRead, fmt.Errorf("short read of PID %v at 0x%x: %d/%d",
			vm.pid, off, numBytesRead, numBytesWanted)
	}
	return numBytesRead, nil
}

// sliceMemory is an in-process RemoteMemory implementation backed by a byte
// slice mapped at a fixed base address. It backs tests and synthetic stack
// images.
type sliceMemory struct {
	base libsw.Address
	data []byte
}

// NewSliceMemory builds RemoteMemory over data as if it were mapped at base.
// Reads outside [base, base+len(data)) fail.
func NewSliceMemory(base libsw.Address, data []byte) RemoteMemory {
	return RemoteMemory{ReaderAt: &sliceMemory{base: base, data: data}}
}

func (sm *sliceMemory) ReadAt(p []byte, off int64) (int, error) {
	start := libsw.Address(off)
	if start < sm.base || start > sm.base+libsw.Address(len(sm.data)) {
		return 0, fmt.Errorf("read at 0x%x outside backing range", off)
	}
	n := copy(p, sm.data[start-sm.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
