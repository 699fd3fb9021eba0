// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package process abstracts access to a target process: its memory
// mappings, the register state of its threads and the files backing its
// executable mappings. The ptrace implementation suspends the target
// while it is inspected; tests substitute synthetic implementations of
// the same interface.
package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"debug/elf"
	"io"
	"strings"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
	"go.stackwalk.dev/ptrace-profiler/util"
)

// VdsoPathName is the synthetic file name assigned to [vdso] mappings.
const VdsoPathName = "linux-vdso.1.so"

// vdsoInode is the synthetic inode number assigned to [vdso] mappings.
const vdsoInode = 50

// Mapping describes one entry of a process address space.
type Mapping struct {
	// Vaddr is the virtual address the mapping starts at.
	Vaddr uint64
	// Length is the size of the mapping in bytes.
	Length uint64
	// Flags carries the mapping permissions as ELF program header flags.
	Flags elf.ProgFlag
	// FileOffset is the offset into the backing file, zero for anonymous
	// mappings.
	FileOffset uint64
	// Device is the device number of the filesystem holding the backing
	// file.
	Device uint64
	// Inode is the inode number of the backing file.
	Inode uint64
	// Path is the backing file name, empty for anonymous mappings.
	Path string
}

// End returns the first virtual address past the mapping.
func (m *Mapping) End() uint64 {
	return m.Vaddr + m.Length
}

func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X != 0
}

// IsAnonymous reports whether the mapping has no usable backing file.
// Memory created via memfd counts as anonymous even though the kernel
// reports a pseudo path for it.
func (m *Mapping) IsAnonymous() bool {
	return m.Path == "" || m.IsMemFD()
}

func (m *Mapping) IsMemFD() bool {
	return strings.HasPrefix(m.Path, "/memfd:")
}

func (m *Mapping) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// GetOnDiskFileIdentifier keys the mapping's backing file by device and
// inode.
func (m *Mapping) GetOnDiskFileIdentifier() util.OnDiskFileIdentifier {
	return util.OnDiskFileIdentifier{
		DeviceID: m.Device,
		InodeNum: m.Inode,
	}
}

// ThreadInfo is the per-thread register state captured while the target
// is stopped.
type ThreadInfo struct {
	// TPBase is the thread pointer base value (fs_base on x86-64,
	// tpidr_el0 on ARM64).
	TPBase uint64
	// GPRegs is the raw NT_PRSTATUS register dump of the thread.
	GPRegs []byte
	// LWP is the kernel thread ID.
	LWP uint32
}

// MachineData carries process-wide machine properties.
type MachineData struct {
	// Machine is the ELF machine type of the process.
	Machine elf.Machine
	// CodePACMask is the ARM64 pointer authentication mask for code
	// pointers, zero elsewhere.
	CodePACMask uint64
	// DataPACMask is the ARM64 pointer authentication mask for data
	// pointers, zero elsewhere.
	DataPACMask uint64
}

// ReadAtCloser pairs io.ReaderAt with io.Closer. OpenMappingFile
// returns it for the file backing a mapping.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Process gives access to the state of a live target process. The
// implementations are not safe for concurrent use from several
// goroutines, with two exceptions: OpenELF and the reader returned by
// GetRemoteMemory may be shared.
type Process interface {
	// PID returns the process identifier.
	PID() libsw.PID

	// GetMachineData returns machine properties of the target.
	GetMachineData() MachineData

	// GetMappings parses the address space layout of the target. The
	// second return value counts maps lines that could not be parsed.
	GetMappings() ([]Mapping, uint32, error)

	// GetThreads captures the register state of every thread.
	GetThreads() ([]ThreadInfo, error)

	// GetRemoteMemory returns a reader for the target's memory.
	GetRemoteMemory() remotememory.RemoteMemory

	// OpenMappingFile opens the file backing the given mapping.
	OpenMappingFile(*Mapping) (ReadAtCloser, error)

	// CalculateMappingFileID computes the FileID of the backing file.
	CalculateMappingFileID(*Mapping) (libsw.FileID, error)

	// OpenELF opens the named ELF file as seen by the target.
	OpenELF(string) (*elffile.File, error)

	io.Closer
}
