// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package modulecache

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
	"go.stackwalk.dev/ptrace-profiler/process"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
)

// makeELF builds a minimal image with one executable PT_LOAD segment
// mapping file offsets 0..0x1000 to the same virtual addresses.
func makeELF(t *testing.T, machine elf.Machine) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, binary.Write(buf, binary.LittleEndian, elf.Header64{
		Ident: [16]byte{0x7f, 'E', 'L', 'F',
			byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Filesz: 0x1000,
		Memsz:  0x1000,
		Align:  0x1000,
	}))
	return buf.Bytes()
}

type fakeProcess struct {
	pid      libsw.PID
	mappings []process.Mapping
	images   map[string][]byte
	fileIDs  map[string]libsw.FileID
	opens    atomic.Int32
}

var _ process.Process = (*fakeProcess)(nil)

func (f *fakeProcess) PID() libsw.PID { return f.pid }

func (f *fakeProcess) GetMachineData() process.MachineData {
	return process.MachineData{Machine: elf.EM_X86_64}
}

func (f *fakeProcess) GetMappings() ([]process.Mapping, uint32, error) {
	return f.mappings, 0, nil
}

func (f *fakeProcess) GetThreads() ([]process.ThreadInfo, error) {
	return nil, nil
}

func (f *fakeProcess) GetRemoteMemory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{}
}

func (f *fakeProcess) OpenMappingFile(*process.Mapping) (process.ReadAtCloser, error) {
	return nil, errors.New("no backing file")
}

func (f *fakeProcess) CalculateMappingFileID(m *process.Mapping) (libsw.FileID, error) {
	id, ok := f.fileIDs[m.Path]
	if !ok {
		return libsw.FileID{}, errors.New("no file ID")
	}
	return id, nil
}

func (f *fakeProcess) OpenELF(path string) (*elffile.File, error) {
	f.opens.Add(1)
	image, ok := f.images[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return elffile.NewFile(bytes.NewReader(image), 0)
}

func (f *fakeProcess) Close() error { return nil }

type fakeProvider struct {
	calls  atomic.Uint64
	deltas stackdelta.StackDeltaArray
	err    error
}

var _ StackDeltaProvider = (*fakeProvider)(nil)

func (p *fakeProvider) GetIntervalStructuresForFile(_ *elffile.File, _ string,
	interval *stackdelta.IntervalData) error {
	p.calls.Add(1)
	if p.err != nil {
		return p.err
	}
	interval.Deltas = append(stackdelta.StackDeltaArray{}, p.deltas...)
	return nil
}

func (p *fakeProvider) GetAndResetStatistics() Statistics {
	return Statistics{}
}

func testDeltas() stackdelta.StackDeltaArray {
	return stackdelta.StackDeltaArray{
		{Address: 0x10, Hints: stackdelta.UnwindHintKeep,
			Info: stackdelta.UnwindInfoFramePointerX64},
		{Address: 0x800, Hints: stackdelta.UnwindHintGap,
			Info: stackdelta.UnwindInfoInvalid},
	}
}

func newTestProcess(t *testing.T) *fakeProcess {
	image := makeELF(t, elf.EM_X86_64)
	return &fakeProcess{
		pid: 1234,
		mappings: []process.Mapping{
			{Vaddr: 0x400000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X,
				Device: 1, Inode: 10, Path: "/usr/bin/app"},
			{Vaddr: 0x500000, Length: 0x1000, Flags: elf.PF_R,
				Device: 1, Inode: 10, Path: "/usr/bin/app"},
			{Vaddr: 0x7f0000000000, Length: 0x2000, Flags: elf.PF_R | elf.PF_X,
				Device: 1, Inode: 20, Path: "/lib/libc.so.6"},
			{Vaddr: 0x7fff00000000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X},
		},
		images: map[string][]byte{
			"/usr/bin/app":   image,
			"/lib/libc.so.6": image,
		},
		fileIDs: map[string]libsw.FileID{
			"/usr/bin/app":   libsw.NewFileID(2, 102),
			"/lib/libc.so.6": libsw.NewFileID(1, 101),
		},
	}
}

func TestSyncAndLookup(t *testing.T) {
	pr := newTestProcess(t)
	provider := &fakeProvider{deltas: testDeltas()}
	cache, err := New(provider)
	require.NoError(t, err)

	require.NoError(t, cache.Sync(pr))

	// The non-executable and anonymous mappings are not modules.
	assert.Equal(t, 2, cache.NumModules())
	assert.EqualValues(t, 2, provider.calls.Load())

	mod, ok := cache.GetModuleForAddress(0x400020)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/app", mod.Path)
	assert.Equal(t, libsw.NewFileID(2, 102), mod.FileID)
	assert.Equal(t, uint64(0x400000), mod.Bias)
	require.True(t, mod.HasDeltas())

	info, ok := mod.UnwindInfoForAddress(0x400020)
	require.True(t, ok)
	assert.Equal(t, stackdelta.UnwindInfoFramePointerX64, info)

	// Before the first interval there is no rule.
	_, ok = mod.UnwindInfoForAddress(0x400008)
	assert.False(t, ok)

	// Addresses outside any executable mapping resolve to no module.
	_, ok = cache.GetModuleForAddress(0x500500)
	assert.False(t, ok)
	_, ok = cache.GetModuleForAddress(0x401000)
	assert.False(t, ok)
}

func TestSyncModuleReuse(t *testing.T) {
	pr := newTestProcess(t)
	provider := &fakeProvider{deltas: testDeltas()}
	cache, err := New(provider)
	require.NoError(t, err)

	require.NoError(t, cache.Sync(pr))
	mod1, ok := cache.GetModuleForAddress(0x400020)
	require.True(t, ok)

	require.NoError(t, cache.Sync(pr))
	mod2, ok := cache.GetModuleForAddress(0x400020)
	require.True(t, ok)

	assert.Same(t, mod1, mod2)
	assert.EqualValues(t, 2, provider.calls.Load())
	assert.EqualValues(t, 2, pr.opens.Load())
}

func TestSyncRemappedFile(t *testing.T) {
	pr := newTestProcess(t)
	provider := &fakeProvider{deltas: testDeltas()}
	cache, err := New(provider)
	require.NoError(t, err)
	require.NoError(t, cache.Sync(pr))

	// Remap the main executable to a different address. The file is known
	// already, so no ELF access or extraction may happen again.
	pr.mappings[0].Vaddr = 0x600000
	require.NoError(t, cache.Sync(pr))

	assert.EqualValues(t, 2, provider.calls.Load())
	assert.EqualValues(t, 2, pr.opens.Load())

	mod, ok := cache.GetModuleForAddress(0x600020)
	require.True(t, ok)
	assert.Equal(t, uint64(0x600000), mod.Bias)
	require.True(t, mod.HasDeltas())
	info, ok := mod.UnwindInfoForAddress(0x600020)
	require.True(t, ok)
	assert.Equal(t, stackdelta.UnwindInfoFramePointerX64, info)
}

func TestSyncExtractionError(t *testing.T) {
	pr := newTestProcess(t)
	pr.mappings = pr.mappings[:1]
	provider := &fakeProvider{err: errors.New("malformed CFI")}
	cache, err := New(provider)
	require.NoError(t, err)

	// Extraction failure leaves the module known but not unwindable.
	require.NoError(t, cache.Sync(pr))
	mod, ok := cache.GetModuleForAddress(0x400020)
	require.True(t, ok)
	assert.False(t, mod.HasDeltas())
	_, ok = mod.UnwindInfoForAddress(0x400020)
	assert.False(t, ok)

	// The failure is cached per file: a remap does not retry extraction.
	pr.mappings[0].Vaddr = 0x600000
	require.NoError(t, cache.Sync(pr))
	assert.EqualValues(t, 1, provider.calls.Load())
	assert.EqualValues(t, 1, pr.opens.Load())
}

func TestSyncVDSO(t *testing.T) {
	image := makeELF(t, elf.EM_AARCH64)
	pr := &fakeProcess{
		pid: 99,
		mappings: []process.Mapping{
			{Vaddr: 0x7ffff000, Length: 0x1000, Flags: elf.PF_R | elf.PF_X,
				Inode: 50, Path: process.VdsoPathName},
		},
		images:  map[string][]byte{process.VdsoPathName: image},
		fileIDs: map[string]libsw.FileID{process.VdsoPathName: libsw.NewFileID(9, 9)},
	}
	provider := &fakeProvider{}
	cache, err := New(provider)
	require.NoError(t, err)

	require.NoError(t, cache.Sync(pr))

	// The ARM64 vDSO gets synthesized deltas, not extracted ones.
	assert.EqualValues(t, 0, provider.calls.Load())

	mod, ok := cache.GetModuleForAddress(0x7ffff123)
	require.True(t, ok)
	require.True(t, mod.HasDeltas())
	info, ok := mod.UnwindInfoForAddress(0x7ffff123)
	require.True(t, ok)
	assert.Equal(t, stackdelta.UnwindInfoLR, info)
}

func TestBiasFor(t *testing.T) {
	ranges := []execRange{{off: 0x1240, vaddr: 0x401240, filesz: 0x2000}}

	// Offset inside the segment.
	bias, ok := biasFor(ranges, 0x1240, 0x7f0000001240)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f0000001240)-uint64(0x401240), bias)

	// The loader aligns the mapping start down to the page boundary, so
	// file offsets just before the segment still belong to it.
	bias, ok = biasFor(ranges, 0x1000, 0x7f0000001000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f0000001000)-uint64(0x401000), bias)

	// Past the end of the segment.
	_, ok = biasFor(ranges, 0x4000, 0x7f0000004000)
	assert.False(t, ok)
}
