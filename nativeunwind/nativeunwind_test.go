// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
)

// fakeResolver resolves addresses against a fixed module list.
type fakeResolver struct {
	modules []*modulecache.Module
}

func (r *fakeResolver) GetModuleForAddress(addr uint64) (*modulecache.Module, bool) {
	for _, m := range r.modules {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return nil, false
}

var _ ModuleResolver = (*fakeResolver)(nil)

// textModule builds a module mapped at [0x1000, 0x2000) with the given
// unwind intervals, matching where the test register fixtures point.
func textModule(deltas ...stackdelta.StackDelta) *modulecache.Module {
	return &modulecache.Module{
		Start:  0x1000,
		End:    0x2000,
		Path:   "/usr/lib/libtest.so",
		Deltas: &stackdelta.IntervalData{Deltas: deltas},
	}
}

func delta(addr uint64, info stackdelta.UnwindInfo) stackdelta.StackDelta {
	return stackdelta.StackDelta{Address: addr, Info: info}
}

// stackImage builds remote memory for a synthetic stack spanning
// [base, base+size), with the given 8 byte words written at absolute
// addresses. Reads outside the range fault like unmapped memory.
func stackImage(base libsw.Address, size int,
	words map[libsw.Address]uint64) remotememory.RemoteMemory {
	data := make([]byte, size)
	for addr, val := range words {
		binary.LittleEndian.PutUint64(data[addr-base:], val)
	}
	return remotememory.NewSliceMemory(base, data)
}

func newTestUnwinder(t *testing.T, cfg Config, mem remotememory.RemoteMemory,
	mods ...*modulecache.Module) *Unwinder {
	t.Helper()
	u, err := New(cfg, &fakeResolver{modules: mods}, mem)
	require.NoError(t, err)
	return u
}

func TestNewValidation(t *testing.T) {
	mem := remotememory.NewSliceMemory(0, nil)

	_, err := New(Config{}, nil, mem)
	assert.Error(t, err)

	_, err = New(Config{}, &fakeResolver{}, remotememory.RemoteMemory{})
	assert.Error(t, err)

	u, err := New(Config{MaxSteps: -5}, &fakeResolver{}, mem)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, u.maxSteps)
}

func TestUnwindResultString(t *testing.T) {
	assert.Equal(t, "completed", UnwindCompleted.String())
	assert.Equal(t, "aborted", UnwindAborted.String())
	assert.Equal(t, "unrecognized", UnwindUnrecognizedFrame.String())
	assert.Equal(t, "<invalid 77>", UnwindResult(77).String())
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "native", FrameNative.String())
	assert.Equal(t, "signal", FrameSignal.String())
	assert.Equal(t, "truncated", FrameTruncated.String())
	assert.Equal(t, "<invalid 9>", FrameKind(9).String())
}

func TestCanUnwindFrom(t *testing.T) {
	mem := remotememory.NewSliceMemory(0x7000, make([]byte, 64))
	good := textModule(delta(0x1000, stackdelta.UnwindInfoFramePointerX64))
	bad := &modulecache.Module{Start: 0x3000, End: 0x4000}
	empty := &modulecache.Module{
		Start: 0x5000, End: 0x6000,
		Deltas: &stackdelta.IntervalData{},
	}
	u := newTestUnwinder(t, Config{}, mem, good, bad, empty)

	assert.False(t, u.CanUnwindFrom(nil))
	assert.False(t, u.CanUnwindFrom(&Frame{IP: 0x9000}))
	assert.False(t, u.CanUnwindFrom(&Frame{IP: 0x3040, Module: bad}))
	assert.False(t, u.CanUnwindFrom(&Frame{IP: 0x5040, Module: empty}))

	frame := &Frame{IP: 0x1040, Module: good}
	assert.True(t, u.CanUnwindFrom(frame))
	// No side effects: the answer does not change across calls.
	assert.True(t, u.CanUnwindFrom(frame))
}

// TestTryUnwindFramePointerChain walks a classic three function x86-64
// stack: a sampled leaf without a frame, a frame pointer frame in the
// middle and a root function marked with a stop rule.
func TestTryUnwindFramePointerChain(t *testing.T) {
	mod := textModule(
		delta(0x1000, stackdelta.UnwindInfo{
			Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
		}),
		delta(0x1100, stackdelta.UnwindInfoFramePointerX64),
		delta(0x1200, stackdelta.UnwindInfoStop))
	mem := stackImage(0x7fc0, 64, map[libsw.Address]uint64{
		0x7fd0: 0x1140, // leaf return address
		0x7fe0: 0x7ff8, // saved rbp of the middle frame
		0x7fe8: 0x1240, // middle frame return address
	})
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fd0, FP: 0x7fe0}
	stack := []Frame{{IP: 0xaaaa}}
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindCompleted, result)
	require.Len(t, stack, 4)
	// Pre-existing frames are never reset.
	assert.Equal(t, libsw.Address(0xaaaa), stack[0].IP)
	assert.Equal(t, libsw.Address(0x1040), stack[1].IP)
	assert.Equal(t, libsw.Address(0x1140), stack[2].IP)
	assert.Equal(t, libsw.Address(0x1240), stack[3].IP)
	for _, frame := range stack[1:] {
		assert.Equal(t, FrameNative, frame.Kind)
		assert.Same(t, mod, frame.Module)
	}
	// The register state is left at the final frame reached.
	assert.Equal(t, libsw.Address(0x1240), regs.PC)
	assert.Equal(t, libsw.Address(0x7ff0), regs.SP)
}

// TestTryUnwindStackPointerMustProgress aborts a walk whose unwind rule
// leaves the stack pointer in place past the leaf frame, since such a walk
// could otherwise revisit the same frame forever.
func TestTryUnwindStackPointerMustProgress(t *testing.T) {
	mod := textModule(
		delta(0x1000, stackdelta.UnwindInfo{
			Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
		}),
		delta(0x1100, stackdelta.UnwindInfo{
			Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 0,
		}))
	mem := stackImage(0x7fc0, 64, map[libsw.Address]uint64{
		0x7fd0: 0x1140,
	})
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fd0}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindAborted, result)
	require.Len(t, stack, 3)
	assert.Equal(t, libsw.Address(0x1040), stack[0].IP)
	assert.Equal(t, libsw.Address(0x1140), stack[1].IP)
	assert.Equal(t, FrameTruncated, stack[2].Kind)
	assert.Nil(t, stack[2].Module)
}

// TestTryUnwindStepBound cuts off a crafted stack that keeps the progress
// checks satisfied indefinitely.
func TestTryUnwindStepBound(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
	}))
	// Every stack slot holds an address back in the module, so each step
	// frees 8 bytes and finds another walkable frame.
	data := make([]byte, 0x1000)
	for off := 0; off < len(data); off += 8 {
		binary.LittleEndian.PutUint64(data[off:], 0x1040)
	}
	mem := remotememory.NewSliceMemory(0x7000, data)
	u := newTestUnwinder(t, Config{MaxSteps: 8}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7000}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindAborted, result)
	// 8 stepped frames, the frame the bound fired on, plus the marker.
	require.Len(t, stack, 10)
	assert.Equal(t, FrameTruncated, stack[9].Kind)
}

// TestTryUnwindStackExhausted walks the same self-referential stack with
// the default step bound: the walk ends cleanly when the stack pointer
// reaches the top of the stack.
func TestTryUnwindStackExhausted(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
	}))
	data := make([]byte, 0x1000)
	for off := 0; off < len(data); off += 8 {
		binary.LittleEndian.PutUint64(data[off:], 0x1040)
	}
	mem := remotememory.NewSliceMemory(0x7000, data)
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7000}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindCompleted, result)
	assert.Len(t, stack, 512)
	assert.Equal(t, FrameNative, stack[511].Kind)
	assert.Equal(t, libsw.Address(0x8000), regs.SP)
}

func TestTryUnwindUnknownLeaf(t *testing.T) {
	noDeltas := &modulecache.Module{Start: 0x3000, End: 0x4000}
	mem := remotememory.NewSliceMemory(0x7000, make([]byte, 64))
	u := newTestUnwinder(t, Config{}, mem, noDeltas)

	// Outside any known module.
	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x9000, SP: 0x7010}
	var stack []Frame
	assert.Equal(t, UnwindUnrecognizedFrame, u.TryUnwind(regs, 0x7040, &stack))
	assert.Empty(t, stack)
	assert.Equal(t, libsw.Address(0x9000), regs.PC)

	// Inside a module whose unwind data extraction failed.
	regs = &Registers{Arch: elf.EM_X86_64, PC: 0x3040, SP: 0x7010}
	assert.Equal(t, UnwindUnrecognizedFrame, u.TryUnwind(regs, 0x7040, &stack))
	assert.Empty(t, stack)
}

func TestTryUnwindUnsupportedArch(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfoFramePointerX64))
	mem := remotememory.NewSliceMemory(0x7000, make([]byte, 64))
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_RISCV, PC: 0x1040, SP: 0x7010}
	var stack []Frame
	assert.Equal(t, UnwindUnrecognizedFrame, u.TryUnwind(regs, 0x7040, &stack))
	assert.Empty(t, stack)
}

func TestTryUnwindBadStackPointer(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfoFramePointerX64))
	mem := remotememory.NewSliceMemory(0x7000, make([]byte, 64))
	u := newTestUnwinder(t, Config{}, mem, mod)

	for _, sp := range []libsw.Address{0, 0x7040, 0x9000} {
		regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: sp}
		var stack []Frame
		assert.Equal(t, UnwindAborted, u.TryUnwind(regs, 0x7040, &stack),
			"sp 0x%x", sp)
		assert.Empty(t, stack)
	}
}

// TestTryUnwindUnknownModuleMidStack stops when a return address points
// into unmapped code. The offending frame is still recorded, with the
// register state left in place for a chained unwinder.
func TestTryUnwindUnknownModuleMidStack(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
	}))
	mem := stackImage(0x7fc0, 64, map[libsw.Address]uint64{
		0x7fd0: 0x9999, // return address outside any module
	})
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fd0}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindUnrecognizedFrame, result)
	require.Len(t, stack, 2)
	assert.Equal(t, libsw.Address(0x9999), stack[1].IP)
	assert.Nil(t, stack[1].Module)
	assert.Equal(t, FrameNative, stack[1].Kind)
	assert.Equal(t, libsw.Address(0x9999), regs.PC)
	assert.Equal(t, libsw.Address(0x7fd8), regs.SP)
}

func TestTryUnwindBelowFirstDelta(t *testing.T) {
	mod := textModule(delta(0x1500, stackdelta.UnwindInfoStop))
	mem := remotememory.NewSliceMemory(0x7000, make([]byte, 64))
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7010}
	var stack []Frame
	result := u.TryUnwind(regs, 0x7040, &stack)

	require.Equal(t, UnwindAborted, result)
	require.Len(t, stack, 2)
	assert.Equal(t, libsw.Address(0x1040), stack[0].IP)
	assert.Equal(t, FrameTruncated, stack[1].Kind)
}

// TestTryUnwindZeroReturnAddress completes the walk: a zero return address
// is the convention for a thread's outermost frame.
func TestTryUnwindZeroReturnAddress(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
	}))
	mem := stackImage(0x7fc0, 64, map[libsw.Address]uint64{
		0x7fd0: 0,
	})
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fd0}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindCompleted, result)
	require.Len(t, stack, 1)
	assert.Equal(t, libsw.Address(0x1040), stack[0].IP)
}

// TestTryUnwindUnreadableReturnAddress aborts when the return address slot
// cannot be read, unlike the zero value case above.
func TestTryUnwindUnreadableReturnAddress(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 8,
	}))
	mem := remotememory.NewSliceMemory(0x7fc0, make([]byte, 64))
	u := newTestUnwinder(t, Config{}, mem, mod)

	// The return address slot at SP lies below the mapped stack image.
	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fb8}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindAborted, result)
	require.Len(t, stack, 2)
	assert.Equal(t, FrameTruncated, stack[1].Kind)
}

// TestTryUnwindStackTopOverrun aborts when a frame's CFA lands beyond the
// top of the thread stack, even if that memory happens to be readable.
// This is what stops a walk from wandering off a signal alternate stack.
func TestTryUnwindStackTopOverrun(t *testing.T) {
	mod := textModule(delta(0x1000, stackdelta.UnwindInfo{
		Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 0x100,
	}))
	// The image extends past stackTop so the return address read succeeds.
	mem := stackImage(0x7fc0, 0x200, map[libsw.Address]uint64{
		0x80c8: 0x1140,
	})
	u := newTestUnwinder(t, Config{}, mem, mod)

	regs := &Registers{Arch: elf.EM_X86_64, PC: 0x1040, SP: 0x7fd0}
	var stack []Frame
	result := u.TryUnwind(regs, 0x8000, &stack)

	require.Equal(t, UnwindAborted, result)
	require.Len(t, stack, 2)
	assert.Equal(t, libsw.Address(0x1040), stack[0].IP)
	assert.Equal(t, FrameTruncated, stack[1].Kind)
}
