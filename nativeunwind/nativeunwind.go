// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeunwind walks the native call stack of a suspended thread.
// Given a register snapshot and read access to the target's memory, it
// recovers the chain of return addresses frame by frame, driven by the
// stack deltas the module cache extracted from each executable's unwind
// tables.
//
// Unwinding is best effort. Target stacks can be corrupt, raced away or
// belong to code without usable unwind data, so every anomaly is reported
// through an UnwindResult instead of an error or a panic, and frames
// collected before a failure are kept. A single walk holds no locks and
// spawns nothing; distinct threads may be unwound concurrently as long as
// each call gets its own Registers and frame slice.
package nativeunwind // import "go.stackwalk.dev/ptrace-profiler/nativeunwind"

import (
	"debug/elf"
	"errors"
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
)

// UnwindResult tells why an unwind stopped.
type UnwindResult uint8

const (
	// UnwindCompleted means the walk reached a recognized end of the
	// stack: a root function, an exhausted stack or a zero return address.
	UnwindCompleted UnwindResult = iota
	// UnwindAborted means a safety invariant was violated mid-walk. The
	// frames collected up to the violation are retained and a truncation
	// marker frame is appended after them.
	UnwindAborted
	// UnwindUnrecognizedFrame means the walk stopped at code this
	// unwinder has no usable unwind data for. The frame is recorded so a
	// chained unwinder could continue from the final register state.
	UnwindUnrecognizedFrame
)

func (r UnwindResult) String() string {
	switch r {
	case UnwindCompleted:
		return "completed"
	case UnwindAborted:
		return "aborted"
	case UnwindUnrecognizedFrame:
		return "unrecognized"
	}
	return fmt.Sprintf("<invalid %d>", uint8(r))
}

// DefaultMaxSteps bounds the number of frames one TryUnwind call walks
// when Config does not override it. The stack pointer progress checks stop
// runaway unwinds much earlier; the step bound is the hard backstop for
// crafted stacks that keep the checks satisfied.
const DefaultMaxSteps = 2048

// Config carries the unwinder tunables.
type Config struct {
	// MaxSteps overrides DefaultMaxSteps when positive.
	MaxSteps int
}

// ModuleResolver resolves instruction addresses to loaded modules. It is
// implemented by modulecache.Cache and must be safe to call while the
// target thread is suspended.
type ModuleResolver interface {
	GetModuleForAddress(addr uint64) (*modulecache.Module, bool)
}

var _ ModuleResolver = (*modulecache.Cache)(nil)

// Unwinder walks native stacks of one target process.
type Unwinder struct {
	modules  ModuleResolver
	mem      remotememory.RemoteMemory
	maxSteps int
}

// New creates an Unwinder reading stack memory through mem and resolving
// code addresses through modules.
func New(cfg Config, modules ModuleResolver, mem remotememory.RemoteMemory) (*Unwinder, error) {
	if modules == nil {
		return nil, errors.New("module resolver must not be nil")
	}
	if !mem.Valid() {
		return nil, errors.New("remote memory must reference a target")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Unwinder{
		modules:  modules,
		mem:      mem,
		maxSteps: maxSteps,
	}, nil
}

// CanUnwindFrom reports whether TryUnwind can make progress from the given
// frame: its module must be known and carry unwind data. The decision
// depends only on the frame's module, performs no target reads and has no
// side effects.
func (u *Unwinder) CanUnwindFrom(frame *Frame) bool {
	return frame != nil && frame.Module.HasDeltas()
}

// frameStepper is the architecture specific part of the unwinder. A
// stepper interprets one frame's unwind rule, or the kernel signal frame
// layout, and advances the cursor's registers to the calling frame.
type frameStepper interface {
	StepOneFrame(c *cursor, info stackdelta.UnwindInfo) error
	StepSignalFrame(c *cursor) error
}

func stepperFor(machine elf.Machine) frameStepper {
	switch machine {
	case elf.EM_X86_64:
		return stepperX86{}
	case elf.EM_AARCH64:
		return stepperARM64{}
	}
	return nil
}

// TryUnwind walks the stack of a suspended thread whose register state is
// regs, appending one Frame per call level to *stack in leaf-first order.
// The first appended frame carries the captured program counter. stackTop
// is the first address past the thread's stack and bounds the walk.
//
// regs is borrowed exclusively for the duration of the call, must not be
// observed by any other goroutine while the call runs, and is mutated in
// place to the final register state reached, so a chained unwinder could
// continue where this one stopped. The target thread must stay suspended
// until TryUnwind returns; walking a running thread reads torn state.
//
// Frames appended before a mid-walk failure remain valid. When the walk
// aborts, a frame of kind FrameTruncated is appended after them.
func (u *Unwinder) TryUnwind(regs *Registers, stackTop libsw.Address,
	stack *[]Frame) UnwindResult {
	stepper := stepperFor(regs.Arch)
	if stepper == nil {
		return UnwindUnrecognizedFrame
	}
	mod, _ := u.modules.GetModuleForAddress(uint64(regs.PC))
	if !mod.HasDeltas() {
		// Not our code: no known module, or one whose unwind data could
		// not be extracted.
		return UnwindUnrecognizedFrame
	}
	if regs.SP == 0 || regs.SP >= stackTop {
		return UnwindAborted
	}

	c := cursor{
		regs:       regs,
		mem:        u.mem,
		stackTop:   stackTop,
		maxSteps:   u.maxSteps,
		firstFrame: true,
		lrValid:    true,
	}
	for {
		info, covered := mod.UnwindInfoForAddress(uint64(c.lookupPC()))
		kind := FrameNative
		if covered && info.Opcode == stackdelta.UnwindOpcodeCommand &&
			info.Param == stackdelta.UnwindCommandSignal {
			kind = FrameSignal
		}
		*stack = append(*stack, Frame{IP: regs.PC, Module: mod, Kind: kind})

		decision := c.advance(stepper, info, covered)
		if decision.stop {
			if decision.result == UnwindAborted {
				*stack = append(*stack, Frame{Kind: FrameTruncated})
			}
			return decision.result
		}

		mod, _ = u.modules.GetModuleForAddress(uint64(c.lookupPC()))
		if !mod.HasDeltas() {
			// The walk reached unknown or non-native code mid-stack.
			// Record the frame; the caller decides about chaining.
			*stack = append(*stack, Frame{IP: regs.PC, Module: mod})
			return UnwindUnrecognizedFrame
		}
	}
}
