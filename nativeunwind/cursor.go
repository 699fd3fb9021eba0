// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
	"go.stackwalk.dev/ptrace-profiler/remotememory"
)

// stepDecision is the outcome of one unwind step: keep walking, or stop
// with a definite result. It replaces a nullable result so the two-outcome
// contract is visible in the type.
type stepDecision struct {
	stop   bool
	result UnwindResult
}

var decideContinue = stepDecision{}

func decideStop(result UnwindResult) stepDecision {
	return stepDecision{stop: true, result: result}
}

// cursor is the per-call state of one unwind walk. It lives on the stack
// of TryUnwind and is discarded when the call returns.
type cursor struct {
	regs     *Registers
	mem      remotememory.RemoteMemory
	stackTop libsw.Address
	maxSteps int
	steps    int

	// firstFrame is set while unwinding the frame the sample landed in.
	// Register relative CFA rules are valid only there.
	firstFrame bool
	// lrValid tracks whether the link register still holds the pending
	// return address. Any regular step clobbers it; recovering a signal
	// frame restores it.
	lrValid bool
	// returnAddress is set once the PC holds a return address rather
	// than a sampled instruction address.
	returnAddress bool
}

// lookupPC is the address unwind rules and modules are looked up at. A
// return address points one past its call, so it is rewound by one byte to
// attribute the frame to the call site.
func (c *cursor) lookupPC() libsw.Address {
	if c.returnAddress {
		return c.regs.PC - 1
	}
	return c.regs.PC
}

// advance performs one step of the walk: it interprets the unwind rule
// covering the current PC, lets the stepper recover the caller's registers
// and validates the result.
func (c *cursor) advance(stepper frameStepper, info stackdelta.UnwindInfo,
	covered bool) stepDecision {
	if c.steps >= c.maxSteps {
		return decideStop(UnwindAborted)
	}
	if !covered {
		// Inside a known module but below its first delta.
		return decideStop(UnwindAborted)
	}

	viaSignal := false
	if info.Opcode == stackdelta.UnwindOpcodeCommand {
		switch info.Param {
		case stackdelta.UnwindCommandStop:
			return decideStop(UnwindCompleted)
		case stackdelta.UnwindCommandSignal:
			viaSignal = true
		case stackdelta.UnwindCommandPLT:
			// Evaluated by the stepper.
		default:
			// UnwindCommandInvalid and anything unknown.
			return decideStop(UnwindAborted)
		}
	}

	oldSP := c.regs.SP
	// Leaf style frames keep the return address in a register and may
	// leave the stack pointer untouched, as may signal frame recovery.
	// Everything else must free stack space.
	relaxed := c.firstFrame || c.lrValid || viaSignal

	var err error
	if viaSignal {
		err = stepper.StepSignalFrame(c)
	} else {
		err = stepper.StepOneFrame(c, info)
	}
	if err != nil {
		return decideStop(UnwindAborted)
	}
	c.steps++
	c.firstFrame = false
	c.lrValid = viaSignal
	c.returnAddress = !viaSignal

	return c.checkPostconditions(oldSP, relaxed)
}

// checkPostconditions validates the register state a step produced.
func (c *cursor) checkPostconditions(oldSP libsw.Address, relaxed bool) stepDecision {
	newSP := c.regs.SP
	if newSP > c.stackTop {
		return decideStop(UnwindAborted)
	}
	if newSP == c.stackTop {
		// The stack is fully consumed.
		return decideStop(UnwindCompleted)
	}
	if relaxed {
		if newSP < oldSP {
			return decideStop(UnwindAborted)
		}
	} else if newSP <= oldSP {
		return decideStop(UnwindAborted)
	}
	if c.regs.PC == 0 {
		// A zero return address is the convention for the outermost
		// frame of a thread.
		return decideStop(UnwindCompleted)
	}
	return decideContinue
}

// resolveExpression computes the value of one packed unwind expression:
// the base selected by the opcode, plus the parameter, with an optional
// memory dereference in between. cfa is the base for UnwindOpcodeBaseCFA
// and must already be resolved by the caller.
func (c *cursor) resolveExpression(cfa libsw.Address, opcode uint8,
	param int32) (libsw.Address, error) {
	var addr libsw.Address
	switch opcode &^ stackdelta.UnwindOpcodeFlagDeref {
	case stackdelta.UnwindOpcodeBaseCFA:
		addr = cfa
	case stackdelta.UnwindOpcodeBaseSP:
		addr = c.regs.SP
	case stackdelta.UnwindOpcodeBaseFP:
		addr = c.regs.FP
	case stackdelta.UnwindOpcodeBaseReg:
		// The snapshot registers are stale past the leaf frame.
		if !c.firstFrame {
			return 0, fmt.Errorf("register relative rule outside the leaf frame")
		}
		reg, off := stackdelta.UnpackBaseRegParam(param)
		v, ok := c.regs.baseRegValue(reg)
		if !ok {
			return 0, fmt.Errorf("unsupported base register %d", reg)
		}
		return v + libsw.Address(int64(off)), nil
	default:
		return 0, fmt.Errorf("unsupported unwind opcode %#02x", opcode)
	}
	if opcode&stackdelta.UnwindOpcodeFlagDeref != 0 {
		preDeref, postDeref := stackdelta.UnpackDerefParam(param)
		v, err := c.mem.PtrChecked(addr + libsw.Address(int64(preDeref)))
		if err != nil {
			return 0, err
		}
		return v + libsw.Address(int64(postDeref)), nil
	}
	return addr + libsw.Address(int64(param)), nil
}
