// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

// x86-64 frame stepping. The filename ends with `_x86` instead of `_amd64`,
// so that the code can be taken into account regardless of the target build
// platform.

import (
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// Offsets from the stack pointer inside the signal return trampoline to the
// interrupted registers. The kernel builds a rt_sigframe on the stack; by
// the time execution is in the trampoline the 8-byte pretcode slot has been
// popped, leaving SP at the ucontext whose uc_mcontext starts 40 bytes in.
// https://elixir.bootlin.com/linux/v6.12/source/arch/x86/kernel/signal_64.c
const (
	x86SigframeRBP = 40 + 80
	x86SigframeRSP = 40 + 120
	x86SigframeRIP = 40 + 128
)

type stepperX86 struct{}

func (stepperX86) StepOneFrame(c *cursor, info stackdelta.UnwindInfo) error {
	regs := c.regs

	var cfa libsw.Address
	if info.Opcode == stackdelta.UnwindOpcodeCommand {
		if info.Param != stackdelta.UnwindCommandPLT {
			return fmt.Errorf("unsupported command %d", info.Param)
		}
		// The linker covers the whole PLT with one DWARF expression:
		//   cfa = rsp + 8 + ((rip & 15) >= 11 ? 8 : 0)
		// The latter half of each 16-byte slot runs with the relocation
		// index pushed on top of the return address.
		cfa = regs.SP + 8
		if regs.PC&15 >= 11 {
			cfa += 8
		}
	} else {
		v, err := c.resolveExpression(0, info.Opcode, info.Param)
		if err != nil {
			return fmt.Errorf("failed to resolve CFA: %w", err)
		}
		cfa = v
	}

	// The return address was pushed by the call.
	ra, err := c.mem.PtrChecked(cfa - 8)
	if err != nil {
		return fmt.Errorf("failed to read return address at 0x%x: %w", cfa-8, err)
	}

	// The FP rule yields the address the caller's RBP was saved at. A
	// failed load leaves FP zero so a later RBP relative rule fails
	// instead of walking garbage.
	var fp libsw.Address
	if info.FPOpcode != stackdelta.UnwindOpcodeCommand {
		if fpAddr, fpErr := c.resolveExpression(cfa, info.FPOpcode,
			info.FPParam); fpErr == nil {
			fp, _ = c.mem.PtrChecked(fpAddr)
		}
	} else if info.Opcode&^stackdelta.UnwindOpcodeFlagDeref !=
		stackdelta.UnwindOpcodeBaseFP {
		// No FP rule and RBP was not consumed for the CFA: the callee
		// kept it intact. When the CFA did come from RBP, leaving the
		// stale value in place would recompute this same frame forever.
		fp = regs.FP
	}

	regs.SP = cfa
	regs.PC = ra
	regs.FP = fp
	return nil
}

func (stepperX86) StepSignalFrame(c *cursor) error {
	regs := c.regs
	rip, err := c.mem.PtrChecked(regs.SP + x86SigframeRIP)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	rsp, err := c.mem.PtrChecked(regs.SP + x86SigframeRSP)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	rbp, err := c.mem.PtrChecked(regs.SP + x86SigframeRBP)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	regs.PC = rip
	regs.SP = rsp
	regs.FP = rbp
	return nil
}
