// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

// ARM64 frame stepping. The filename ends with `_aarch64` instead of
// `_arm64`, so that the code can be taken into account regardless of the
// target build platform.

import (
	"errors"
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// Offsets from the stack pointer inside the vDSO sigreturn trampoline to
// the interrupted registers. The ARM64 rt_sigframe starts with 128 bytes
// of siginfo, followed by the ucontext whose uc_mcontext sits at offset
// 176: fault_address, then regs[31], sp and pc.
// https://elixir.bootlin.com/linux/v6.12/source/arch/arm64/kernel/signal.c
const (
	armSigframeFP = 128 + 176 + 8 + 29*8
	armSigframeLR = 128 + 176 + 8 + 30*8
	armSigframeSP = 128 + 176 + 8 + 31*8
	armSigframePC = 128 + 176 + 8 + 32*8
)

type stepperARM64 struct{}

func (stepperARM64) StepOneFrame(c *cursor, info stackdelta.UnwindInfo) error {
	regs := c.regs

	if info.Opcode == stackdelta.UnwindOpcodeCommand {
		// The ARM64 PLT needs no expression: it clobbers only x16/x17.
		return fmt.Errorf("unsupported command %d", info.Param)
	}
	cfa, err := c.resolveExpression(0, info.Opcode, info.Param)
	if err != nil {
		return fmt.Errorf("failed to resolve CFA: %w", err)
	}

	var ra, fp libsw.Address
	switch info.FPOpcode {
	case stackdelta.UnwindOpcodeBaseLR:
		// Prologue or epilogue code where the return address has not
		// been stored to the frame record yet, or was already reloaded.
		// Past the leaf frame the link register has been overwritten by
		// the calls in between and cannot be trusted.
		if !c.lrValid {
			return errors.New("link register rule past the leaf frame")
		}
		ra = regs.LR
		fp = regs.FP
	default:
		raAddr, raErr := c.resolveExpression(cfa, info.FPOpcode, info.FPParam)
		if raErr != nil {
			return fmt.Errorf("failed to resolve return address: %w", raErr)
		}
		ra, raErr = c.mem.PtrChecked(raAddr)
		if raErr != nil {
			return fmt.Errorf("failed to read return address at 0x%x: %w",
				raAddr, raErr)
		}
		// The frame record stores the saved FP one slot below the LR. A
		// failed load leaves FP zero so a later FP relative rule fails
		// instead of walking garbage.
		fp, _ = c.mem.PtrChecked(raAddr - 8)
	}

	regs.SP = cfa
	regs.PC = regs.StripPAC(ra)
	regs.FP = fp
	return nil
}

func (stepperARM64) StepSignalFrame(c *cursor) error {
	regs := c.regs
	pc, err := c.mem.PtrChecked(regs.SP + armSigframePC)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	sp, err := c.mem.PtrChecked(regs.SP + armSigframeSP)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	fp, err := c.mem.PtrChecked(regs.SP + armSigframeFP)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	lr, err := c.mem.PtrChecked(regs.SP + armSigframeLR)
	if err != nil {
		return fmt.Errorf("failed to read signal frame: %w", err)
	}
	regs.PC = regs.StripPAC(pc)
	regs.SP = sp
	regs.FP = fp
	regs.LR = lr
	return nil
}
