// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

// The ARM64 side of stack delta extraction. The file is named `_aarch64`
// rather than `_arm64` so it is compiled on every target platform.

import (
	"bytes"
	"debug/elf"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

const (
	// Aarch64 ABI
	armRegX0  uleb128 = 0
	armRegX1  uleb128 = 1
	armRegX2  uleb128 = 2
	armRegX3  uleb128 = 3
	armRegX4  uleb128 = 4
	armRegX5  uleb128 = 5
	armRegX6  uleb128 = 6
	armRegX7  uleb128 = 7
	armRegX8  uleb128 = 8
	armRegX9  uleb128 = 9
	armRegX10 uleb128 = 10
	armRegX11 uleb128 = 11
	armRegX12 uleb128 = 12
	armRegX13 uleb128 = 13
	armRegX14 uleb128 = 14
	armRegX15 uleb128 = 15
	armRegX16 uleb128 = 16
	armRegX17 uleb128 = 17
	armRegX18 uleb128 = 18
	armRegX19 uleb128 = 19
	armRegX20 uleb128 = 20
	armRegX21 uleb128 = 21
	armRegX22 uleb128 = 22
	armRegX23 uleb128 = 23
	armRegX24 uleb128 = 24
	armRegX25 uleb128 = 25
	armRegX26 uleb128 = 26
	armRegX27 uleb128 = 27
	armRegX28 uleb128 = 28
	armRegFP  uleb128 = 29
	armRegLR  uleb128 = 30
	armRegSP  uleb128 = 31
	armRegPC  uleb128 = 32

	armLastReg uleb128 = iota
)

// newRuleRowARM returns the default rule row for ARM64. Callee saved
// registers start out unchanged, so the frame pointer and the link
// register default to their current values rather than to undefined.
func newRuleRowARM() ruleRow {
	return ruleRow{
		arch: elf.EM_AARCH64,
		cfa:  regRule{arch: elf.EM_AARCH64, base: ruleUndef},
		fp:   regRule{arch: elf.EM_AARCH64, base: ruleSame},
		ra:   regRule{arch: elf.EM_AARCH64, base: ruleSame},
	}
}

// regNameARM names an ARM64 DWARF register number.
func regNameARM(reg uleb128) string {
	switch reg {
	case armRegFP:
		return "fp"
	case armRegLR:
		return "lr"
	case armRegSP:
		return "sp"
	case armRegPC:
		return "pc"
	default:
		if reg < armLastReg {
			return fmt.Sprintf("x%d", reg)
		}
		return fmt.Sprintf("?%d", reg)
	}
}

// slotARM maps an ARM64 DWARF register number to its tracked rule.
func (row *ruleRow) slotARM(ndx uleb128) *regRule {
	switch ndx {
	case armRegFP:
		return &row.fp
	case armRegLR:
		return &row.ra
	default:
		return nil
	}
}

// unwindInfoARM translates the row into packed ARM64 unwind info.
func (row *ruleRow) unwindInfoARM() stackdelta.UnwindInfo {
	// An undefined CFA may never occur on ARM64, the CIE programs seen so
	// far all point it at SP. Handle it anyway.
	if row.cfa.base == ruleUndef {
		return stackdelta.UnwindInfoStop
	}

	// An undefined RA (X30/LR) marks entry point and end-of-stack
	// functions.
	if row.ra.base == ruleUndef {
		return stackdelta.UnwindInfoStop
	}

	var info stackdelta.UnwindInfo

	// The CFA rule. Compilers emit only plain register plus offset here,
	// based on FP or SP.
	switch row.cfa.base {
	case armRegFP:
		info.Opcode = stackdelta.UnwindOpcodeBaseFP
		info.Param = int32(row.cfa.off)
	case armRegSP:
		info.Opcode = stackdelta.UnwindOpcodeBaseSP
		info.Param = int32(row.cfa.off)
	}

	// The return address rule rides in the FP opcode slot.
	switch row.ra.base {
	case ruleSame:
		// Inside prologs and epilogs the return address still sits in the
		// link register: the call loaded it there, and the epilog reloads
		// it from the stack before ret.
		info.FPOpcode = stackdelta.UnwindOpcodeBaseLR
		info.FPParam = 0
	case ruleCFA:
		// The return address is in the frame record on the stack, with
		// the saved frame pointer one slot below it.
		info.FPOpcode = stackdelta.UnwindOpcodeBaseCFA
		info.FPParam = int32(row.ra.off)
	}

	return info
}

// matchEntryARM matches the process entry code against the known libc
// patterns, returning its length or zero. Neither glibc nor musl covers
// the entry with an FDE. They differ in the closing branch: glibc calls
// the next stage with BL, musl jumps with B so the entry never shows up
// in walked stacks.
func matchEntryARM(code []byte) int {
	// Both start by zeroing FP and LR.
	if len(code) < 32 ||
		!bytes.Equal(code[:8], []byte{0x1d, 0x00, 0x80, 0xd2, 0x1e, 0x00, 0x80, 0xd2}) {
		return 0
	}

	// Scan for the second B or BL, accepting a small set of opcodes in
	// between.
	numBranch := 0
	for pos := 8; pos < len(code); pos += 4 {
		inst, err := arm64asm.Decode(code[pos:])
		if err != nil {
			return 0
		}
		switch inst.Op {
		case arm64asm.ADD, arm64asm.ADRP, arm64asm.AND, arm64asm.LDR,
			arm64asm.MOV, arm64asm.MOVK, arm64asm.MOVZ:
			// allowed filler
		case arm64asm.B, arm64asm.BL:
			numBranch++
			if numBranch == 2 {
				return pos + 4
			}
		default:
			return 0
		}
	}
	return 0
}
