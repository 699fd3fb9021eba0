// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

// The x86-64 side of stack delta extraction. The file is named `_x86`
// rather than `_amd64` so it is compiled on every target platform.

import (
	"bytes"
	"debug/elf"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

const (
	// x86_64 abi (https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf, page 57)
	x86RegRAX uleb128 = 0
	x86RegRDX uleb128 = 1
	x86RegRCX uleb128 = 2
	x86RegRBX uleb128 = 3
	x86RegRSI uleb128 = 4
	x86RegRDI uleb128 = 5
	x86RegRBP uleb128 = 6
	x86RegRSP uleb128 = 7
	x86RegR8  uleb128 = 8
	x86RegR9  uleb128 = 9
	x86RegR10 uleb128 = 10
	x86RegR11 uleb128 = 11
	x86RegR12 uleb128 = 12
	x86RegR13 uleb128 = 13
	x86RegR14 uleb128 = 14
	x86RegR15 uleb128 = 15
	x86RegRIP uleb128 = 16

	x86LastReg uleb128 = iota
)

// newRuleRowX86 returns the default rule row for x86-64.
func newRuleRowX86() ruleRow {
	return ruleRow{
		arch: elf.EM_X86_64,
		cfa:  regRule{arch: elf.EM_X86_64, base: ruleUndef},
		fp:   regRule{arch: elf.EM_X86_64, base: ruleUndef},
		ra:   regRule{arch: elf.EM_X86_64, base: ruleUndef},
	}
}

// regNameX86 names an x86-64 DWARF register number.
func regNameX86(reg uleb128) string {
	switch reg {
	case x86RegRAX:
		return "rax"
	case x86RegRDX:
		return "rdx"
	case x86RegRCX:
		return "rcx"
	case x86RegRBX:
		return "rbx"
	case x86RegRSI:
		return "rsi"
	case x86RegRDI:
		return "rdi"
	case x86RegRBP:
		return "rbp"
	case x86RegRSP:
		return "rsp"
	default:
		if reg < x86LastReg {
			return fmt.Sprintf("r%d", reg)
		}
		return fmt.Sprintf("?%d", reg)
	}
}

// slotX86 maps an x86-64 DWARF register number to its tracked rule.
func (row *ruleRow) slotX86(ndx uleb128) *regRule {
	switch ndx {
	case x86RegRBP:
		return &row.fp
	case x86RegRIP:
		return &row.ra
	default:
		return nil
	}
}

// unwindInfoX86 translates the row into packed x86-64 unwind info.
func (row *ruleRow) unwindInfoX86(allowGenericRegs bool) stackdelta.UnwindInfo {
	// Without a CFA and a return address rule there is nothing to unwind.
	if row.cfa.base == ruleUndef || row.ra.base == ruleUndef {
		return stackdelta.UnwindInfoStop
	}

	// A return address already popped off the stack could mean invalid or
	// stop depending on context. What actually hits this rule is musl's
	// thread start __clone, so treat it as a clean stop; frames genuinely
	// in the invalid window are statistically irrelevant.
	if row.ra.base == ruleCFA && row.cfa.base == x86RegRSP && row.cfa.off+row.ra.off < 0 {
		return stackdelta.UnwindInfoStop
	}

	// Anything but the ABI standard RA=CFA-8 is not unwindable, e.g.
	// __vfork parking the return address in a register.
	if row.ra.base != ruleCFA || row.ra.off != -8 {
		return stackdelta.UnwindInfoInvalid
	}

	// CFA=RSP+0 would put the return address below the CFA. Never valid.
	if row.cfa.base == x86RegRSP && row.cfa.off == 0 {
		return stackdelta.UnwindInfoInvalid
	}

	info := stackdelta.UnwindInfo{}

	// The frame pointer recovery rule.
	switch row.fp.base {
	case ruleCFA:
		// Accept only an RBP stored between the CFA and the stack top.
		if row.cfa.base != x86RegRSP || (row.fp.off < 0 && row.fp.off >= -row.cfa.off) {
			info.FPOpcode = stackdelta.UnwindOpcodeBaseCFA
			info.FPParam = int32(row.fp.off)
		}
	case ruleRegOff:
		// RBP recovered from itself plus an offset.
		if r, _, offrbp, _ := unpackOps(row.fp.off); uleb128(r) == x86RegRBP {
			info.FPOpcode = stackdelta.UnwindOpcodeBaseFP
			info.FPParam = int32(offrbp)
		}
	}

	// The stack pointer recovery rule.
	switch row.cfa.base {
	case x86RegRBP:
		info.Opcode = stackdelta.UnwindOpcodeBaseFP
		info.Param = int32(row.cfa.off)
	case x86RegRSP:
		info.Opcode = stackdelta.UnwindOpcodeBaseSP
		info.Param = int32(row.cfa.off)
	case x86RegRAX, x86RegR9, x86RegR11, x86RegR15:
		// Handwritten assembly in openssl's libcrypto keeps the CFA
		// directly in one of these scratch registers. The functions call
		// nothing that would clobber them, so accept the rule there. The
		// unwinder honors it for the topmost frame only.
		if allowGenericRegs {
			if param, ok := stackdelta.PackBaseRegParam(uint8(row.cfa.base),
				int32(row.cfa.off)); ok {
				info.Opcode = stackdelta.UnwindOpcodeBaseReg
				info.Param = param
			}
		}
	case rulePLT:
		return stackdelta.UnwindInfo{
			Opcode: stackdelta.UnwindOpcodeCommand,
			Param:  stackdelta.UnwindCommandPLT,
		}
	case ruleRegDeref:
		reg, _, off, off2 := unpackOps(row.cfa.off)
		if param, ok := stackdelta.PackDerefParam(int32(off), int32(off2)); ok {
			switch uleb128(reg) {
			case x86RegRBP:
				// GCC SSE vectorized functions
				info.Opcode = stackdelta.UnwindOpcodeBaseFP | stackdelta.UnwindOpcodeFlagDeref
				info.Param = param
			case x86RegRSP:
				// OpenSSL assembly using SSE/AVX
				info.Opcode = stackdelta.UnwindOpcodeBaseSP | stackdelta.UnwindOpcodeFlagDeref
				info.Param = param
			}
		}
	}
	if info.Opcode == stackdelta.UnwindOpcodeCommand {
		return stackdelta.UnwindInfoInvalid
	}
	return info
}

// matchEntryX86 matches the process entry code against the known musl
// pattern, returning its length or zero. On glibc the entry carries its
// own FDE and needs no fixup; on musl it has none, or one covering only a
// part of it.
func matchEntryX86(code []byte) int {
	// The pattern, from https://git.musl-libc.org/cgit/musl/tree/arch/x86_64/crt_arch.h:
	//   xor    %rbp,%rbp
	//   mov    %rsp,%rdi
	//   lea    <offset>(%rip),%rsi
	//   and    $0xfffffffffffffff0,%rsp
	//   call   <offset>
	//   ... (more instructions)
	//   jmp    <offset>

	// The head is matched byte for byte, except for the LEA offset.
	if len(code) < 32 ||
		!bytes.Equal(code[:9], []byte{0x48, 0x31, 0xed, 0x48, 0x89, 0xe7, 0x48, 0x8d, 0x35}) ||
		!bytes.Equal(code[13:22], []byte{0x48, 0x83, 0xe4, 0xf0, 0xe8, 0x00, 0x00, 0x00, 0x00}) {
		return 0
	}

	// The tail varies between versions. Decode it, accepting a small set
	// of opcodes until the closing JMP.
	for pos := 22; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			return 0
		}
		switch inst.Op {
		case x86asm.MOV, x86asm.LEA, x86asm.XOR:
			pos += inst.Len
		case x86asm.JMP:
			return pos + inst.Len
		default:
			return 0
		}
	}
	return 0
}
