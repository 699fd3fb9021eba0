// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

func TestUnwindInfoX86(t *testing.T) {
	tests := []struct {
		name             string
		row              ruleRow
		allowGenericRegs bool
		expected         stackdelta.UnwindInfo
	}{
		{
			name: "standard frame",
			row: ruleRow{
				cfa: regRule{base: x86RegRSP, off: 16},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleCFA, off: -16},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 16,
				FPOpcode: stackdelta.UnwindOpcodeBaseCFA, FPParam: -16,
			},
		},
		{
			name: "frame pointer based",
			row: ruleRow{
				cfa: regRule{base: x86RegRBP, off: 16},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleCFA, off: -16},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseFP, Param: 16,
				FPOpcode: stackdelta.UnwindOpcodeBaseCFA, FPParam: -16,
			},
		},
		{
			// __vfork keeps the return address in RDI. Unsupported.
			name: "return address in register",
			row: ruleRow{
				cfa: regRule{base: x86RegRSP, off: 8},
				ra:  regRule{base: x86RegRDI, off: 0},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfoInvalid,
		},
		{
			// musl __clone pops the return address early.
			name: "return address popped",
			row: ruleRow{
				cfa: regRule{base: x86RegRSP, off: 8},
				ra:  regRule{base: ruleCFA, off: -16},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfoStop,
		},
		{
			name: "undefined cfa",
			row: ruleRow{
				cfa: regRule{base: ruleUndef},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfoStop,
		},
		{
			name: "plt entry",
			row: ruleRow{
				cfa: regRule{base: rulePLT},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeCommand,
				Param:  stackdelta.UnwindCommandPLT,
			},
		},
		{
			// OpenSSL: CFA = *(RSP+8) + 16
			name: "dereferenced cfa",
			row: ruleRow{
				cfa: regRule{base: ruleRegDeref, off: packOps(int16(x86RegRSP), 0, 8, 16)},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseSP | stackdelta.UnwindOpcodeFlagDeref,
				Param:  10,
			},
		},
		{
			name: "generic register cfa",
			row: ruleRow{
				cfa: regRule{base: x86RegRAX, off: 8},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleUndef},
			},
			allowGenericRegs: true,
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseReg,
				Param:  8 << 6,
			},
		},
		{
			name: "generic register cfa denied",
			row: ruleRow{
				cfa: regRule{base: x86RegRAX, off: 8},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleUndef},
			},
			expected: stackdelta.UnwindInfoInvalid,
		},
		{
			// RBP stored above the CFA cannot be right.
			name: "frame pointer above cfa",
			row: ruleRow{
				cfa: regRule{base: x86RegRSP, off: 16},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleCFA, off: 8},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 16,
			},
		},
		{
			name: "frame pointer from expression",
			row: ruleRow{
				cfa: regRule{base: x86RegRSP, off: 16},
				ra:  regRule{base: ruleCFA, off: -8},
				fp:  regRule{base: ruleRegOff, off: packOps(int16(x86RegRBP), 0, -24, 0)},
			},
			expected: stackdelta.UnwindInfo{
				Opcode: stackdelta.UnwindOpcodeBaseSP, Param: 16,
				FPOpcode: stackdelta.UnwindOpcodeBaseFP, FPParam: -24,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := tt.row.unwindInfoX86(tt.allowGenericRegs)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestMatchEntryX86(t *testing.T) {
	// The musl _start assembly this matcher is written against:
	//   48 31 ed             xor    %rbp,%rbp
	//   48 89 e7             mov    %rsp,%rdi
	//   48 8d 35 e6 d8 00 00 lea    0xd8e6(%rip),%rsi
	//   48 83 e4 f0          and    $0xfffffffffffffff0,%rsp
	//   e8 00 00 00 00       call   <next insn>
	//   31 c0                xor    %eax,%eax
	//   eb fe                jmp    <self>
	muslEntry := append([]byte{
		0x48, 0x31, 0xed,
		0x48, 0x89, 0xe7,
		0x48, 0x8d, 0x35, 0xe6, 0xd8, 0x00, 0x00,
		0x48, 0x83, 0xe4, 0xf0,
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0x31, 0xc0,
		0xeb, 0xfe,
	}, make([]byte, 6)...)

	// glibc _start begins with endbr64 and has a proper FDE. No match wanted.
	glibcEntry := append([]byte{
		0xf3, 0x0f, 0x1e, 0xfa,
		0x31, 0xed,
		0x49, 0x89, 0xd1,
	}, make([]byte, 23)...)

	tests := []struct {
		name     string
		code     []byte
		expected int
	}{
		{name: "musl entry", code: muslEntry, expected: 26},
		{name: "truncated", code: muslEntry[:20], expected: 0},
		{name: "glibc entry", code: glibcEntry, expected: 0},
		{name: "garbage", code: make([]byte, 64), expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchEntryX86(tt.code))
		})
	}
}
