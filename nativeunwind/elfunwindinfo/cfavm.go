// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

// The call frame instruction interpreter. Running a CIE or FDE instruction
// program produces one table row per covered address: the rule to recompute
// the canonical frame address, and the rules to recover the frame pointer
// and the return address from it. Only those three columns are tracked;
// everything else the instructions touch is accepted and ignored.

import (
	"debug/elf"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// DWARF call frame instruction opcodes.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0

	// The primary opcodes carry their operand in the low six bits.
	cfaPrimaryMask cfaOpcode = 0xc0
	cfaOperandMask cfaOpcode = 0x3f
)

// DWARF expression opcodes, the subset that occurs in .eh_frame programs.
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
type exprOpcode uint8

const (
	opDeref      exprOpcode = 0x06
	opConstU     exprOpcode = 0x10
	opConstS     exprOpcode = 0x11
	opRot        exprOpcode = 0x17
	opAnd        exprOpcode = 0x1a
	opMul        exprOpcode = 0x1e
	opPlus       exprOpcode = 0x22
	opPlusUConst exprOpcode = 0x23
	opShl        exprOpcode = 0x24
	opGE         exprOpcode = 0x2a
	opNE         exprOpcode = 0x2e
	opLit0       exprOpcode = 0x30
	opBReg0      exprOpcode = 0x70
)

// exprOp is one decoded expression operation with inline operands
// separated out, so that expressions can be matched as opcode sequences.
type exprOp struct {
	op   exprOpcode
	arg1 uleb128
	arg2 uleb128
}

// Rule bases beyond the DWARF register numbers. The values below 256 fit
// the space reserved for register extensions; the expression bases above
// carry their operands packed into the rule offset.
const (
	ruleUndef       uleb128 = 128
	ruleCFA         uleb128 = 129
	ruleCFAVal      uleb128 = 130
	ruleSame        uleb128 = 131
	rulePLT         uleb128 = 256
	ruleRegDeref    uleb128 = 257
	ruleRegRegDeref uleb128 = 258
	ruleRegOff      uleb128 = 259
)

// regRule is the recovery rule for one tracked register: a base (a machine
// register, a pseudo base, or a recognized expression) plus an offset.
type regRule struct {
	arch elf.Machine
	// base register or rule extension
	base uleb128
	// off is added to the base, or carries packed expression operands
	off sleb128
}

// packOps packs four 16-bit operands into a rule offset.
func packOps(a, b, c, d int16) sleb128 {
	return sleb128((uleb128(uint16(a)) << 48) + (uleb128(uint16(b)) << 32) +
		(uleb128(uint16(c)) << 16) + uleb128(uint16(d)))
}

// unpackOps recovers the four operands packOps packed.
func unpackOps(off sleb128) (a, b, c, d int16) {
	return int16(off >> 48), int16(off >> 32), int16(off >> 16), int16(off)
}

// pseudoRegName names the rule extension bases for the trace log.
func pseudoRegName(base uleb128) string {
	switch base {
	case ruleCFA:
		return "c"
	case ruleCFAVal:
		return "&c"
	case ruleUndef:
		return "u"
	case ruleSame:
		return "s"
	default:
		return fmt.Sprintf("r%d", base)
	}
}

// regName names a DWARF register number for the trace log.
func regName(arch elf.Machine, reg uleb128) string {
	switch {
	case reg >= ruleUndef:
		return pseudoRegName(reg)
	case arch == elf.EM_AARCH64:
		return regNameARM(reg)
	case arch == elf.EM_X86_64:
		return regNameX86(reg)
	default:
		return fmt.Sprintf("unk%d", reg)
	}
}

func (rule *regRule) String() string {
	if rule.base < rulePLT {
		name := regName(rule.arch, rule.base)
		if rule.off == 0 {
			return name
		}
		return fmt.Sprintf("%s%+d", name, rule.off)
	}
	switch rule.base {
	case rulePLT:
		return "plt"
	case ruleRegOff:
		a, _, b, _ := unpackOps(rule.off)
		return fmt.Sprintf("%s%+d", regName(rule.arch, uleb128(a)), b)
	case ruleRegDeref:
		a, _, b, c := unpackOps(rule.off)
		return fmt.Sprintf("*(%s%+d)%+d",
			regName(rule.arch, uleb128(a)), b, c)
	case ruleRegRegDeref:
		a, b, c, d := unpackOps(rule.off)
		return fmt.Sprintf("*(%s+8*%s+%d)%+d",
			regName(rule.arch, uleb128(a)), regName(rule.arch, uleb128(b)), c, d)
	default:
		return "?"
	}
}

// matchOps reports whether ops follows the given opcode sequence.
func matchOps(ops []exprOp, sequence []exprOpcode) bool {
	if len(ops) != len(sequence) {
		return false
	}
	for i := range ops {
		if ops[i].op != sequence[i] {
			return false
		}
	}
	return true
}

// fromExpression assigns the rule from a DWARF expression. Arbitrary
// expressions cannot be evaluated during an unwind, so only the handful of
// shapes compilers are known to emit is recognized.
func (rule *regRule) fromExpression(ops []exprOp) error {
	rule.base = ruleUndef
	rule.off = 0

	switch {
	case matchOps(ops, []exprOpcode{
		opBReg0, opBReg0, opLit0, opAnd,
		opLit0, opGE, opLit0, opShl, opPlus,
	}):
		// The PLT entry expression GCC emits. The operand values do not
		// matter for recognizing it.
		rule.base = rulePLT
	case matchOps(ops, []exprOpcode{opBReg0}):
		// Plain register plus offset, seen for RBP in SSE vectorized code.
		rule.base = ruleRegOff
		rule.off = packOps(int16(ops[0].arg1), 0, int16(ops[0].arg2), 0)
	case matchOps(ops, []exprOpcode{opBReg0, opDeref}):
		// Dereferenced register, seen for the CFA in SSE vectorized code.
		rule.base = ruleRegDeref
		rule.off = packOps(int16(ops[0].arg1), 0, int16(ops[0].arg2), 0)
	case matchOps(ops, []exprOpcode{opBReg0, opDeref, opPlusUConst}):
		// Dereferenced register with a constant added, seen in openssl
		// libcrypto.
		rule.base = ruleRegDeref
		rule.off = packOps(int16(ops[0].arg1), 0, int16(ops[0].arg2),
			int16(ops[2].arg1))
	case matchOps(ops, []exprOpcode{
		opBReg0, opBReg0, opLit0, opMul,
		opPlus, opDeref, opPlusUConst,
	}) &&
		ops[1].arg2 == 0 && ops[2].arg1 == 8:
		// Register plus scaled register, dereferenced. Also openssl
		// libcrypto.
		rule.base = ruleRegRegDeref
		rule.off = packOps(
			int16(ops[0].arg1), int16(ops[1].arg1),
			int16(ops[0].arg2), int16(ops[6].arg1))
	default:
		return fmt.Errorf("DWARF expression unmatched: %x", ops)
	}
	return nil
}

// ruleRow is one row of the call frame table: the rules in effect for the
// canonical frame address, the frame pointer and the return address.
type ruleRow struct {
	arch elf.Machine
	cfa  regRule
	fp   regRule
	ra   regRule
}

// slot returns the tracked rule the DWARF register number maps to, or nil
// for registers this code does not track.
func (row *ruleRow) slot(reg uleb128) *regRule {
	switch row.arch {
	case elf.EM_AARCH64:
		return row.slotARM(reg)
	case elf.EM_X86_64:
		return row.slotX86(reg)
	default:
		return nil
	}
}

// unwindInfo converts the row into the packed unwind info the deltas carry.
func (row *ruleRow) unwindInfo(allowGenericRegs bool) stackdelta.UnwindInfo {
	switch row.arch {
	case elf.EM_AARCH64:
		return row.unwindInfoARM()
	case elf.EM_X86_64:
		return row.unwindInfoX86(allowGenericRegs)
	default:
		return stackdelta.UnwindInfoInvalid
	}
}

// newRuleRow returns the default row for the architecture.
func newRuleRow(arch elf.Machine) ruleRow {
	switch arch {
	case elf.EM_AARCH64:
		return newRuleRowARM()
	case elf.EM_X86_64:
		return newRuleRowX86()
	default:
		return ruleRow{
			arch: arch,
			cfa:  regRule{arch: arch, base: ruleUndef},
			fp:   regRule{arch: arch, base: ruleUndef},
			ra:   regRule{arch: arch, base: ruleUndef},
		}
	}
}

// cfaVM executes call frame instruction programs.
type cfaVM struct {
	// cie the program belongs to, for the alignment factors and encodings
	cie *cieRecord
	// loc is the address the current row applies from
	loc uint64
	// row is the register rules built so far
	row ruleRow
	// saved holds rows pushed by remember-state instructions
	saved [2]ruleRow
	// depth is the number of rows currently pushed
	depth int
}

// advance moves the current location forward by a code-aligned delta.
func (vm *cfaVM) advance(delta int) {
	vm.loc += uint64(delta * int(vm.cie.codeAlign))
}

// setRule points the rule for a DWARF register at base plus a data-aligned
// offset.
func (vm *cfaVM) setRule(reg, base uleb128, off sleb128) {
	if rule := vm.row.slot(reg); rule != nil {
		rule.base = base
		rule.off = off * vm.cie.dataAlign
	}
}

// restoreRule resets a register's rule to its state after the CIE program.
func (vm *cfaVM) restoreRule(reg uleb128) {
	if to := vm.row.slot(reg); to != nil {
		*to = *vm.cie.initialRow.slot(reg)
	}
}

// step executes instructions until the program defines a new location, so
// that the caller can observe every completed table row. Returns with nil
// when the program ends.
func (vm *cfaVM) step(d *decoder) error {
	var err error

	for d.hasData() {
		opcode := cfaOpcode(d.u8())
		operand := uint8(0)

		// Primary opcodes pack their operand into the low bits.
		if opcode&cfaPrimaryMask != 0 {
			operand = uint8(opcode & cfaOperandMask)
			opcode &= cfaPrimaryMask
		}

		switch opcode {
		case cfaNop:
		case cfaSetLoc:
			vm.loc, err = d.ptr(vm.cie.ptrEnc)
			return err
		case cfaAdvanceLoc1:
			vm.advance(int(d.u8()))
			return nil
		case cfaAdvanceLoc2:
			vm.advance(int(d.u16()))
			return nil
		case cfaAdvanceLoc4:
			vm.advance(int(d.u32()))
			return nil
		case cfaOffsetExtended:
			vm.setRule(d.uleb(), ruleCFA, sleb128(d.uleb()))
		case cfaRestoreExtended:
			vm.restoreRule(d.uleb())
		case cfaUndefined:
			vm.setRule(d.uleb(), ruleUndef, 0)
		case cfaSameValue:
			vm.setRule(d.uleb(), ruleSame, 0)
		case cfaRegister:
			vm.setRule(d.uleb(), d.uleb(), 0)
		case cfaRememberState:
			if vm.depth >= len(vm.saved) {
				return fmt.Errorf("dwarf stack overflow at %x", vm.loc)
			}
			vm.saved[vm.depth] = vm.row
			vm.depth++
		case cfaRestoreState:
			if vm.depth == 0 {
				return fmt.Errorf("dwarf stack underflow at %x", vm.loc)
			}
			vm.depth--
			vm.row = vm.saved[vm.depth]
		case cfaDefCfa:
			vm.row.cfa.base = d.uleb()
			vm.row.cfa.off = sleb128(d.uleb())
		case cfaDefCfaRegister:
			vm.row.cfa.base = d.uleb()
		case cfaDefCfaOffset:
			vm.row.cfa.off = sleb128(d.uleb())
		case cfaDefCfaExpression:
			ops, opsErr := d.readExpression()
			if opsErr == nil {
				opsErr = vm.row.cfa.fromExpression(ops)
			}
			if opsErr != nil {
				log.Debugf("DWARF expression error (CFA): %v", opsErr)
			}
		case cfaExpression:
			reg := d.uleb()
			ops, opsErr := d.readExpression()
			if rule := vm.row.slot(reg); opsErr == nil && rule != nil {
				opsErr = rule.fromExpression(ops)
				if opsErr != nil && reg == x86RegRBP {
					log.Debugf("DWARF expression error (RBP): %v", opsErr)
				}
			}
		case cfaOffsetExtendedSf:
			vm.setRule(d.uleb(), ruleCFA, d.sleb())
		case cfaDefCfaSf:
			vm.row.cfa.base = d.uleb()
			vm.row.cfa.off = d.sleb() * vm.cie.dataAlign
		case cfaDefCfaOffsetSf:
			vm.row.cfa.off = d.sleb() * vm.cie.dataAlign
		case cfaValOffset:
			vm.setRule(d.uleb(), ruleCFAVal, sleb128(d.uleb()))
		case cfaValOffsetSf:
			vm.setRule(d.uleb(), ruleCFAVal, d.sleb())
		case cfaValExpression:
			// Value expressions are not evaluated. Mark the register
			// unrecoverable and skip the expression bytes.
			vm.setRule(d.uleb(), ruleUndef, 0)
			d.skip(uintptr(d.uleb()))
		case cfaGNUWindowSave:
		case cfaGNUArgsSize:
			// The frame has callee-removed arguments. The CFA base is
			// practically always RBP then (glibc's libstdc++ has these),
			// which unwinds fine without knowing the argument size.
			d.uleb()
		case cfaGNUNegOffsetExtended:
			vm.setRule(d.uleb(), ruleCFA, -d.sleb())
		case cfaAdvanceLoc:
			vm.advance(int(operand))
			return nil
		case cfaOffset:
			vm.setRule(uleb128(operand), ruleCFA, sleb128(d.uleb()))
		case cfaRestore:
			vm.restoreRule(uleb128(operand))
		default:
			return fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
		}
	}
	return nil
}
