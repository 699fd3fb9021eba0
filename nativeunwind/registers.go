// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/process"
)

// x86-64 DWARF register numbers for the registers kept in the snapshot.
// These can appear as the base of register relative CFA rules.
const (
	x86DwarfRAX uint8 = 0
	x86DwarfR9  uint8 = 9
	x86DwarfR11 uint8 = 11
	x86DwarfR13 uint8 = 13
	x86DwarfR15 uint8 = 15
)

// Registers is the architecture tagged register snapshot the unwinder
// consumes. TryUnwind mutates it in place while walking, so it represents
// the registers of the frame currently being unwound, and after the call
// the final state reached.
type Registers struct {
	// Arch selects the stepping rules; EM_X86_64 or EM_AARCH64.
	Arch elf.Machine

	// PC, SP and FP are the instruction, stack and frame pointers.
	PC, SP, FP libsw.Address
	// LR is the ARM64 link register.
	LR libsw.Address

	// RAX, R9, R11, R13 and R15 back the register relative CFA rules
	// emitted for hand written x86-64 assembly (libcrypto). They are
	// snapshot values and only valid while unwinding the leaf frame.
	RAX, R9, R11, R13, R15 libsw.Address

	// CodePACMask and DataPACMask are the ARM64 pointer authentication
	// bit masks of the target, zero elsewhere.
	CodePACMask, DataPACMask uint64
}

// NT_PRSTATUS slot indexes, 8 bytes each. The x86-64 layout is the kernel
// user_regs_struct; the ARM64 one is user_pt_regs with regs[31], sp, pc.
const (
	x86RegsSlotR15 = 0
	x86RegsSlotR13 = 2
	x86RegsSlotRBP = 4
	x86RegsSlotR11 = 6
	x86RegsSlotR9  = 8
	x86RegsSlotRAX = 10
	x86RegsSlotRIP = 16
	x86RegsSlotRSP = 19
	x86RegsSlots   = 20

	armRegsSlotFP = 29
	armRegsSlotLR = 30
	armRegsSlotSP = 31
	armRegsSlotPC = 32
	armRegsSlots  = 33
)

// NewRegisters decodes the raw NT_PRSTATUS register dump of a thread, as
// captured by the process package, into the snapshot the unwinder works on.
func NewRegisters(md process.MachineData, gpRegs []byte) (Registers, error) {
	slot := func(i int) libsw.Address {
		return libsw.Address(binary.LittleEndian.Uint64(gpRegs[i*8:]))
	}
	switch md.Machine {
	case elf.EM_X86_64:
		if len(gpRegs) < x86RegsSlots*8 {
			return Registers{}, fmt.Errorf("truncated x86-64 register dump: %d bytes",
				len(gpRegs))
		}
		return Registers{
			Arch: elf.EM_X86_64,
			PC:   slot(x86RegsSlotRIP),
			SP:   slot(x86RegsSlotRSP),
			FP:   slot(x86RegsSlotRBP),
			RAX:  slot(x86RegsSlotRAX),
			R9:   slot(x86RegsSlotR9),
			R11:  slot(x86RegsSlotR11),
			R13:  slot(x86RegsSlotR13),
			R15:  slot(x86RegsSlotR15),
		}, nil
	case elf.EM_AARCH64:
		if len(gpRegs) < armRegsSlots*8 {
			return Registers{}, fmt.Errorf("truncated ARM64 register dump: %d bytes",
				len(gpRegs))
		}
		return Registers{
			Arch:        elf.EM_AARCH64,
			PC:          slot(armRegsSlotPC),
			SP:          slot(armRegsSlotSP),
			FP:          slot(armRegsSlotFP),
			LR:          slot(armRegsSlotLR),
			CodePACMask: md.CodePACMask,
			DataPACMask: md.DataPACMask,
		}, nil
	}
	return Registers{}, fmt.Errorf("unsupported machine %v", md.Machine)
}

// StripPAC removes the pointer authentication bits from a code address.
func (r *Registers) StripPAC(addr libsw.Address) libsw.Address {
	return addr &^ libsw.Address(r.CodePACMask)
}

// baseRegValue returns the snapshot value of the DWARF numbered register
// backing a register relative CFA rule.
func (r *Registers) baseRegValue(reg uint8) (libsw.Address, bool) {
	switch reg {
	case x86DwarfRAX:
		return r.RAX, true
	case x86DwarfR9:
		return r.R9, true
	case x86DwarfR11:
		return r.R11, true
	case x86DwarfR13:
		return r.R13, true
	case x86DwarfR15:
		return r.R15, true
	}
	return 0, false
}
