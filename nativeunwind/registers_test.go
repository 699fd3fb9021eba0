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
	"go.stackwalk.dev/ptrace-profiler/process"
)

func regsBlob(slots int, values map[int]uint64) []byte {
	blob := make([]byte, slots*8)
	for slot, val := range values {
		binary.LittleEndian.PutUint64(blob[slot*8:], val)
	}
	return blob
}

func TestNewRegistersX86(t *testing.T) {
	// user_regs_struct is 27 slots; the unwinder reads the first 20.
	blob := regsBlob(27, map[int]uint64{
		x86RegsSlotR15: 0x15,
		x86RegsSlotR13: 0x13,
		x86RegsSlotRBP: 0x7fe0,
		x86RegsSlotR11: 0x11,
		x86RegsSlotR9:  0x09,
		x86RegsSlotRAX: 0xaa,
		x86RegsSlotRIP: 0x401234,
		x86RegsSlotRSP: 0x7fd0,
	})
	regs, err := NewRegisters(process.MachineData{Machine: elf.EM_X86_64}, blob)
	require.NoError(t, err)

	assert.Equal(t, elf.EM_X86_64, regs.Arch)
	assert.Equal(t, libsw.Address(0x401234), regs.PC)
	assert.Equal(t, libsw.Address(0x7fd0), regs.SP)
	assert.Equal(t, libsw.Address(0x7fe0), regs.FP)
	assert.Equal(t, libsw.Address(0xaa), regs.RAX)
	assert.Equal(t, libsw.Address(0x09), regs.R9)
	assert.Equal(t, libsw.Address(0x11), regs.R11)
	assert.Equal(t, libsw.Address(0x13), regs.R13)
	assert.Equal(t, libsw.Address(0x15), regs.R15)
}

func TestNewRegistersARM64(t *testing.T) {
	// user_pt_regs is regs[31], sp, pc and pstate.
	blob := regsBlob(34, map[int]uint64{
		armRegsSlotFP: 0x7fe0,
		armRegsSlotLR: 0x401140,
		armRegsSlotSP: 0x7fd0,
		armRegsSlotPC: 0x401040,
	})
	md := process.MachineData{
		Machine:     elf.EM_AARCH64,
		CodePACMask: 0xff00_0000_0000_0000,
		DataPACMask: 0x007f_0000_0000_0000,
	}
	regs, err := NewRegisters(md, blob)
	require.NoError(t, err)

	assert.Equal(t, elf.EM_AARCH64, regs.Arch)
	assert.Equal(t, libsw.Address(0x401040), regs.PC)
	assert.Equal(t, libsw.Address(0x7fd0), regs.SP)
	assert.Equal(t, libsw.Address(0x7fe0), regs.FP)
	assert.Equal(t, libsw.Address(0x401140), regs.LR)
	assert.Equal(t, md.CodePACMask, regs.CodePACMask)
	assert.Equal(t, md.DataPACMask, regs.DataPACMask)
}

func TestNewRegistersTruncated(t *testing.T) {
	_, err := NewRegisters(process.MachineData{Machine: elf.EM_X86_64},
		make([]byte, 19*8))
	assert.ErrorContains(t, err, "truncated")

	_, err = NewRegisters(process.MachineData{Machine: elf.EM_AARCH64},
		make([]byte, 32*8))
	assert.ErrorContains(t, err, "truncated")
}

func TestNewRegistersUnsupportedMachine(t *testing.T) {
	_, err := NewRegisters(process.MachineData{Machine: elf.EM_RISCV},
		make([]byte, 34*8))
	assert.ErrorContains(t, err, "unsupported machine")
}

func TestStripPAC(t *testing.T) {
	regs := Registers{CodePACMask: 0xff00_0000_0000_0000}
	assert.Equal(t, libsw.Address(0x401000),
		regs.StripPAC(0xff00_0000_0040_1000))

	// No mask configured: addresses pass through untouched.
	plain := Registers{}
	assert.Equal(t, libsw.Address(0xff00_0000_0040_1000),
		plain.StripPAC(0xff00_0000_0040_1000))
}
