//go:build linux && arm64

// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Regset selectors from the kernel headers that debug/elf does not
// define.
const (
	// NT_ARM_TLS selects the TLS base register regset.
	NT_ARM_TLS elf.NType = 0x401
	// NT_ARM_PAC_MASK selects the pointer authentication mask regset.
	NT_ARM_PAC_MASK elf.NType = 0x406
)

// The NT_PRSTATUS regset on ARM64 is the kernel user_pt_regs:
// regs[31], sp, pc and pstate, 34 64-bit words in total.
const armPrStatusWords = 34

func (pp *ptraceProcess) GetMachineData() MachineData {
	masks := make([]byte, 16)
	_ = readRegset(int(pp.pid), int(NT_ARM_PAC_MASK), masks)

	return MachineData{
		Machine:     elf.EM_AARCH64,
		DataPACMask: binary.LittleEndian.Uint64(masks[0:8]),
		CodePACMask: binary.LittleEndian.Uint64(masks[8:16]),
	}
}

func (pp *ptraceProcess) readThreadInfo(tid int) (ThreadInfo, error) {
	regs := make([]byte, armPrStatusWords*8)
	if err := readRegset(tid, int(elf.NT_PRSTATUS), regs); err != nil {
		return ThreadInfo{}, fmt.Errorf("reading registers of LWP %d: %v", tid, err)
	}
	// A TLS base read failure is survivable, the thread just reports a
	// zero thread pointer.
	tls := make([]byte, 8)
	_ = readRegset(tid, int(NT_ARM_TLS), tls)

	return ThreadInfo{
		LWP:    uint32(tid),
		GPRegs: regs,
		TPBase: binary.LittleEndian.Uint64(tls),
	}, nil
}
