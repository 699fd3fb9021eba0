//go:build linux && amd64

// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// The NT_PRSTATUS regset on x86-64 is the kernel user_regs_struct:
// 27 64-bit words, with fs_base in word 21.
const (
	x86PrStatusWords = 27
	x86FSBaseWord    = 21
)

func (pp *ptraceProcess) readThreadInfo(tid int) (ThreadInfo, error) {
	regs := make([]byte, x86PrStatusWords*8)
	if err := readRegset(tid, int(elf.NT_PRSTATUS), regs); err != nil {
		return ThreadInfo{}, fmt.Errorf("reading registers of LWP %d: %v", tid, err)
	}
	return ThreadInfo{
		LWP:    uint32(tid),
		GPRegs: regs,
		TPBase: binary.LittleEndian.Uint64(regs[x86FSBaseWord*8:]),
	}, nil
}
