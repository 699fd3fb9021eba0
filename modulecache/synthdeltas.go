// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package modulecache

import (
	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// synthesizeVDSODeltas creates generated stack deltas spanning the whole
// vDSO image, requesting LR based unwinding. The ARM64 kernel vDSO lacks a
// usable .eh_frame section, so the record is constructed here instead.
// Most of the vDSO works with LR unwinding; the signal return stub needs
// signal unwinding and gets its own interval when the symbol is found.
func synthesizeVDSODeltas(ef *elffile.File) stackdelta.IntervalData {
	deltas := stackdelta.StackDeltaArray{}
	deltas = append(deltas, stackdelta.StackDelta{
		Address: 0,
		Info:    stackdelta.UnwindInfoLR,
	})
	if sym, err := ef.LookupSymbol("__kernel_rt_sigreturn"); err == nil {
		deltas = append(deltas,
			stackdelta.StackDelta{
				Address: sym.Address,
				Info:    stackdelta.UnwindInfoSignal,
			},
			stackdelta.StackDelta{
				Address: sym.Address + sym.Size,
				Info:    stackdelta.UnwindInfoLR,
			})
	}
	return stackdelta.IntervalData{Deltas: deltas}
}
