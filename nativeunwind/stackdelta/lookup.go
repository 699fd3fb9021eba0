// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackdelta // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"

import "sort"

// Lookup finds the unwind info covering addr, expanding the merge opcode if
// the address falls into the implied second interval. The address is relative
// to the same base the deltas were extracted against (ELF virtual addresses).
// The second return value is false when addr precedes the first interval or
// the data is empty.
func (data *IntervalData) Lookup(addr uint64) (UnwindInfo, bool) {
	deltas := data.Deltas
	// Index of the first delta starting beyond addr; the covering interval
	// is the one before it.
	idx := sort.Search(len(deltas), func(i int) bool {
		return deltas[i].Address > addr
	})
	if idx == 0 {
		return UnwindInfoInvalid, false
	}

	delta := deltas[idx-1]
	info := delta.Info
	if info.MergeOpcode != 0 {
		addrDiff := uint64(info.MergeOpcode &^ MergeOpcodeNegative)
		if addr >= delta.Address+addrDiff {
			if info.MergeOpcode&MergeOpcodeNegative != 0 {
				info.Param -= 8
			} else {
				info.Param += 8
			}
		}
		info.MergeOpcode = 0
	}
	return info, true
}
