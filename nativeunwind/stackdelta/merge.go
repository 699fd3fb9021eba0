// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package stackdelta // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"

// mergeOpcodeFor computes the merge opcode that lets deltas[index] stand in
// for deltas[index+1] as well. That is possible when the next delta starts
// one or two bytes later and differs only by the parameter moving by eight
// bytes, which is the common "push another register" pattern in prologues.
// Returns 0 when the pair cannot be merged.
func mergeOpcodeFor(deltas StackDeltaArray, index int) uint8 {
	if index+1 >= len(deltas) {
		return 0
	}
	cur := deltas[index]
	next := deltas[index+1]

	addrDiff := next.Address - cur.Address
	if addrDiff < 1 || addrDiff > 2 {
		return 0
	}
	if next.Info.Opcode != cur.Info.Opcode ||
		next.Info.FPOpcode != cur.Info.FPOpcode ||
		next.Info.FPParam != cur.Info.FPParam {
		return 0
	}

	switch next.Info.Param - cur.Info.Param {
	case 8:
		return uint8(addrDiff)
	case -8:
		return uint8(addrDiff) | MergeOpcodeNegative
	default:
		return 0
	}
}

// Compress rewrites the array so that mergeable delta pairs occupy a single
// entry carrying a merge opcode. The input must be sorted by address.
func Compress(deltas StackDeltaArray) StackDeltaArray {
	out := make(StackDeltaArray, 0, len(deltas))
	for i := 0; i < len(deltas); i++ {
		delta := deltas[i]
		if opcode := mergeOpcodeFor(deltas, i); opcode != 0 {
			delta.Info.MergeOpcode = opcode
			delta.Hints |= deltas[i+1].Hints & UnwindHintKeep
			i++
		}
		out = append(out, delta)
	}
	return out
}
