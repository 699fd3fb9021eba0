// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdelta defines the compact unwind metadata the profiler works
// with. A stack delta describes, for one address interval of native code, how
// to recover the caller's canonical frame address (CFA), return address and
// frame pointer from the callee's register state. The deltas are a
// post-processed form of the DWARF call frame information found in
// .eh_frame/.debug_frame, reduced to a handful of opcodes that the unwinder
// can interpret with plain loads and adds.
package stackdelta // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"

const (
	// MinimumGap determines the minimum number of alignment bytes needed
	// in order to keep the created STOP stack delta between functions.
	MinimumGap = 15

	// UnwindOpcodeCommand marks the parameter as a command, not a base.
	UnwindOpcodeCommand uint8 = 0x00
	// UnwindOpcodeBaseCFA computes the value relative to the CFA.
	UnwindOpcodeBaseCFA uint8 = 0x01
	// UnwindOpcodeBaseSP computes the value relative to the stack pointer.
	UnwindOpcodeBaseSP uint8 = 0x02
	// UnwindOpcodeBaseFP computes the value relative to the frame pointer.
	UnwindOpcodeBaseFP uint8 = 0x03
	// UnwindOpcodeBaseLR recovers the value from the link register.
	UnwindOpcodeBaseLR uint8 = 0x04
	// UnwindOpcodeBaseReg computes the value relative to a numbered register.
	UnwindOpcodeBaseReg uint8 = 0x05
	// UnwindOpcodeFlagDeref requests a dereference of the computed address,
	// with the parameter carrying packed pre- and post-dereference offsets.
	UnwindOpcodeFlagDeref uint8 = 0x80

	// UnwindCommandInvalid marks code that cannot be unwound.
	UnwindCommandInvalid int32 = 0
	// UnwindCommandStop marks the root function of a stack.
	UnwindCommandStop int32 = 1
	// UnwindCommandPLT marks a procedure linkage table entry.
	UnwindCommandPLT int32 = 2
	// UnwindCommandSignal marks a signal return frame.
	UnwindCommandSignal int32 = 3

	// UnwindDerefMask extracts the packed post-dereference offset.
	UnwindDerefMask int32 = 7
	// UnwindDerefMultiplier scales the packed post-dereference offset.
	UnwindDerefMultiplier int32 = 8

	// MergeOpcodeNegative flags the merge opcode's implied second interval
	// as adjusting the parameter by -8 instead of +8.
	MergeOpcodeNegative uint8 = 0x80

	// UnwindHintNone indicates that no flags are set.
	UnwindHintNone uint8 = 0
	// UnwindHintKeep flags important intervals that should not be removed
	// (e.g. part of a function prologue).
	UnwindHintKeep uint8 = 1
	// UnwindHintGap indicates that the delta marks a function end.
	UnwindHintGap uint8 = 4
)

// UnwindInfo contains the data needed to unwind PC, SP and FP.
type UnwindInfo struct {
	Opcode, FPOpcode, MergeOpcode uint8

	Param, FPParam int32
}

// UnwindInfoInvalid marks a PC that cannot be unwound through.
var UnwindInfoInvalid = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandInvalid}

// UnwindInfoStop is the stack delta info indicating the root function of a stack.
var UnwindInfoStop = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandStop}

// UnwindInfoSignal is the stack delta info indicating a signal return frame.
var UnwindInfoSignal = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandSignal}

// UnwindInfoFramePointerX64 describes a standard x86-64 frame pointer frame:
// CFA is RBP+16, and the caller's RBP was saved at CFA-16.
var UnwindInfoFramePointerX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoLR describes an ARM64 function without a stack frame: the return
// address lives in the link register only.
var UnwindInfoLR = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	FPOpcode: UnwindOpcodeBaseLR,
}

// StackDelta is the unwind information valid from Address up to the next
// delta's address.
type StackDelta struct {
	Address uint64
	Hints   uint8
	Info    UnwindInfo
}

// StackDeltaArray defines an address space where consecutive entries
// establish the intervals for the stack deltas.
type StackDeltaArray []StackDelta

// IntervalData carries the complete stack delta information for one
// executable image.
type IntervalData struct {
	// Deltas contains all stack deltas for a single binary.
	// Two consecutive entries describe an interval.
	Deltas StackDeltaArray
}

// AddEx appends a stack delta. With sorted set the new delta is known to
// follow the existing ones in address order, enabling merge of redundant
// entries.
func (deltas *StackDeltaArray) AddEx(delta StackDelta, sorted bool) {
	num := len(*deltas)
	if delta.Info.Opcode == UnwindOpcodeCommand {
		// FP information is invalid/unused for command opcodes.
		// But DWARF info often leaves bogus data there, so resetting it
		// reduces the number of unique Info contents generated.
		delta.Info.FPOpcode = UnwindOpcodeCommand
		delta.Info.FPParam = UnwindCommandInvalid
	}
	if num > 0 && sorted {
		prev := &(*deltas)[num-1]
		if prev.Hints&UnwindHintGap != 0 && prev.Address+MinimumGap >= delta.Address {
			// The previous opcode is an end-of-function marker, and
			// the gap is not large. Reduce deltas by overwriting it.
			if num <= 1 || (*deltas)[num-2].Info != delta.Info {
				*prev = delta
				return
			}
			// The delta before the end-of-function marker is the same
			// as what is being inserted now. Overwrite that.
			prev = &(*deltas)[num-2]
			*deltas = (*deltas)[:num-1]
		}
		if prev.Info == delta.Info {
			prev.Hints |= delta.Hints & UnwindHintKeep
			return
		}
		if prev.Address == delta.Address {
			*prev = delta
			return
		}
	}
	*deltas = append(*deltas, delta)
}

// Add appends a stack delta coming from a source in address order.
func (deltas *StackDeltaArray) Add(delta StackDelta) {
	deltas.AddEx(delta, true)
}

// PackDerefParam compresses pre- and post-dereference parameters to a single
// value. The post-dereference offset must be a small multiple of
// UnwindDerefMultiplier to be packable.
func PackDerefParam(preDeref, postDeref int32) (int32, bool) {
	if postDeref < 0 || postDeref > 0x20 || postDeref%UnwindDerefMultiplier != 0 {
		return 0, false
	}
	return preDeref + postDeref/UnwindDerefMultiplier, true
}

// UnpackDerefParam splits the pre- and post-dereference parameters from a
// single value.
func UnpackDerefParam(param int32) (preDeref, postDeref int32) {
	return param &^ UnwindDerefMask, (param & UnwindDerefMask) * UnwindDerefMultiplier
}

// PackBaseRegParam packs a DWARF register number and a relative offset into
// a single UnwindOpcodeBaseReg parameter. The register number must fit in
// six bits.
func PackBaseRegParam(reg uint8, off int32) (int32, bool) {
	if reg >= 64 {
		return 0, false
	}
	return off<<6 | int32(reg), true
}

// UnpackBaseRegParam splits the DWARF register number and relative offset
// from an UnwindOpcodeBaseReg parameter.
func UnpackBaseRegParam(param int32) (reg uint8, off int32) {
	return uint8(param & 63), param >> 6
}
