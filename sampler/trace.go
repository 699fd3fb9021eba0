// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"encoding/binary"
	"time"

	"github.com/zeebo/xxh3"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
	"go.stackwalk.dev/ptrace-profiler/util"
)

// recordedFrame reduces one walked frame to the stable identity of the
// code location it hit, so equal stacks aggregate across address space
// layouts and profiling runs.
type recordedFrame struct {
	fileID libsw.FileID
	path   string
	// addr is the ELF virtual address for frames with a known module and
	// the raw target address otherwise.
	addr libsw.Address
	kind nativeunwind.FrameKind
}

// traceStats is one distinct stack and its observation count. The frames
// slice is immutable once stored.
type traceStats struct {
	frames []recordedFrame
	count  uint64
}

// aggregation is the trace state shared between the sampling and the
// reporting goroutines.
type aggregation struct {
	traces  map[uint64]*traceStats
	samples uint64
	start   time.Time
}

// traceMapMinCapacity is the smallest capacity hint for the trace map.
const traceMapMinCapacity = 512

// traceMapCapacity sizes the trace map so a report interval's worth of
// sampling rounds inserts without rehashing even when every round finds
// a new stack.
func traceMapCapacity(sampleInterval, reportInterval time.Duration) int {
	rounds := uint32(reportInterval / sampleInterval)
	return int(util.NextPowerOfTwo(max(rounds, traceMapMinCapacity)))
}

// record folds one walked stack into the aggregation. Empty stacks carry
// no information and are dropped.
func (s *Sampler) record(frames []nativeunwind.Frame) {
	if len(frames) == 0 {
		return
	}
	reduced := make([]recordedFrame, len(frames))
	for i := range frames {
		fr := &frames[i]
		rf := recordedFrame{addr: fr.IP, kind: fr.Kind}
		if fr.Module != nil {
			rf.fileID = fr.Module.FileID
			rf.path = fr.Module.Path
			rf.addr = fr.IP - libsw.Address(fr.Module.Bias)
		}
		reduced[i] = rf
	}
	key := traceKey(reduced)

	agg := s.agg.WLock()
	defer s.agg.WUnlock(&agg)
	if st, ok := agg.traces[key]; ok {
		st.count++
	} else {
		agg.traces[key] = &traceStats{frames: reduced, count: 1}
	}
	agg.samples++
}

// frameKeySize is the serialized size of one frame in the trace key:
// the 128-bit file ID, the address and the frame kind.
const frameKeySize = 16 + 8 + 1

// traceKey derives the aggregation key for a reduced stack.
//
// Fields included in the hash:
// - per frame: file ID, address, frame kind
//
// Fields intentionally excluded:
// - module path: redundant with the file ID and unstable across mount
//   namespaces
// - thread ID and sample time: equal stacks from different threads and
//   rounds must land in the same bucket
func traceKey(frames []recordedFrame) uint64 {
	buf := make([]byte, 0, len(frames)*frameKeySize)
	var word [8]byte
	for i := range frames {
		fr := &frames[i]
		binary.LittleEndian.PutUint64(word[:], fr.fileID.Hi())
		buf = append(buf, word[:]...)
		binary.LittleEndian.PutUint64(word[:], fr.fileID.Lo())
		buf = append(buf, word[:]...)
		binary.LittleEndian.PutUint64(word[:], uint64(fr.addr))
		buf = append(buf, word[:]...)
		buf = append(buf, byte(fr.kind))
	}
	return xxh3.Hash128(buf).Lo
}
