// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
)

func TestRenderReportEmpty(t *testing.T) {
	s := &Sampler{topN: defaultTopN}
	assert.Equal(t, "no samples collected yet", s.renderReport(reportSnapshot{}))
}

func TestRenderReport(t *testing.T) {
	s := &Sampler{topN: 10}
	snap := reportSnapshot{
		samples: 4,
		start:   time.Now(),
		entries: []reportEntry{
			{count: 1, frames: []recordedFrame{
				{fileID: appFileID, path: "/usr/bin/app", addr: 0x40},
				{kind: nativeunwind.FrameTruncated},
			}},
			{count: 3, frames: []recordedFrame{
				{fileID: libsw.NewFileID(1, 2), path: "/lib/libc.so.6", addr: 0x91f2c},
			}},
		},
	}

	out := s.renderReport(snap)
	assert.Contains(t, out, "4 samples, 2 distinct stacks")

	// Stacks are ordered by sample count, frames render as module
	// relative locations, aborted walks keep their marker.
	assert.Contains(t, out, "#1: 3 samples (75.0%)\n    libc.so.6+0x91f2c\n")
	assert.Contains(t, out, "#2: 1 samples (25.0%)\n    app+0x40\n    <walk aborted>\n")
	assert.NotContains(t, out, "more stacks")

	assert.Contains(t, out, "module sample shares:")
	assert.Contains(t, out, " 75.0% /lib/libc.so.6")
	assert.Contains(t, out, " 25.0% /usr/bin/app")
}

func TestRenderReportTopN(t *testing.T) {
	s := &Sampler{topN: 1}
	snap := reportSnapshot{
		samples: 3,
		start:   time.Now(),
		entries: []reportEntry{
			{count: 2, frames: []recordedFrame{{path: "/usr/bin/app", addr: 0x40}}},
			{count: 1, frames: []recordedFrame{{path: "/usr/bin/app", addr: 0x80}}},
		},
	}

	out := s.renderReport(snap)
	assert.Contains(t, out, "#1: 2 samples")
	assert.NotContains(t, out, "#2:")
	assert.Contains(t, out, "... and 1 more stacks")
}

func TestRenderReportSpecialFrames(t *testing.T) {
	s := &Sampler{topN: 10}
	snap := reportSnapshot{
		samples: 2,
		start:   time.Now(),
		entries: []reportEntry{
			{count: 2, frames: []recordedFrame{
				{addr: 0xdead},
				{fileID: libsw.NewFileID(3, 4), path: "/lib/libpthread.so.0",
					addr: 0x77, kind: nativeunwind.FrameSignal},
			}},
		},
	}

	out := s.renderReport(snap)
	assert.Contains(t, out, "0x000000000000dead <unknown>")
	assert.Contains(t, out, "libpthread.so.0+0x77 (signal handler)")

	// Unknown code shows up in the module tally under its own bucket;
	// each module is counted once per stack.
	assert.Contains(t, out, "100.0% <unknown>")
	assert.Contains(t, out, "100.0% /lib/libpthread.so.0")
}
