// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
)

// reportEntry is one distinct stack snapshotted out of the aggregation,
// so sorting and rendering happen without holding the lock.
type reportEntry struct {
	count  uint64
	frames []recordedFrame
}

type reportSnapshot struct {
	entries []reportEntry
	samples uint64
	start   time.Time
}

func (s *Sampler) snapshot() reportSnapshot {
	agg := s.agg.RLock()
	defer s.agg.RUnlock(&agg)

	entries := make([]reportEntry, 0, len(agg.traces))
	for _, st := range agg.traces {
		entries = append(entries, reportEntry{count: st.count, frames: st.frames})
	}
	return reportSnapshot{
		entries: entries,
		samples: agg.samples,
		start:   agg.start,
	}
}

// logReport renders the current top stacks as one multi-line log entry.
func (s *Sampler) logReport() {
	log.Info(s.renderReport(s.snapshot()))
}

// renderReport formats the top stacks by sample count, followed by the
// per-module sample shares.
func (s *Sampler) renderReport(snap reportSnapshot) string {
	if snap.samples == 0 {
		return "no samples collected yet"
	}
	sort.Slice(snap.entries, func(i, j int) bool {
		return snap.entries[i].count > snap.entries[j].count
	})

	var sb strings.Builder
	elapsed := time.Since(snap.start).Round(time.Second)
	fmt.Fprintf(&sb, "%d samples, %d distinct stacks after %v\n",
		snap.samples, len(snap.entries), elapsed)

	shown := min(s.topN, len(snap.entries))
	for i := 0; i < shown; i++ {
		e := &snap.entries[i]
		fmt.Fprintf(&sb, "#%d: %d samples (%.1f%%)\n", i+1, e.count,
			float64(e.count)*100/float64(snap.samples))
		for j := range e.frames {
			sb.WriteString("    ")
			sb.WriteString(formatFrame(&e.frames[j]))
			sb.WriteByte('\n')
		}
	}
	if rest := len(snap.entries) - shown; rest > 0 {
		fmt.Fprintf(&sb, "... and %d more stacks\n", rest)
	}

	writeModuleShares(&sb, snap)
	return sb.String()
}

// formatFrame renders one frame as the module name plus the ELF virtual
// address within it.
func formatFrame(fr *recordedFrame) string {
	switch {
	case fr.kind == nativeunwind.FrameTruncated:
		return "<walk aborted>"
	case fr.path == "":
		return fmt.Sprintf("0x%016x <unknown>", uint64(fr.addr))
	case fr.kind == nativeunwind.FrameSignal:
		return fmt.Sprintf("%s+0x%x (signal handler)",
			filepath.Base(fr.path), uint64(fr.addr))
	}
	return fmt.Sprintf("%s+0x%x", filepath.Base(fr.path), uint64(fr.addr))
}

// writeModuleShares appends the share of samples in which each module
// appears. A module is counted once per stack regardless of how many of
// the stack's frames hit it.
func writeModuleShares(sb *strings.Builder, snap reportSnapshot) {
	hits := map[string]uint64{}
	for i := range snap.entries {
		e := &snap.entries[i]
		seen := map[string]bool{}
		for j := range e.frames {
			fr := &e.frames[j]
			if fr.kind == nativeunwind.FrameTruncated {
				continue
			}
			name := fr.path
			if name == "" {
				name = "<unknown>"
			}
			if !seen[name] {
				seen[name] = true
				hits[name] += e.count
			}
		}
	}

	names := make([]string, 0, len(hits))
	for name := range hits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if hits[names[i]] != hits[names[j]] {
			return hits[names[i]] > hits[names[j]]
		}
		return names[i] < names[j]
	})

	sb.WriteString("module sample shares:\n")
	for _, name := range names {
		fmt.Fprintf(sb, "    %5.1f%% %s\n",
			float64(hits[name])*100/float64(snap.samples), name)
	}
}
