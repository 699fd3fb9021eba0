// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Implements a command-line utility for inspecting trace dump files
// written by the profiler's -dump-file option.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.stackwalk.dev/ptrace-profiler/nativeunwind"
	"go.stackwalk.dev/ptrace-profiler/sampler"
)

func tryMain() error {
	var in string
	var topN int

	flag.StringVar(&in, "i", "", "The input dump file path")
	flag.IntVar(&topN, "n", 0, "Print only the top N stacks (0 prints all)")
	flag.Parse()

	if in == "" {
		return errors.New("missing required argument `i`")
	}

	header, traces, err := sampler.ReadDump(in)
	if err != nil {
		return fmt.Errorf("failed to read dump: %w", err)
	}

	fmt.Printf("session %s on %s\n", header.SessionID, header.Hostname)
	fmt.Printf("PID %d, %s .. %s, base sample interval %v\n",
		header.PID,
		header.StartTime.Format(time.RFC3339),
		header.EndTime.Format(time.RFC3339),
		header.SampleInterval)
	fmt.Printf("%d samples, %d distinct stacks\n\n", header.Samples, len(traces))

	if topN <= 0 || topN > len(traces) {
		topN = len(traces)
	}
	for i := 0; i < topN; i++ {
		tr := &traces[i]
		fmt.Printf("#%d: %d samples\n", i+1, tr.Count)
		for j := range tr.Frames {
			fmt.Printf("    %s\n", formatFrame(&tr.Frames[j]))
		}
	}
	if rest := len(traces) - topN; rest > 0 {
		fmt.Printf("... and %d more stacks\n", rest)
	}
	return nil
}

func formatFrame(fr *sampler.DumpFrame) string {
	switch {
	case nativeunwind.FrameKind(fr.Kind) == nativeunwind.FrameTruncated:
		return "<walk aborted>"
	case fr.Path == "":
		return fmt.Sprintf("0x%016x <unknown>", fr.Addr)
	case nativeunwind.FrameKind(fr.Kind) == nativeunwind.FrameSignal:
		return fmt.Sprintf("%s+0x%x (signal handler)", filepath.Base(fr.Path), fr.Addr)
	}
	return fmt.Sprintf("%s+0x%x", filepath.Base(fr.Path), fr.Addr)
}

func main() {
	if err := tryMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
