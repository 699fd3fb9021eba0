// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// ELFStackDeltaProvider serves stack delta intervals by extracting them
// from the unwind data of ELF files.
type ELFStackDeltaProvider struct {
	successCount         atomic.Uint64
	extractionErrorCount atomic.Uint64
}

var _ modulecache.StackDeltaProvider = (*ELFStackDeltaProvider)(nil)

// NewStackDeltaProvider returns a provider backed by .eh_frame extraction.
func NewStackDeltaProvider() *ELFStackDeltaProvider {
	return &ELFStackDeltaProvider{}
}

// GetIntervalStructuresForFile extracts the stack delta intervals of one
// executable.
func (provider *ELFStackDeltaProvider) GetIntervalStructuresForFile(elfFile *elffile.File,
	fileName string, interval *stackdelta.IntervalData) error {
	err := ExtractELF(elfFile, fileName, interval)
	if err != nil {
		// A file vanishing mid-extraction is expected on short-lived
		// processes, count only real extraction failures.
		if !errors.Is(err, os.ErrNotExist) {
			provider.extractionErrorCount.Add(1)
		}
		return fmt.Errorf("failed to extract stack deltas from %s: %w",
			fileName, err)
	}
	provider.successCount.Add(1)
	return nil
}

// GetAndResetStatistics returns the gathered counters and resets them.
func (provider *ELFStackDeltaProvider) GetAndResetStatistics() modulecache.Statistics {
	return modulecache.Statistics{
		Success:          provider.successCount.Swap(0),
		ExtractionErrors: provider.extractionErrorCount.Swap(0),
	}
}
