// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

import (
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

const (
	// A DSO can carry a stub .eh_frame (for PLT entries only) and keep the
	// real FDEs in .debug_frame or a separate debug file. Fewer deltas than
	// this makes the extraction follow .gnu_debuglink for more.
	debugLinkDeltaLimit = 20

	// entryCodeSize is the amount of code loaded from the ELF entry point
	// for process entry detection.
	entryCodeSize = 64
)

// frameFilter drops broken FDEs and tracks whether any deltas arrived from
// a source that is not walked in address order.
type frameFilter struct {
	unsortedFrames bool
}

var _ frameHooks = &frameFilter{}

// onFDE filters out FDEs not usable for unwinding.
func (f *frameFilter) onFDE(_ *cieRecord, fde *fdeRecord) bool {
	if !fde.sorted {
		// .debug_frame occasionally carries bogus FDEs at address zero.
		if fde.pcStart == 0 {
			return false
		}
		f.unsortedFrames = true
	}
	return true
}

// onDelta is a stub to satisfy frameHooks.
func (f *frameFilter) onDelta(uint64, *ruleRow, stackdelta.StackDelta) {
}

// extractor is the context of one stack delta extraction.
type extractor struct {
	file *elffile.File

	// path is where the ELF was opened from. It locates a .gnu_debuglink
	// companion file, and is empty for in-memory ELFs.
	path string

	hooks frameHooks

	deltas *stackdelta.StackDeltaArray

	// allowGenericRegs permits CFA rules based on scratch general purpose
	// registers. Valid only for code that never calls anything that would
	// clobber them, in practice openssl's libcrypto.
	allowGenericRegs bool
}

// extractDebugLink follows the .gnu_debuglink to a separate debug info
// file and extracts its .debug_frame.
func (ex *extractor) extractDebugLink() error {
	if ex.path == "" {
		return nil
	}

	var err error
	// A missing debug file is normal on production systems, only report
	// errors from one that was found.
	debugELF, _ := ex.file.OpenDebugLink(ex.path)
	if debugELF != nil {
		err = ex.extractDebugFrame(debugELF)
		debugELF.Close()
	}
	return err
}

// addEntryStops adds stop deltas for the process entry code if it can be
// matched against a known libc pattern without an FDE of its own. Without
// them unwinding a thread's main function would end with an error instead
// of a clean stop.
func (ex *extractor) addEntryStops(filter *frameFilter) {
	if ex.file.Entry == 0 || ex.file.Type != elf.ET_EXEC && ex.file.Type != elf.ET_DYN {
		return
	}
	var code [entryCodeSize]byte
	n, _ := ex.file.ReadVirtualMemory(code[:], int64(ex.file.Entry))
	if n < 32 {
		return
	}

	var entryLen int
	switch ex.file.Machine {
	case elf.EM_AARCH64:
		entryLen = matchEntryARM(code[:n])
	case elf.EM_X86_64:
		entryLen = matchEntryX86(code[:n])
	}
	if entryLen == 0 {
		return
	}

	ex.deltas.AddEx(stackdelta.StackDelta{
		Address: ex.file.Entry,
		Hints:   stackdelta.UnwindHintKeep,
		Info:    stackdelta.UnwindInfoStop,
	}, false)
	ex.deltas.AddEx(stackdelta.StackDelta{
		Address: ex.file.Entry + uint64(entryLen),
		Hints:   stackdelta.UnwindHintGap,
		Info:    stackdelta.UnwindInfoInvalid,
	}, false)
	filter.unsortedFrames = true
}

func isLibCrypto(elfFile *elffile.File) bool {
	if name, err := elfFile.Soname(); err == nil {
		return strings.HasPrefix(name, "libcrypto.so.")
	}
	return false
}

// Extract opens the named ELF file and fills interval with its stack
// delta intervals.
func Extract(filename string, interval *stackdelta.IntervalData) error {
	elfFile, err := elffile.Open(filename)
	if err != nil {
		return err
	}
	defer elfFile.Close()
	return ExtractELF(elfFile, filename, interval)
}

// ExtractELF fills interval with the stack delta intervals of an already
// opened ELF file. The path locates an optional .gnu_debuglink companion
// and may be empty.
func ExtractELF(elfFile *elffile.File, path string,
	interval *stackdelta.IntervalData) error {
	switch elfFile.Machine {
	case elf.EM_AARCH64, elf.EM_X86_64:
	default:
		return fmt.Errorf("unsupported ELF architecture %v", elfFile.Machine)
	}

	filter := frameFilter{}
	deltas := stackdelta.StackDeltaArray{}
	ex := extractor{
		file:             elfFile,
		path:             path,
		deltas:           &deltas,
		hooks:            &filter,
		allowGenericRegs: isLibCrypto(elfFile),
	}

	if err := ex.extractEHFrame(); err != nil {
		return fmt.Errorf("failure to parse eh_frame stack deltas: %v", err)
	}
	if err := ex.extractDebugFrame(elfFile); err != nil {
		return fmt.Errorf("failure to parse debug_frame stack deltas: %v", err)
	}
	if len(deltas) < debugLinkDeltaLimit {
		// Too few deltas to cover a real binary. The debug link may
		// provide the full .debug_frame.
		if err := ex.extractDebugLink(); err != nil {
			return fmt.Errorf("failure to parse debug stack deltas: %v", err)
		}
	}
	ex.addEntryStops(&filter)

	// Deltas merged from an unsorted source need the sort that AddEx
	// otherwise maintains, and then the same deduplication it would have
	// applied along the way.
	if filter.unsortedFrames {
		sort.Slice(deltas, func(i, j int) bool {
			if deltas[i].Address != deltas[j].Address {
				return deltas[i].Address < deltas[j].Address
			}
			// Duplicate stop deltas sort after the real delta.
			return deltas[i].Info.Opcode < deltas[j].Info.Opcode
		})

		maxDelta := 0
		for i := 0; i < len(deltas); i++ {
			delta := &deltas[i]
			if maxDelta > 0 {
				prev := &deltas[maxDelta-1]
				if prev.Hints&stackdelta.UnwindHintGap != 0 &&
					prev.Address+stackdelta.MinimumGap >= delta.Address {
					// An end-of-function marker with only a small gap to
					// the next delta. Overwrite it.
					if maxDelta <= 1 || deltas[maxDelta-2].Info != delta.Info {
						*prev = *delta
						continue
					}
					// The delta preceding the marker already matches the
					// incoming one. Merge into that.
					prev = &deltas[maxDelta-2]
					maxDelta--
				}
				if prev.Info == delta.Info {
					prev.Hints |= delta.Hints & stackdelta.UnwindHintKeep
					continue
				}
				if prev.Address == delta.Address {
					*prev = *delta
					continue
				}
			}
			deltas[maxDelta] = *delta
			maxDelta++
		}
		deltas = deltas[:maxDelta]
	}

	*interval = stackdelta.IntervalData{
		Deltas: deltas,
	}
	return nil
}
