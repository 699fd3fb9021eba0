// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package modulecache tracks the executable mappings of the target process
// and the stack delta intervals extracted from their backing ELF files. It
// is the bridge between process inspection and the unwinder: the unwinder
// resolves every program counter through GetModuleForAddress and expects
// the returned Module to answer unwind rule lookups without touching the
// filesystem.
package modulecache // import "go.stackwalk.dev/ptrace-profiler/modulecache"

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/libsw/xsync"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
	"go.stackwalk.dev/ptrace-profiler/process"
	"go.stackwalk.dev/ptrace-profiler/util"
)

const (
	// fileInfoCacheSize is the LRU size for per-file metadata. A typical
	// process maps some dozens of DSOs, so this is sized to keep every
	// file of even a large process plus its short-lived children.
	fileInfoCacheSize = 1024

	// intervalCacheSize is the LRU size for extracted stack deltas keyed
	// by FileID. Interval data is the expensive part to recompute, but
	// also the big one to keep, so this is smaller.
	intervalCacheSize = 256
)

// Statistics are extraction counters reported by a StackDeltaProvider.
type Statistics struct {
	// Success is the number of successful extractions.
	Success uint64
	// ExtractionErrors is the number of failed extractions.
	ExtractionErrors uint64
}

// StackDeltaProvider provides stack deltas for executables. It is
// implemented by nativeunwind/elfunwindinfo; the interface lives here on the
// consumer side so the provider package can depend on Module.
type StackDeltaProvider interface {
	// GetIntervalStructuresForFile extracts the stack delta intervals
	// from the given ELF file into interval.
	GetIntervalStructuresForFile(elfFile *elffile.File, fileName string,
		interval *stackdelta.IntervalData) error

	// GetAndResetStatistics returns the extraction counters accumulated
	// since the previous call, and resets them.
	GetAndResetStatistics() Statistics
}

// execRange is the portion of one executable PT_LOAD segment needed to map
// mapping file offsets back to the ELF virtual address space.
type execRange struct {
	off, vaddr, filesz uint64
}

var pageSizeMinusOne = uint64(os.Getpagesize()) - 1

// Module describes one executable mapping of the target process.
type Module struct {
	// Start and End delimit the mapping in target virtual memory.
	Start, End uint64
	// Bias is the difference between target virtual addresses and the
	// ELF virtual address space of the backing file.
	Bias uint64
	// Path is the backing file path, or process.VdsoPathName for the vDSO.
	Path string
	// FileID identifies the backing executable contents.
	FileID libsw.FileID
	// Deltas holds the unwind intervals in ELF virtual addresses. It is
	// nil when extraction failed; the module is then not unwindable.
	Deltas *stackdelta.IntervalData

	odfi util.OnDiskFileIdentifier
}

// HasDeltas reports whether the module carries usable unwind intervals.
func (m *Module) HasDeltas() bool {
	return m != nil && m.Deltas != nil && len(m.Deltas.Deltas) > 0
}

// UnwindInfoForAddress resolves the unwind rule covering the given target
// virtual address.
func (m *Module) UnwindInfoForAddress(addr uint64) (stackdelta.UnwindInfo, bool) {
	if m.Deltas == nil {
		return stackdelta.UnwindInfoInvalid, false
	}
	return m.Deltas.Lookup(addr - m.Bias)
}

// fileInfo is the cached per-file metadata keyed by on-disk identity.
type fileInfo struct {
	fileID libsw.FileID
	ranges []execRange
	// err records a permanent extraction failure so the file is not
	// reparsed on every synchronization.
	err error
}

type cacheState struct {
	// modules are the current executable mappings in ascending Start
	// order, as produced by the maps parser.
	modules []*Module

	fileInfoCache *lru.LRU[util.OnDiskFileIdentifier, fileInfo]
	intervalCache *lru.LRU[libsw.FileID, *stackdelta.IntervalData]
}

// Cache maintains the Modules of one target process.
type Cache struct {
	provider StackDeltaProvider
	state    xsync.RWMutex[cacheState]
}

// New creates a module cache using the given stack delta provider.
func New(provider StackDeltaProvider) (*Cache, error) {
	if provider == nil {
		return nil, errors.New("stack delta provider must not be nil")
	}
	fileInfoCache, err := lru.New[util.OnDiskFileIdentifier, fileInfo](
		fileInfoCacheSize, util.OnDiskFileIdentifier.Hash32)
	if err != nil {
		return nil, fmt.Errorf("unable to create file info cache: %w", err)
	}
	intervalCache, err := lru.New[libsw.FileID, *stackdelta.IntervalData](
		intervalCacheSize, libsw.FileID.Hash32)
	if err != nil {
		return nil, fmt.Errorf("unable to create interval cache: %w", err)
	}
	return &Cache{
		provider: provider,
		state: xsync.NewRWMutex(cacheState{
			fileInfoCache: fileInfoCache,
			intervalCache: intervalCache,
		}),
	}, nil
}

// GetModuleForAddress returns the module containing the given target
// virtual address. The lookup does not allocate and is safe to call
// concurrently with Sync.
func (c *Cache) GetModuleForAddress(addr uint64) (*Module, bool) {
	state := c.state.RLock()
	defer c.state.RUnlock(&state)

	modules := state.modules
	i := sort.Search(len(modules), func(i int) bool {
		return addr < modules[i].End
	})
	if i < len(modules) && addr >= modules[i].Start {
		return modules[i], true
	}
	return nil, false
}

// NumModules returns the number of currently tracked modules.
func (c *Cache) NumModules() int {
	state := c.state.RLock()
	defer c.state.RUnlock(&state)
	return len(state.modules)
}

// extractionJob is one module whose backing file needs to be inspected.
type extractionJob struct {
	module  *Module
	mapping *process.Mapping
}

// extractionResult is the outcome of one extractionJob, produced without
// holding the state lock.
type extractionResult struct {
	fileID libsw.FileID
	ranges []execRange
	deltas *stackdelta.IntervalData
	err    error
}

// Sync refreshes the module list from the current executable mappings of
// the process. Modules whose mapping and backing file are unchanged are
// reused. New files are inspected and their stack deltas extracted in
// parallel; a file that cannot be processed leaves its module in place
// without unwind data and does not fail the synchronization.
func (c *Cache) Sync(pr process.Process) error {
	mappings, numParseErrors, err := pr.GetMappings()
	if err != nil {
		return fmt.Errorf("failed to read mappings of PID %d: %w", pr.PID(), err)
	}
	if numParseErrors > 0 {
		log.Debugf("PID %d: skipped %d unparsable mapping lines",
			pr.PID(), numParseErrors)
	}

	state := c.state.WLock()
	prev := make(map[uint64]*Module, len(state.modules))
	for _, mod := range state.modules {
		prev[mod.Start] = mod
	}

	modules := make([]*Module, 0, len(mappings))
	var jobs []extractionJob
	numReused := 0
	for idx := range mappings {
		m := &mappings[idx]
		if !m.IsExecutable() || m.IsAnonymous() {
			continue
		}

		odfi := m.GetOnDiskFileIdentifier()
		if old, ok := prev[m.Vaddr]; ok && old.End == m.End() && old.odfi == odfi {
			modules = append(modules, old)
			numReused++
			continue
		}

		mod := &Module{
			Start: m.Vaddr,
			End:   m.End(),
			Path:  m.Path,
			odfi:  odfi,
		}
		modules = append(modules, mod)

		if fi, ok := state.fileInfoCache.Get(odfi); ok {
			if fi.err != nil {
				continue
			}
			if bias, ok2 := biasFor(fi.ranges, m.FileOffset, m.Vaddr); ok2 {
				mod.FileID = fi.fileID
				mod.Bias = bias
				if iv, ok3 := state.intervalCache.Get(fi.fileID); ok3 {
					mod.Deltas = iv
					continue
				}
			}
		}
		jobs = append(jobs, extractionJob{module: mod, mapping: m})
	}
	c.state.WUnlock(&state)

	// Inspect the new files outside the lock so module lookups stay fast
	// while ELF files are being parsed and hashed.
	results := make([]extractionResult, len(jobs))
	g := errgroup.Group{}
	for i := range jobs {
		i := i
		g.Go(func() error {
			results[i] = c.loadFile(pr, jobs[i].mapping)
			return nil
		})
	}
	_ = g.Wait()

	state = c.state.WLock()
	var extractionErrs []error
	for i := range jobs {
		mod := jobs[i].module
		res := &results[i]
		if res.err != nil {
			extractionErrs = append(extractionErrs, res.err)
			if !errors.Is(res.err, os.ErrNotExist) {
				state.fileInfoCache.Add(mod.odfi, fileInfo{err: res.err})
			}
			continue
		}
		bias, ok := biasFor(res.ranges, jobs[i].mapping.FileOffset, mod.Start)
		if !ok {
			extractionErrs = append(extractionErrs,
				fmt.Errorf("no ELF virtual address for %s offset %#x",
					mod.Path, jobs[i].mapping.FileOffset))
			continue
		}
		mod.FileID = res.fileID
		mod.Bias = bias
		mod.Deltas = res.deltas
		state.fileInfoCache.Add(mod.odfi, fileInfo{
			fileID: res.fileID,
			ranges: res.ranges,
		})
		state.intervalCache.Add(res.fileID, res.deltas)
	}
	state.modules = modules
	c.state.WUnlock(&state)

	if err := errors.Join(extractionErrs...); err != nil {
		log.Debugf("PID %d: failed to load unwind data for %d of %d executables: %v",
			pr.PID(), len(extractionErrs), len(modules), err)
	}
	log.Debugf("PID %d: %d modules (%d reused, %d loaded)",
		pr.PID(), len(modules), numReused, len(jobs))
	return nil
}

// loadFile opens the mapping's backing ELF, identifies it and extracts its
// unwind intervals.
func (c *Cache) loadFile(pr process.Process, m *process.Mapping) (res extractionResult) {
	ef, err := pr.OpenELF(m.Path)
	if err != nil {
		res.err = fmt.Errorf("failed to open %s: %w", m.Path, err)
		return res
	}
	defer ef.Close()

	res.ranges = execRanges(ef)
	res.fileID, err = pr.CalculateMappingFileID(m)
	if err != nil {
		res.err = fmt.Errorf("failed to identify %s: %w", m.Path, err)
		return res
	}

	interval := &stackdelta.IntervalData{}
	if m.IsVDSO() && ef.Machine == elf.EM_AARCH64 {
		*interval = synthesizeVDSODeltas(ef)
	} else {
		fileName := m.Path
		if m.IsVDSO() {
			fileName = ""
		}
		if err = c.provider.GetIntervalStructuresForFile(ef, fileName, interval); err != nil {
			res.err = fmt.Errorf("failed to extract stack deltas for %s: %w",
				m.Path, err)
			return res
		}
		interval.Deltas = stackdelta.Compress(interval.Deltas)
	}
	res.deltas = interval
	return res
}

// execRanges collects the executable PT_LOAD segments of the file.
func execRanges(ef *elffile.File) []execRange {
	ranges := make([]execRange, 0, 1)
	for i := range ef.Progs {
		p := &ef.Progs[i]
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		ranges = append(ranges, execRange{
			off:    p.Off,
			vaddr:  p.Vaddr,
			filesz: p.Filesz,
		})
	}
	return ranges
}

// biasFor computes the load bias of a mapping from the executable segment
// ranges of its backing ELF. The mapping may start before the segment's
// file offset because the loader aligns mappings down to the page size, so
// the segment offsets are aligned the same way before comparing.
func biasFor(ranges []execRange, fileOffset, vaddr uint64) (uint64, bool) {
	for _, r := range ranges {
		alignedOff := r.off &^ pageSizeMinusOne
		if fileOffset >= alignedOff && fileOffset < r.off+r.filesz {
			elfVA := r.vaddr - (r.off - fileOffset)
			return vaddr - elfVA, true
		}
	}
	return 0, false
}
