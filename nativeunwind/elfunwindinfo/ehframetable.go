// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

import (
	"errors"
	"fmt"
	"sort"

	lru "github.com/elastic/go-freelru"

	"go.stackwalk.dev/ptrace-profiler/elffile"
)

// searchTable reads the binary search table of .eh_frame_hdr.
type searchTable struct {
	d         decoder
	hdr       searchHdr
	fdeCount  uint64
	tableBase uintptr
	frames    *region
	cieCache  *lru.LRU[uint64, *cieRecord]
}

func newSearchTable(src *frameSources) (tab searchTable, err error) {
	tab = searchTable{
		hdr:       src.hdr,
		fdeCount:  src.fdeCount,
		tableBase: src.tableOff,
		frames:    src.frames,
	}
	tab.d = src.search.decode(src.tableOff, false)
	if tab.cieCache, err = lru.New[uint64, *cieRecord](cieCacheSize, hashUint64); err != nil {
		return tab, err
	}
	return tab, nil
}

func openSearchTable(ef *elffile.File) (searchTable, error) {
	var src frameSources
	if err := src.locate(ef); err != nil {
		return searchTable{}, fmt.Errorf("failed to get EH sections: %w", err)
	}
	if src.frames == nil {
		return searchTable{}, errors.New(".eh_frame not found")
	}
	if src.search == nil {
		return searchTable{}, errors.New(".eh_frame_hdr not found")
	}
	return newSearchTable(&src)
}

// count returns the number of FDEs in the search table.
func (tab *searchTable) count() int {
	return int(tab.fdeCount)
}

// seek positions the decoder at the table entry with the given index.
func (tab *searchTable) seek(idx int) {
	entrySize := peValueSize(tab.hdr.tableEnc) * 2
	tab.d.pos = tab.tableBase + uintptr(entrySize*idx)
}

// readEntry decodes one search table entry and returns a decoder positioned
// at the FDE the entry points to.
func (tab *searchTable) readEntry() (pcStart uint64, fd decoder, err error) {
	pcStart, err = tab.d.ptr(tab.hdr.tableEnc)
	if err != nil {
		return 0, decoder{}, err
	}
	var fdeAddr uint64
	fdeAddr, err = tab.d.ptr(tab.hdr.tableEnc)
	if err != nil {
		return 0, decoder{}, err
	}
	if fdeAddr < tab.frames.vaddr {
		return 0, decoder{}, fmt.Errorf("FDE %#x before section start %#x",
			fdeAddr, tab.frames.vaddr)
	}
	fd = tab.frames.decode(uintptr(fdeAddr-tab.frames.vaddr), false)

	return pcStart, fd, err
}

// FDE is the PC range covered by one Frame Description Entry.
type FDE struct {
	PCBegin uint64
	PCRange uint64
}

// LookupFDE binary searches .eh_frame_hdr for the FDE covering addr.
func LookupFDE(ef *elffile.File, addr uint64) (FDE, error) {
	tab, err := openSearchTable(ef)
	if err != nil {
		return FDE{}, err
	}

	idx := sort.Search(tab.count(), func(idx int) bool {
		tab.seek(idx)
		pcStart, _, _ := tab.readEntry() // ignoring error, check bounds later
		return pcStart > addr
	})
	idx--
	if idx < 0 {
		return FDE{}, errors.New("FDE not found")
	}
	tab.seek(idx)
	pcStart, fd, entryErr := tab.readEntry()
	if entryErr != nil {
		return FDE{}, entryErr
	}
	_, fde, _, err := readFDEHeader(&fd, ef.Machine, pcStart, tab.cieCache)
	if err != nil {
		return FDE{}, err
	}
	if addr < fde.pcStart || addr >= fde.pcStart+fde.pcRange {
		return FDE{}, errors.New("FDE not found")
	}

	return FDE{
		PCBegin: fde.pcStart,
		PCRange: fde.pcRange,
	}, nil
}
