// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elffile // import "go.stackwalk.dev/ptrace-profiler/elffile"

import (
	"debug/elf"
	"errors"
	"unsafe"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// readAndMatchSymbol reads dynamic symbol table entry n and returns it if
// its name matches.
func (f *File) readAndMatchSymbol(n uint32, name string) (Symbol, bool) {
	var sym elf.Sym64

	symSz := int64(unsafe.Sizeof(sym))
	if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&sym),
		f.symbolsAddr+int64(n)*symSz); err != nil {
		return Symbol{}, false
	}
	slen := len(name) + 1
	sname := make([]byte, slen)
	if _, err := f.ReadVirtualMemory(sname, f.stringsAddr+int64(sym.Name)); err != nil {
		return Symbol{}, false
	}
	if sname[slen-1] != 0 || string(sname[:slen-1]) != name {
		return Symbol{}, false
	}

	return Symbol{
		Name:    name,
		Address: sym.Value,
		Size:    sym.Size,
	}, true
}

// calcGNUHash calculates a GNU symbol hash.
func calcGNUHash(s string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(s) {
		h += h*32 + uint32(c)
	}
	return h
}

// calcSysvHash calculates a SYSV symbol hash.
func calcSysvHash(s string) uint32 {
	h := uint32(0)
	for _, c := range []byte(s) {
		h = 16*h + uint32(c)
		h ^= h >> 24 & 0xf0
	}
	return h & 0xfffffff
}

// LookupSymbol searches the dynamic symbol hash tables for the given symbol.
// This reads only the entries the hash walk touches, so it is usable against
// in-memory images where loading a full symbol table is not.
func (f *File) LookupSymbol(symbol string) (Symbol, error) {
	switch {
	case f.gnuHash.addr != 0:
		return f.lookupGNUHash(symbol)
	case f.sysvHash.addr != 0:
		return f.lookupSysvHash(symbol)
	default:
		return Symbol{}, errors.New("symbol hash not present")
	}
}

func (f *File) lookupGNUHash(symbol string) (Symbol, error) {
	hdr := &f.gnuHash.header
	if hdr.numBuckets == 0 {
		if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(hdr),
			f.gnuHash.addr); err != nil {
			return Symbol{}, err
		}
		if hdr.numBuckets == 0 || hdr.bloomSize == 0 {
			return Symbol{}, errors.New("DT_GNU_HASH corrupt")
		}
	}
	// ELFCLASS64: bloom filter words are 64-bit.
	const ptrSize = 8
	const ptrSizeBits = uint32(8 * ptrSize)

	var bloom uint64
	h := calcGNUHash(symbol)
	offs := f.gnuHash.addr + int64(unsafe.Sizeof(gnuHashHeader{}))
	if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&bloom), offs+
		ptrSize*int64((h/ptrSizeBits)%hdr.bloomSize)); err != nil {
		return Symbol{}, err
	}
	mask := uint64(1)<<(h%ptrSizeBits) |
		uint64(1)<<((h>>hdr.bloomShift)%ptrSizeBits)
	if bloom&mask != mask {
		return Symbol{}, ErrSymbolNotFound
	}

	// Read the initial symbol index to start looking from.
	offs += int64(hdr.bloomSize) * ptrSize
	var i uint32
	if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&i),
		offs+4*int64(h%hdr.numBuckets)); err != nil {
		return Symbol{}, err
	}
	if i == 0 {
		return Symbol{}, ErrSymbolNotFound
	}

	// Walk the hash bucket.
	offs += int64(4*hdr.numBuckets + 4*(i-hdr.symbolOffset))
	h |= 1
	for {
		var h2 uint32
		if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&h2), offs); err != nil {
			return Symbol{}, err
		}
		if h == h2|1 {
			if s, ok := f.readAndMatchSymbol(i, symbol); ok {
				return s, nil
			}
		}
		// The lowest bit terminates the bucket.
		if h2&1 != 0 {
			break
		}
		offs += 4
		i++
	}
	return Symbol{}, ErrSymbolNotFound
}

func (f *File) lookupSysvHash(symbol string) (Symbol, error) {
	hdr := &f.sysvHash.header
	if hdr.numBuckets == 0 {
		if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(hdr),
			f.sysvHash.addr); err != nil {
			return Symbol{}, err
		}
		if hdr.numBuckets == 0 {
			return Symbol{}, errors.New("DT_HASH corrupt")
		}
	}
	var i uint32
	offs := f.sysvHash.addr + int64(unsafe.Sizeof(*hdr))
	h := calcSysvHash(symbol)
	bucket := int64(h % hdr.numBuckets)
	if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&i), offs+4*bucket); err != nil {
		return Symbol{}, err
	}
	offs += 4 * int64(hdr.numBuckets)
	for i != 0 && i < hdr.numSymbols {
		if s, ok := f.readAndMatchSymbol(i, symbol); ok {
			return s, nil
		}
		if _, err := f.ReadVirtualMemory(libsw.SliceFromPointer(&i),
			offs+4*int64(i)); err != nil {
			return Symbol{}, err
		}
	}
	return Symbol{}, ErrSymbolNotFound
}
