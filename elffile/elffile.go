// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package elffile is a minimal ELF reader serving the unwind metadata
// extraction. It works on top of a plain io.ReaderAt so the same code reads
// executables from disk (mmap-backed) and ELF images that only exist in the
// memory of another process, such as the vDSO. Compared to debug/elf it
// avoids loading full symbol tables and supports images whose section
// headers are absent or untrustworthy by falling back to program headers.
package elffile // import "go.stackwalk.dev/ptrace-profiler/elffile"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

const (
	// maxBytesSmallSection is the maximum accepted size for small parsed
	// sections (e.g. notes).
	maxBytesSmallSection = 4 * 1024

	// maxBytesLargeSection is the maximum accepted size for large parsed
	// sections (e.g. unwind and string tables).
	maxBytesLargeSection = 128 * 1024 * 1024
)

// ErrSymbolNotFound is returned when the requested symbol was not found.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrNotELF is returned when the file is not an ELF.
var ErrNotELF = errors.New("not an ELF file")

// File represents an open ELF file.
type File struct {
	// closer is called when resources for this File are to be released.
	closer io.Closer

	// elfReader is the ReadAt implementation used for this File.
	elfReader io.ReaderAt

	// ehFrame points to the PT_GNU_EH_FRAME segment, if present.
	ehFrame *Prog

	// Progs contains the program headers.
	Progs []Prog

	// Sections contains the section headers, once loaded.
	Sections []Section

	// elfHeader is the ELF file header.
	elfHeader elf.Header64

	// gnuHash and sysvHash describe the dynamic symbol hash tables.
	gnuHash struct {
		addr   int64
		header gnuHashHeader
	}
	sysvHash struct {
		addr   int64
		header sysvHashHeader
	}

	// stringsAddr/symbolsAddr are the virtual addresses of the dynamic
	// string and symbol tables.
	stringsAddr int64
	symbolsAddr int64

	// sonameOffset is the DT_SONAME offset into the dynamic string table.
	sonameOffset int64

	// bias is the load bias for images read from another process's memory.
	bias libsw.Address

	// InMemory indicates this ELF is mapped from another process's memory
	// rather than from its backing file. Section headers are not
	// trustworthy in that case.
	InMemory bool

	sectionError error

	Type    elf.Type
	Machine elf.Machine
	Entry   uint64
}

// sysvHashHeader is the ELF DT_HASH table header.
type sysvHashHeader struct {
	numBuckets uint32
	numSymbols uint32
}

// gnuHashHeader is the ELF DT_GNU_HASH table header.
type gnuHashHeader struct {
	numBuckets   uint32
	symbolOffset uint32
	bloomSize    uint32
	bloomShift   uint32
}

// Prog represents a program header and the data associated with it.
type Prog struct {
	elf.ProgHeader

	// elfReader is the same ReadAt as used for the File.
	elfReader io.ReaderAt
}

// Section represents a section header and the data associated with it.
type Section struct {
	elf.SectionHeader

	// Embed ReaderAt for the ReadAt method.
	io.ReaderAt
}

// Symbol is one entry of an ELF symbol table.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
}

// Open opens the named file and prepares it for use as an ELF binary. The
// file contents are mapped into memory where possible.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	var reader io.ReaderAt
	var closer io.Closer
	if m, err := newMmapReaderAt(f); err == nil {
		// The mapping outlives the descriptor.
		f.Close()
		reader, closer = m, m
	} else {
		// Pseudo files (e.g. under /proc) cannot be mapped. Fall back to
		// plain file reads.
		reader, closer = f, f
	}
	ff, err := newFile(reader, closer, 0)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return ff, nil
}

// NewFile creates an ELF file object that borrows the given reader. A
// non-zero loadAddress declares the image as read from process memory at
// that address, which enables pointer unrelocation and disables section
// header usage.
func NewFile(r io.ReaderAt, loadAddress uint64) (*File, error) {
	return newFile(r, nil, loadAddress)
}

// Close closes the File.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

func newFile(r io.ReaderAt, closer io.Closer, loadAddress uint64) (*File, error) {
	f := &File{
		elfReader: r,
		InMemory:  loadAddress != 0,
		closer:    closer,
	}

	hdr := &f.elfHeader
	if _, err := r.ReadAt(libsw.SliceFromPointer(hdr), 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.Ident[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrNotELF
	}
	if elf.Class(hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB ||
		elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("unsupported ELF file: %v", hdr.Ident)
	}

	f.Machine = elf.Machine(hdr.Machine)
	f.Type = elf.Type(hdr.Type)
	f.Entry = hdr.Entry

	if hdr.Phnum == 0 {
		return nil, fmt.Errorf("ELF with zero program headers (type: %v)", f.Type)
	}

	progs := make([]elf.Prog64, hdr.Phnum)
	if _, err := r.ReadAt(libsw.SliceFromSlice(progs), int64(hdr.Phoff)); err != nil {
		return nil, err
	}

	f.Progs = make([]Prog, hdr.Phnum)
	virtualBase := ^uint64(0)
	for i, ph := range progs {
		p := &f.Progs[i]
		p.ProgHeader = elf.ProgHeader{
			Type:   elf.ProgType(ph.Type),
			Flags:  elf.ProgFlag(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Paddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		}
		p.elfReader = r
		if p.Type == elf.PT_LOAD && p.Vaddr < virtualBase {
			virtualBase = p.Vaddr
		}
	}
	if loadAddress != 0 {
		f.bias = libsw.Address(loadAddress - virtualBase)
	}

	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Filesz <= 0 {
			continue
		}
		switch p.ProgHeader.Type {
		case elf.PT_DYNAMIC:
			f.parseDynamic(p)
		case elf.PT_GNU_EH_FRAME:
			f.ehFrame = p
		}
	}

	return f, nil
}

func (f *File) parseDynamic(p *Prog) {
	rdr, err := p.DataReader(maxBytesLargeSection)
	if err != nil {
		return
	}
	// The dynamic loader adjusts the PT_DYNAMIC table of a loaded image to
	// contain mapped virtual addresses. Convert them back to file virtual
	// addresses.
	bias := int64(f.bias)
	var dyn elf.Dyn64
	for {
		if _, err := rdr.Read(libsw.SliceFromPointer(&dyn)); err != nil {
			break
		}
		adjustedVal := int64(dyn.Val)
		if adjustedVal >= bias {
			adjustedVal -= bias
		}
		switch elf.DynTag(dyn.Tag) {
		case elf.DT_HASH:
			f.sysvHash.addr = adjustedVal
		case elf.DT_STRTAB:
			f.stringsAddr = adjustedVal
		case elf.DT_SYMTAB:
			f.symbolsAddr = adjustedVal
		case elf.DT_GNU_HASH:
			f.gnuHash.addr = adjustedVal
		case elf.DT_SONAME:
			// A string table offset, not an address. No bias adjustment.
			f.sonameOffset = int64(dyn.Val)
		}
	}
}

// Soname returns the DT_SONAME of a shared object, or an error if the image
// does not declare one.
func (f *File) Soname() (string, error) {
	if f.sonameOffset == 0 || f.stringsAddr == 0 {
		return "", errors.New("no DT_SONAME present")
	}
	var buf [128]byte
	n, err := f.ReadVirtualMemory(buf[:], f.stringsAddr+f.sonameOffset)
	if n <= 0 {
		return "", err
	}
	end := bytes.IndexByte(buf[:n], 0)
	if end < 0 {
		return "", errors.New("DT_SONAME not terminated")
	}
	return string(buf[:end]), nil
}

// getString extracts a null terminated string from an ELF string table.
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	for end := start; end < len(section); end++ {
		if section[end] == 0 {
			return string(section[start:end]), true
		}
	}
	return "", false
}

// LoadSections loads the section headers. Not supported for in-memory
// images: their section headers are routinely reused or discarded at
// runtime.
func (f *File) LoadSections() error {
	if f.InMemory {
		return errors.New("section headers are not available for in-memory ELF")
	}
	if f.Sections != nil || f.sectionError != nil {
		return f.sectionError
	}

	hdr := &f.elfHeader
	if hdr.Shnum == 0 {
		return nil
	}
	if hdr.Shstrndx >= hdr.Shnum {
		f.sectionError = fmt.Errorf("invalid ELF section string table index (%d / %d)",
			hdr.Shstrndx, hdr.Shnum)
		return f.sectionError
	}

	sections := make([]elf.Section64, hdr.Shnum)
	if _, err := f.elfReader.ReadAt(libsw.SliceFromSlice(sections),
		int64(hdr.Shoff)); err != nil {
		f.sectionError = err
		return err
	}

	loaded := make([]Section, hdr.Shnum)
	for i, sh := range sections {
		s := &loaded[i]
		s.SectionHeader = elf.SectionHeader{
			Type:      elf.SectionType(sh.Type),
			Flags:     elf.SectionFlag(sh.Flags),
			Addr:      sh.Addr,
			Offset:    sh.Off,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
			FileSize:  sh.Size,
		}
		s.ReaderAt = io.NewSectionReader(f.elfReader, int64(s.Offset), int64(s.FileSize))
	}

	strsh := &loaded[hdr.Shstrndx]
	strtab, err := strsh.Data(maxBytesLargeSection)
	if err != nil {
		f.sectionError = err
		return err
	}
	for i := range loaded {
		name, ok := getString(strtab, int(sections[i].Name))
		if !ok {
			f.sectionError = fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, sections[i].Name, len(strtab))
			return f.sectionError
		}
		loaded[i].Name = name
	}

	f.Sections = loaded
	return nil
}

// Section returns a section with the given name, or nil if no such section
// exists.
func (f *File) Section(name string) *Section {
	if f.LoadSections() != nil {
		return nil
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ReadVirtualMemory reads bytes from the given virtual address.
func (f *File) ReadVirtualMemory(p []byte, addr int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for i := range f.Progs {
		ph := &f.Progs[i]
		// ReadAt style short reads are allowed, so only the start address
		// needs to be inside the segment.
		if ph.Type == elf.PT_LOAD && uint64(addr) >= ph.Vaddr &&
			uint64(addr) < ph.Vaddr+ph.Memsz {
			return ph.ReadAt(p, addr-int64(ph.Vaddr))
		}
	}
	return 0, fmt.Errorf("no matching segment for 0x%x", uint64(addr))
}

// ReadAt implements io.ReaderAt over the image's virtual address space.
func (f *File) ReadAt(p []byte, addr int64) (int, error) {
	return f.ReadVirtualMemory(p, addr)
}

// EHFrame returns a program header covering the area from the start of the
// PT_GNU_EH_FRAME segment to the end of its containing PT_LOAD segment, and
// the size of the exception frame header within it. This provides access to
// .eh_frame_hdr and .eh_frame even when section headers are unavailable.
func (f *File) EHFrame() (prog *Prog, hdrSize uint64, err error) {
	if f.ehFrame == nil {
		return nil, 0, errors.New("no PT_GNU_EH_FRAME tag found")
	}
	p := f.ehFrame
	for i := range f.Progs {
		ph := &f.Progs[i]
		if ph.Type != elf.PT_LOAD || p.Vaddr < ph.Vaddr ||
			p.Vaddr >= ph.Vaddr+ph.Filesz {
			continue
		}
		// Normally the LOAD segment contains .rodata, .eh_frame_hdr and
		// .eh_frame. Craft a subset segment from the PT_GNU_EH_FRAME start
		// until the end of the LOAD segment. The PT_GNU_EH_FRAME segment
		// itself covers .eh_frame_hdr only.
		offs := p.Vaddr - ph.Vaddr
		return &Prog{
			ProgHeader: elf.ProgHeader{
				Type:   ph.Type,
				Flags:  ph.Flags,
				Off:    ph.Off + offs,
				Vaddr:  ph.Vaddr + offs,
				Paddr:  ph.Paddr + offs,
				Filesz: ph.Filesz - offs,
				Memsz:  ph.Memsz - offs,
				Align:  ph.Align,
			},
			elfReader: f.elfReader,
		}, p.Filesz, nil
	}
	return nil, 0, errors.New("no PT_LOAD segment for PT_GNU_EH_FRAME found")
}

// ReadAt implements the io.ReaderAt interface over the program body.
func (ph *Prog) ReadAt(p []byte, off int64) (n int, err error) {
	// First load as much as possible from the backing reader.
	if uint64(off) < ph.Filesz {
		end := int(min(int64(len(p)), int64(ph.Filesz)-off))
		n, err = ph.elfReader.ReadAt(p[0:end], int64(ph.Off)+off)
		if n == 0 && errors.Is(err, syscall.EFAULT) {
			// Read zeroes from sparse file holes.
			clear(p[0:end])
			n = end
			err = nil
		}
		if n != end || err != nil {
			return n, err
		}
		off += int64(n)
	}

	// The gap between Filesz and Memsz is allocated by the dynamic loader
	// as anonymous zero initialized pages.
	if n < len(p) && uint64(off) < ph.Memsz {
		end := int(min(int64(len(p)-n), int64(ph.Memsz)-off))
		clear(p[n : n+end])
		n += end
	}

	if n != len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Data loads the whole program header referenced data as a slice.
func (ph *Prog) Data(maxSize uint) ([]byte, error) {
	if ph.Filesz > uint64(maxSize) {
		return nil, fmt.Errorf("segment size %d is too large", ph.Filesz)
	}
	p := make([]byte, ph.Filesz)
	_, err := ph.ReadAt(p, 0)
	return p, err
}

// DataReader loads the whole program header referenced data and returns a
// reader to it.
func (ph *Prog) DataReader(maxSize uint) (io.Reader, error) {
	p, err := ph.Data(maxSize)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(p), nil
}

// Data loads the whole section referenced data as a slice.
func (sh *Section) Data(maxSize uint) ([]byte, error) {
	if sh.Flags&elf.SHF_COMPRESSED != 0 {
		return nil, errors.New("compressed sections not supported")
	}
	if sh.FileSize > uint64(maxSize) {
		return nil, fmt.Errorf("section size %d is too large", sh.FileSize)
	}
	p := make([]byte, sh.FileSize)
	_, err := sh.ReadAt(p, 0)
	return p, err
}

// sortProgs returns the PT_LOAD headers sorted by virtual address.
func (f *File) sortProgs() []*Prog {
	loads := make([]*Prog, 0, len(f.Progs))
	for i := range f.Progs {
		if f.Progs[i].Type == elf.PT_LOAD {
			loads = append(loads, &f.Progs[i])
		}
	}
	sort.Slice(loads, func(i, j int) bool {
		return loads[i].Vaddr < loads[j].Vaddr
	})
	return loads
}

// VirtualRange returns the lowest and highest virtual addresses the image's
// PT_LOAD segments occupy.
func (f *File) VirtualRange() (start, end uint64) {
	loads := f.sortProgs()
	if len(loads) == 0 {
		return 0, 0
	}
	return loads[0].Vaddr, loads[len(loads)-1].Vaddr + loads[len(loads)-1].Memsz
}
