// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.stackwalk.dev/ptrace-profiler/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

// cieCacheSize bounds the CIEs kept parsed per scan. One CIE shared by all
// FDEs is the common case, a few more occur with mixed compilers.
const cieCacheSize = 256

// maxSectionSize caps how much unwind related section data is loaded.
const maxSectionSize = 128 * 1024 * 1024

// errWrongEntryKind reports a CIE where an FDE was expected or vice versa.
var errWrongEntryKind = errors.New("unexpected FDE/CIE type")

// errZeroLengthEntry reports a zero length CIE/FDE.
var errZeroLengthEntry = errors.New("FDE/CIE empty")

// frameHooks observes the extraction for filtering and debugging.
type frameHooks interface {
	// onFDE is called per FDE. A false return drops the FDE.
	onFDE(cie *cieRecord, fde *fdeRecord) bool
	// onDelta is called per produced stack delta.
	onDelta(ip uint64, row *ruleRow, delta stackdelta.StackDelta)
}

// uleb128 holds an unsigned little endian base-128 decoded value.
type uleb128 uint64

// sleb128 holds a signed little endian base-128 decoded value.
type sleb128 int64

// DWARF exception header pointer encodings: a value format in the low
// nibble, an adjustment to apply in the high nibble.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	peNative     encoding = 0x00
	peLeb128     encoding = 0x01
	peData2      encoding = 0x02
	peData4      encoding = 0x03
	peData8      encoding = 0x04
	peFormatMask encoding = 0x07
	peSigned     encoding = 0x08
	peAbs        encoding = 0x00
	pePCRel      encoding = 0x10
	peTextRel    encoding = 0x20
	peDataRel    encoding = 0x30
	peFuncRel    encoding = 0x40
	peAligned    encoding = 0x50
	peAdjustMask encoding = 0x70
	peIndirect   encoding = 0x80
	peOmit       encoding = 0xff
)

// peValueSize returns the byte size of one value in the encoding, or zero
// for variable length and omitted encodings.
func peValueSize(enc encoding) int {
	switch enc & peFormatMask {
	case peData2:
		return 2
	case peData4:
		return 4
	case peData8, peNative:
		return 8
	default:
		return 0
	}
}

// searchHdr is the fixed preamble of the .eh_frame_hdr section. The frame
// pointer, the FDE count and the binary search table follow it, each in the
// encoding the preamble declares.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
type searchHdr struct {
	version     uint8
	framePtrEnc encoding
	countEnc    encoding
	tableEnc    encoding
}

// region is a section or segment loaded to memory, remembering the virtual
// address it is mapped at.
type region struct {
	data  []byte
	vaddr uint64
}

// decode returns a decoder positioned at the given offset of the region.
func (re *region) decode(off uintptr, debugFrame bool) decoder {
	return decoder{
		debugFrame: debugFrame,
		data:       re.data,
		pos:        off,
		end:        uintptr(len(re.data)),
		vaddr:      re.vaddr,
	}
}

// sectionRegion loads a section's contents as a region.
func sectionRegion(sec *elffile.Section) *region {
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil
	}
	data, err := sec.Data(maxSectionSize)
	if err != nil {
		return nil
	}
	return &region{data: data, vaddr: sec.Addr}
}

// decoder reads DWARF values from a region with a moving cursor. Reading
// past the end never panics: it poisons the decoder so that isValid()
// reports false from then on, and further reads yield zeros.
type decoder struct {
	debugFrame bool
	data       []byte
	pos        uintptr
	end        uintptr
	vaddr      uint64
}

// at returns a decoder for the same region repositioned to off.
func (d *decoder) at(off uintptr) decoder {
	return decoder{
		debugFrame: d.debugFrame,
		data:       d.data,
		pos:        off,
		end:        uintptr(len(d.data)),
		vaddr:      d.vaddr,
	}
}

func (d *decoder) hasData() bool {
	return d.pos < d.end
}

func (d *decoder) isValid() bool {
	return d.data != nil && d.pos <= d.end
}

func (d *decoder) skip(num uintptr) {
	d.pos += num
}

// take consumes num bytes and returns them, or poisons the decoder and
// returns nil when not enough data is left.
func (d *decoder) take(num uintptr) []byte {
	if d.pos+num > d.end {
		d.pos = d.end + 1
		return nil
	}
	b := d.data[d.pos : d.pos+num]
	d.pos += num
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// uleb decodes one unsigned base-128 value.
func (d *decoder) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0; shift += 7 {
		b = d.u8()
		val |= uleb128(b&0x7f) << shift
	}
	return val
}

// sleb decodes one signed base-128 value.
func (d *decoder) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0; shift += 7 {
		b = d.u8()
		val |= sleb128(b&0x7f) << shift
	}
	if b&0x40 != 0 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str decodes one zero-terminated string. Only the short augmentation
// string is read this way.
func (d *decoder) str() string {
	if d.pos >= d.end {
		d.pos = d.end + 1
		return ""
	}
	idx := bytes.IndexByte(d.data[d.pos:d.end], 0)
	if idx < 0 {
		d.pos = d.end + 1
		return ""
	}
	s := string(d.data[d.pos : d.pos+uintptr(idx)])
	d.pos += uintptr(idx) + 1
	return s
}

// sub consumes num bytes, returning them as a bounded sub-decoder. The
// result is poisoned when the parent had less data than that.
func (d *decoder) sub(num uintptr) decoder {
	pos := d.pos
	d.pos = pos + num
	if d.pos > d.end {
		return decoder{}
	}
	return decoder{
		debugFrame: d.debugFrame,
		data:       d.data,
		pos:        pos,
		end:        d.pos,
		vaddr:      d.vaddr,
	}
}

// readExpression decodes one DWARF expression into a normalized form:
// opcodes with an inlined operand are split into the base opcode and the
// operand value, so expressions can be matched as plain opcode sequences.
func (d *decoder) readExpression() ([]exprOp, error) {
	blen := uintptr(d.uleb())
	ed := d.sub(blen)
	ops := make([]exprOp, 0, 8)
	for ed.hasData() {
		op := exprOpcode(ed.u8())
		switch {
		case op >= opLit0 && op <= opLit0+31:
			ops = append(ops, exprOp{
				op:   opLit0,
				arg1: uleb128(op - opLit0),
			})
		case op >= opBReg0 && op <= opBReg0+31:
			ops = append(ops, exprOp{
				op:   opBReg0,
				arg1: uleb128(op - opBReg0),
				arg2: uleb128(ed.sleb()),
			})
		case op == opConstU, op == opPlusUConst:
			ops = append(ops, exprOp{
				op:   op,
				arg1: ed.uleb(),
			})
		case op == opConstS:
			ops = append(ops, exprOp{
				op:   op,
				arg1: uleb128(ed.sleb()),
			})
		case op == opDeref, op >= opRot && op <= opNE:
			ops = append(ops, exprOp{op: op})
		default:
			return nil, fmt.Errorf("unsupported expression (length %v): op %#x", blen, op)
		}
	}
	return ops, nil
}

// ptr decodes one pointer value in the given encoding.
func (d *decoder) ptr(enc encoding) (uint64, error) {
	if enc == peOmit {
		return 0, nil
	}
	pos := uint64(d.pos)
	var val uint64
	switch enc & (peFormatMask | peSigned) {
	case peData2:
		val = uint64(d.u16())
	case peData4:
		val = uint64(d.u32())
	case peData8, peNative, peData8 | peSigned:
		val = d.u64()
	case peData2 | peSigned:
		val = uint64(int64(int16(d.u16())))
	case peData4 | peSigned:
		val = uint64(int64(int32(d.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & peAdjustMask {
	case peAbs:
	case pePCRel:
		val += pos + d.vaddr
	case peDataRel:
		val += d.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&peIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}

	return val, nil
}

// cieRecord holds the decoded fields of one Common Information Entry.
type cieRecord struct {
	dataAlign     sleb128
	codeAlign     uleb128
	raReg         uleb128
	ptrEnc        encoding
	lsdaEnc       encoding
	augmented     bool
	signalHandler bool

	// initialRow is the rule row after running the CIE instructions.
	initialRow ruleRow
}

// fdeRecord holds the location fields of one Frame Description Entry.
type fdeRecord struct {
	ciePos  uint64
	pcStart uint64
	pcRange uint64

	// sorted is set when the FDE came from a source walked in address order.
	sorted bool
}

// sigreturnCode holds the per-machine instructions of the rt_sigreturn
// trampoline. FDEs covering exactly this code are signal trampolines even
// when their unwind program claims otherwise, which it regularly does.
//
//nolint:lll
var sigreturnCode = map[elf.Machine][]byte{
	elf.EM_AARCH64: {
		// https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/arch/arm64/kernel/vdso/sigreturn.S?h=v6.4#n71
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/aarch64/restore.s?h=v1.2.4#n9
		// movz x8, #0x8b
		0x68, 0x11, 0x80, 0xd2,
		// svc  #0x0
		0x01, 0x00, 0x00, 0xd4,
	},
	elf.EM_X86_64: {
		// https://sourceware.org/git/?p=glibc.git;a=blob;f=sysdeps/unix/sysv/linux/x86_64/libc_sigaction.c;h=afdce87381228f0cf32fa9fa6c8c4efa5179065c;hb=a704fd9a133bfb10510e18702f48a6a9c88dbbd5#l80
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/x86_64/restore.s?h=v1.2.4#n6
		// mov $0xf,%rax
		0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00,
		// syscall
		0x0f, 0x05,
	},
}

// matchesSigreturn reads the code the FDE covers and compares it against
// the known sigreturn trampolines.
func matchesSigreturn(efCode *elffile.File, fde *fdeRecord) bool {
	want, ok := sigreturnCode[efCode.Machine]
	if !ok {
		return false
	}
	if fde.pcRange != uint64(len(want)) {
		return false
	}
	code := make([]byte, len(want))
	if _, err := efCode.ReadAt(code, int64(fde.pcStart)); err != nil {
		return false
	}
	return bytes.Equal(code, want)
}

// entryHeader decodes the length and CIE pointer fields common to CIEs and
// FDEs, returning a sub-decoder bounded to the entry.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (d *decoder) entryHeader(expectCIE bool) (data decoder, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(d.u32())
	if dlen == 0 {
		return decoder{}, 0, errZeroLengthEntry
	}
	if dlen < 0xfffffff0 {
		// Plain 32-bit DWARF.
		idPos = uint64(d.pos)
		ciePos = uint64(d.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	} else if dlen == 0xffffffff {
		// 64-bit DWARF: the real length follows the escape value.
		dlen = d.u64()
		idPos = uint64(d.pos)
		ciePos = d.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 8
	} else {
		// Sync is lost, stop consuming the region.
		d.pos = d.end
		return decoder{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = d.sub(uintptr(dlen))
	if !data.isValid() {
		return decoder{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond file end", ciePos)
	}
	if !d.debugFrame {
		// .eh_frame marks CIEs with a zero in the CIE pointer field.
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errWrongEntryKind
	}
	if !isCIE {
		if !d.debugFrame {
			// In .eh_frame the CIE pointer counts back from its own field,
			// not from the start of the section.
			ciePos = idPos - ciePos
		}
		if ciePos >= uint64(d.end) {
			return data, 0, fmt.Errorf("FDE starts beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// readCIE decodes one Common Information Entry into ci.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (d *decoder) readCIE(ci *cieRecord) (data decoder, err error) {
	data, _, err = d.entryHeader(true)
	if err != nil {
		return decoder{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return decoder{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*ci = cieRecord{
		ptrEnc:  peNative | peAbs,
		lsdaEnc: peNative | peAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Version 4 inserts address_size and segment_selector_size here.
		// Neither is needed, but they must be consumed.
		data.skip(2)
	}

	ci.codeAlign = data.uleb()
	ci.dataAlign = data.sleb()
	if ver == 1 {
		ci.raReg = uleb128(data.u8())
	} else {
		ci.raReg = data.uleb()
	}

	// An empty augmentation string means no augmentation data follows.
	if len(augmentation) > 0 {
		// Each augmentation character announces a header field.
		if augmentation[0] != 'z' {
			return decoder{}, fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		ci.augmented = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				ci.lsdaEnc = encoding(data.u8())
			case 'R':
				ci.ptrEnc = encoding(data.u8())
			case 'P':
				// The personality routine pointer is not used, but must be
				// consumed. Mask the unsupported indirect bit for that.
				enc := encoding(data.u8()) &^ peIndirect
				if _, err = data.ptr(enc); err != nil {
					return decoder{}, err
				}
			case 'S':
				ci.signalHandler = true
			default:
				return decoder{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return decoder{}, errors.New("CIE not valid after header")
	}
	return data, err
}

// readFDEHeader decodes the location fields of an FDE and resolves its CIE
// through the cache, running the CIE instruction program on a miss.
func readFDEHeader(fdeDecoder *decoder, efm elf.Machine, pcStart uint64,
	cieCache *lru.LRU[uint64, *cieRecord]) (d decoder, fde fdeRecord, cie *cieRecord, err error) {
	// The length and CIE pointer fields first.
	fdeID := fdeDecoder.pos
	d, fde.ciePos, err = fdeDecoder.entryHeader(false)
	if err != nil {
		// entryHeader consumed the entry even on a kind mismatch, which is
		// what lets scanFrames skip interleaved CIEs.
		return d, fde, nil, err
	}

	cie, ok := cieCache.Get(fde.ciePos)
	if !ok {
		cie = &cieRecord{}
		cd := fdeDecoder.at(uintptr(fde.ciePos))
		cd, err = cd.readCIE(cie)
		if err != nil {
			return d, fde, nil, fmt.Errorf("CIE %#x failed: %v", fde.ciePos, err)
		}

		// Prime initialRow so that restore instructions inside the CIE
		// program itself resolve against sane values.
		cie.initialRow = newRuleRow(efm)

		vm := cfaVM{
			cie: cie,
			row: newRuleRow(efm),
		}
		if err = vm.step(&cd); err != nil {
			return d, fde, nil, err
		}
		if !cd.isValid() {
			return d, fde, nil, fmt.Errorf("CIE %x parsing failed", fde.ciePos)
		}
		cie.initialRow = vm.row
		cieCache.Add(fde.ciePos, cie)
	}

	// The CIE dependent location fields follow.

	fde.pcStart, err = d.ptr(cie.ptrEnc)
	if err != nil {
		return d, fde, nil, err
	}
	if pcStart != 0 && fde.pcStart != pcStart {
		return d, fde, nil, fmt.Errorf(
			"FDE pcStart (%x) not matching search table FDE pcStart (%x)",
			fde.pcStart, pcStart)
	}
	if cie.ptrEnc&peIndirect != 0 {
		fde.pcRange, err = d.ptr(cie.ptrEnc)
	} else {
		fde.pcRange, err = d.ptr(cie.ptrEnc & (peFormatMask | peSigned))
	}
	if err != nil {
		return d, fde, nil, err
	}

	if cie.augmented {
		d.skip(uintptr(d.uleb()))
	}
	if !d.isValid() {
		return d, fde, nil, fmt.Errorf("FDE %x not valid after header", fdeID)
	}
	return d, fde, cie, nil
}

// processFDE decodes one Frame Description Entry and runs its instruction
// program, adding the produced rows to the extractor's deltas.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (ex *extractor) processFDE(fdeDecoder *decoder, ef *elffile.File, pcStart uint64,
	cieCache *lru.LRU[uint64, *cieRecord], sorted bool) error {
	fdeID := fdeDecoder.pos
	d, fde, cie, err := readFDEHeader(fdeDecoder, ef.Machine, pcStart, cieCache)
	if err != nil {
		return err
	}
	fde.sorted = sorted
	vm := cfaVM{cie: cie, row: cie.initialRow}

	if !ex.hooks.onFDE(vm.cie, &fde) {
		return nil
	}
	vm.loc = fde.pcStart
	if vm.cie.signalHandler || matchesSigreturn(ex.file, &fde) {
		// One synthetic row for the whole trampoline. Its own program is
		// not trustworthy.
		delta := stackdelta.StackDelta{
			Address: vm.loc,
			Hints:   stackdelta.UnwindHintKeep,
			Info:    stackdelta.UnwindInfoSignal,
		}
		ex.hooks.onDelta(vm.loc, &vm.row, delta)
		ex.deltas.AddEx(delta, sorted)
	} else {
		hint := stackdelta.UnwindHintKeep
		for d.hasData() {
			ip := vm.loc
			if err := vm.step(&d); err != nil {
				return err
			}
			delta := stackdelta.StackDelta{
				Address: ip,
				Hints:   hint,
				Info:    vm.row.unwindInfo(ex.allowGenericRegs),
			}
			ex.hooks.onDelta(ip, &vm.row, delta)
			ex.deltas.AddEx(delta, sorted)
			sorted = true
			hint = stackdelta.UnwindHintNone
		}

		ex.deltas.AddEx(stackdelta.StackDelta{
			Address: vm.loc,
			Hints:   hint,
			Info:    vm.row.unwindInfo(ex.allowGenericRegs),
		}, sorted)

		if !d.isValid() {
			return fmt.Errorf("FDE %x parsing failed", fdeID)
		}
	}

	// Terminate the function with a stop delta. A function starting right
	// at this address replaces it later.
	ex.deltas.AddEx(stackdelta.StackDelta{
		Address: fde.pcStart + fde.pcRange,
		Hints:   stackdelta.UnwindHintGap,
		Info:    stackdelta.UnwindInfoInvalid,
	}, sorted)

	return nil
}

// frameSources locates and keeps the exception frame data of one ELF file.
type frameSources struct {
	search *region
	frames *region

	hdr      searchHdr
	fdeCount uint64
	tableOff uintptr
}

// parseSearchHdr decodes the .eh_frame_hdr preamble and checks that the
// binary search table is in the one format this code reads.
func (src *frameSources) parseSearchHdr() bool {
	if src.search == nil {
		return false
	}
	d := src.search.decode(0, false)
	src.hdr.version = d.u8()
	src.hdr.framePtrEnc = encoding(d.u8())
	src.hdr.countEnc = encoding(d.u8())
	src.hdr.tableEnc = encoding(d.u8())
	if !d.isValid() || src.hdr.version != 1 {
		return false
	}
	// An omitted or odd-format table is treated like a missing header.
	if src.hdr.tableEnc != peDataRel+peSigned+peData4 {
		return false
	}

	if _, err := d.ptr(src.hdr.framePtrEnc); err != nil {
		return false
	}
	fdeCount, err := d.ptr(src.hdr.countEnc)
	if err != nil {
		return false
	}
	src.fdeCount = fdeCount
	src.tableOff = d.pos
	return true
}

// locate finds the .eh_frame_hdr and .eh_frame data, via section headers
// when present and via the PT_GNU_EH_FRAME program header otherwise.
func (src *frameSources) locate(ef *elffile.File) error {
	// Section headers cover the majority of well-behaved binaries.
	src.fdeCount = ^uint64(0)
	src.search = sectionRegion(ef.Section(".eh_frame_hdr"))
	src.frames = sectionRegion(ef.Section(".eh_frame"))

	if !src.parseSearchHdr() {
		src.search = nil
	}

	// With the frame data in hand a linear walk bounded by the section
	// size needs no search header.
	if src.frames != nil {
		return nil
	}

	// In-memory images and binaries with stripped section headers still
	// carry the PT_GNU_EH_FRAME program header.
	prog, hdrSize, err := ef.EHFrame()
	if err != nil {
		log.Debugf("No PT_GNU_EH_FRAME program header: %v", err)
		return nil
	}
	data, err := prog.Data(maxSectionSize)
	if err != nil {
		return err
	}
	if uint64(len(data)) < hdrSize {
		return errors.New("PT_GNU_EH_FRAME segment is truncated")
	}

	src.search = &region{data: data[:hdrSize], vaddr: prog.Vaddr}
	src.frames = &region{data: data[hdrSize:], vaddr: prog.Vaddr + hdrSize}

	if !src.parseSearchHdr() {
		// The program header locates only the search header. Without a
		// usable header nothing bounds the FDE list inside the segment.
		src.search = nil
		src.frames = nil
		return errors.New("no suitable way of parsing eh_frame found")
	}

	// Some binaries map the header but no frame data.
	if len(src.frames.data) == 0 {
		return errors.New("the eh_frame section is empty")
	}
	return nil
}

// scanFrames walks a .debug_frame or .eh_frame region linearly, processing
// every FDE it contains.
func (ex *extractor) scanFrames(ef *elffile.File, frames *decoder, numFDEs uint64) error {
	cieCache, err := lru.New[uint64, *cieRecord](cieCacheSize, hashUint64)
	if err != nil {
		return err
	}

	// CIEs interleaved with the FDEs surface as errWrongEntryKind and are
	// then decoded on demand when an FDE refers to them.
	for frames.hasData() && numFDEs > 0 {
		pos := frames.pos
		err = ex.processFDE(frames, ef, 0, cieCache, false)
		if err == nil {
			numFDEs--
		} else if err != errWrongEntryKind && err != errZeroLengthEntry {
			return fmt.Errorf("failed to parse FDE %#x: %v", pos, err)
		}
	}

	return nil
}

func hashUint64(u uint64) uint32 {
	return uint32(libsw.HashUint64(u))
}

// extractEHFrame extracts stack deltas from the .eh_frame data.
func (ex *extractor) extractEHFrame() error {
	var src frameSources

	if err := src.locate(ex.file); err != nil {
		return fmt.Errorf("failed to get EH sections: %w", err)
	}

	if src.frames == nil {
		// Nothing to parse is not an error.
		return nil
	}

	frames := src.frames.decode(0, false)
	return ex.scanFrames(ex.file, &frames, src.fdeCount)
}

// extractDebugFrame extracts stack deltas from the .debug_frame data of the
// given ELF, which may be a separate debug info file.
func (ex *extractor) extractDebugFrame(ef *elffile.File) error {
	sec := sectionRegion(ef.Section(".debug_frame"))
	if sec == nil {
		return nil
	}
	frames := sec.decode(0, true)
	return ex.scanFrames(ef, &frames, ^uint64(0))
}
