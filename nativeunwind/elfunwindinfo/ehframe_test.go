// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.stackwalk.dev/ptrace-profiler/elffile"
	"go.stackwalk.dev/ptrace-profiler/nativeunwind/stackdelta"
)

type ehtester struct {
	t     *testing.T
	res   map[uint64]stackdelta.UnwindInfo
	found int
}

func (e *ehtester) onFDE(cie *cieRecord, fde *fdeRecord) bool {
	e.t.Logf("FDE ciePos %x, pc %x...%x, range %d (enc %x, cf %d, df %d, ra %d)",
		fde.ciePos, fde.pcStart, fde.pcStart+fde.pcRange, fde.pcRange,
		cie.ptrEnc, cie.codeAlign, cie.dataAlign, cie.raReg)
	e.t.Logf("   LOC           CFA          rbp   ra")
	return true
}

func (e *ehtester) onDelta(ip uint64, row *ruleRow, delta stackdelta.StackDelta) {
	e.t.Logf("%016x %-12s %-5s %s",
		ip,
		row.cfa.String(),
		row.fp.String(),
		row.ra.String())
	if expected, ok := e.res[ip]; ok {
		assert.Equal(e.t, expected, delta.Info)
		e.found++
	}
}

func genDelta(opcode uint8, cfa, rbp int32) stackdelta.UnwindInfo {
	res := stackdelta.UnwindInfo{
		Opcode: opcode,
		Param:  cfa,
	}
	if rbp != 0 {
		res.FPOpcode = stackdelta.UnwindOpcodeBaseCFA
		res.FPParam = -rbp
	}
	return res
}

func deltaRSP(cfa, rbp int32) stackdelta.UnwindInfo {
	return genDelta(stackdelta.UnwindOpcodeBaseSP, cfa, rbp)
}

func deltaRBP(cfa, rbp int32) stackdelta.UnwindInfo {
	return genDelta(stackdelta.UnwindOpcodeBaseFP, cfa, rbp)
}

// Layout of the synthetic executable built by makeUnwindExecutable.
const (
	testTextVaddr    = 0x1000
	testEhHdrVaddr   = 0x2000
	testEhFrameVaddr = 0x2040
	testShstrtabOff  = 0x2090
	testShdrOff      = 0x2100
)

func u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func put(t *testing.T, buf *bytes.Buffer, data any) {
	t.Helper()
	require.NoError(t, binary.Write(buf, binary.LittleEndian, data))
}

func padTo(buf *bytes.Buffer, off int) {
	buf.Write(make([]byte, off-buf.Len()))
}

// makeUnwindExecutable builds an ET_DYN image with a hand-assembled .eh_frame
// describing two functions:
//
//	func1 at 0x1000..0x1020, a standard push rbp prologue:
//	  0x1000  cfa=rsp+8
//	  0x1001  cfa=rsp+16, rbp at cfa-16  (after push %rbp)
//	  0x1004  cfa=rbp+16, rbp at cfa-16  (after mov %rsp,%rbp)
//	func2 at 0x1030..0x1040, a leaf with the CIE default rules only.
//
// The .eh_frame_hdr binary search table covers both.
func makeUnwindExecutable(t *testing.T) []byte {
	t.Helper()

	ehFrameHdr := bytes.Join([][]byte{
		{
			1,    // version
			0x1b, // eh_frame_ptr encoding: pcrel sdata4
			0x03, // fde_count encoding: udata4
			0x3b, // table encoding: datarel sdata4
		},
		u32(0x3c), // eh_frame_ptr: testEhFrameVaddr relative to 0x2004
		u32(2),    // fde_count
		// Search table: pcStart and fdeAddr, both relative to testEhHdrVaddr.
		u32(0xfffff000), u32(0x58), // func1, FDE at 0x2058
		u32(0xffffefd0), u32(0x74), // func2, FDE at 0x2074
	}, nil)

	ehFrame := bytes.Join([][]byte{
		// CIE, 24 bytes
		{
			0x14, 0, 0, 0, // length
			0, 0, 0, 0, // CIE id
			1,             // version
			'z', 'R', 0, // augmentation
			1,    // code alignment factor
			0x78, // data alignment factor: -8
			16,   // return address register: rip
			1,    // augmentation data length
			0x1b, // FDE pointer encoding: pcrel sdata4
			0x0c, 7, 8, // DW_CFA_def_cfa: rsp+8
			0x90, 1, // DW_CFA_offset: rip at cfa-8
			0, 0, // DW_CFA_nop
		},
		// FDE for func1, 28 bytes at offset 0x18
		{
			0x18, 0, 0, 0, // length
			0x1c, 0, 0, 0, // CIE pointer
		},
		u32(0xffffefa0), // pc begin: 0x1000 relative to 0x2060
		u32(0x20),       // pc range
		{
			0,          // augmentation data length
			0x41,       // DW_CFA_advance_loc 1
			0x0e, 0x10, // DW_CFA_def_cfa_offset 16
			0x86, 0x02, // DW_CFA_offset: rbp at cfa-16
			0x43,       // DW_CFA_advance_loc 3
			0x0d, 0x06, // DW_CFA_def_cfa_register rbp
			0, 0, 0, // DW_CFA_nop
		},
		// FDE for func2, 20 bytes at offset 0x34
		{
			0x10, 0, 0, 0, // length
			0x38, 0, 0, 0, // CIE pointer
		},
		u32(0xffffefb4), // pc begin: 0x1030 relative to 0x207c
		u32(0x10),       // pc range
		{
			0,       // augmentation data length
			0, 0, 0, // DW_CFA_nop
		},
		// terminator
		u32(0),
	}, nil)
	require.Len(t, ehFrame, 0x4c)

	shstrtab := []byte("\x00.text\x00.eh_frame_hdr\x00.eh_frame\x00.shstrtab\x00")

	buf := &bytes.Buffer{}
	put(t, buf, elf.Header64{
		Ident: [16]byte{0x7f, 'E', 'L', 'F',
			byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     0x40,
		Shoff:     testShdrOff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     2,
		Shentsize: 64,
		Shnum:     5,
		Shstrndx:  4,
	})
	put(t, buf, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Filesz: testShstrtabOff,
		Memsz:  testShstrtabOff,
		Align:  0x1000,
	})
	put(t, buf, elf.Prog64{
		Type:  uint32(elf.PT_GNU_EH_FRAME),
		Flags: uint32(elf.PF_R),
		Off:   testEhHdrVaddr, Vaddr: testEhHdrVaddr, Paddr: testEhHdrVaddr,
		Filesz: uint64(len(ehFrameHdr)),
		Memsz:  uint64(len(ehFrameHdr)),
		Align:  4,
	})

	padTo(buf, testEhHdrVaddr)
	buf.Write(ehFrameHdr)
	padTo(buf, testEhFrameVaddr)
	buf.Write(ehFrame)
	padTo(buf, testShstrtabOff)
	buf.Write(shstrtab)

	padTo(buf, testShdrOff)
	put(t, buf, elf.Section64{}) // SHT_NULL
	put(t, buf, elf.Section64{
		Name: 1, Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addr:  testTextVaddr, Off: testTextVaddr, Size: 0x100, Addralign: 16,
	})
	put(t, buf, elf.Section64{
		Name: 7, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC),
		Addr: testEhHdrVaddr, Off: testEhHdrVaddr,
		Size: uint64(len(ehFrameHdr)), Addralign: 4,
	})
	put(t, buf, elf.Section64{
		Name: 21, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC),
		Addr: testEhFrameVaddr, Off: testEhFrameVaddr,
		Size: uint64(len(ehFrame)), Addralign: 8,
	})
	put(t, buf, elf.Section64{
		Name: 31, Type: uint32(elf.SHT_STRTAB),
		Off: testShstrtabOff, Size: uint64(len(shstrtab)), Addralign: 1,
	})
	return buf.Bytes()
}

func openUnwindExecutable(t *testing.T) *elffile.File {
	t.Helper()
	ef, err := elffile.NewFile(bytes.NewReader(makeUnwindExecutable(t)), 0)
	require.NoError(t, err)
	return ef
}

func TestEhFrame(t *testing.T) {
	// Selected stack delta matches to verify that the ehframe machine is
	// working correctly.
	res := map[uint64]stackdelta.UnwindInfo{
		0x1000: deltaRSP(8, 0),
		0x1001: deltaRSP(16, 16),
		0x1004: deltaRBP(16, 16),
		0x1030: deltaRSP(8, 0),
	}

	ef := openUnwindExecutable(t)
	tester := ehtester{t: t, res: res}
	ex := extractor{
		file:   ef,
		deltas: &stackdelta.StackDeltaArray{},
		hooks:  &tester,
	}
	err := ex.extractEHFrame()
	require.NoError(t, err)
	assert.Equal(t, len(res), tester.found)
}

func TestExtractELF(t *testing.T) {
	ef := openUnwindExecutable(t)

	var data stackdelta.IntervalData
	err := ExtractELF(ef, "", &data)
	require.NoError(t, err)

	expected := stackdelta.StackDeltaArray{
		{Address: 0x1000, Hints: stackdelta.UnwindHintKeep, Info: deltaRSP(8, 0)},
		{Address: 0x1001, Info: deltaRSP(16, 16)},
		{Address: 0x1004, Info: deltaRBP(16, 16)},
		{Address: 0x1020, Hints: stackdelta.UnwindHintGap, Info: stackdelta.UnwindInfoInvalid},
		{Address: 0x1030, Hints: stackdelta.UnwindHintKeep, Info: deltaRSP(8, 0)},
		{Address: 0x1040, Hints: stackdelta.UnwindHintGap, Info: stackdelta.UnwindInfoInvalid},
	}
	assert.Equal(t, expected, data.Deltas)

	// The function body resolves through the intervals, the gap between the
	// functions does not.
	info, ok := data.Lookup(0x1002)
	require.True(t, ok)
	assert.Equal(t, deltaRSP(16, 16), info)
	info, ok = data.Lookup(0x1025)
	require.True(t, ok)
	assert.Equal(t, stackdelta.UnwindInfoInvalid, info)
}

func TestLookupFDE(t *testing.T) {
	checks := []struct {
		at       uint64
		expected FDE
	}{
		{at: 0x0fff, expected: FDE{}},
		{at: 0x1000, expected: FDE{PCBegin: 0x1000, PCRange: 0x20}},
		{at: 0x1013, expected: FDE{PCBegin: 0x1000, PCRange: 0x20}},
		{at: 0x101f, expected: FDE{PCBegin: 0x1000, PCRange: 0x20}},
		{at: 0x1020, expected: FDE{}},
		{at: 0x102f, expected: FDE{}},
		{at: 0x1030, expected: FDE{PCBegin: 0x1030, PCRange: 0x10}},
		{at: 0x103f, expected: FDE{PCBegin: 0x1030, PCRange: 0x10}},
		{at: 0x1040, expected: FDE{}},
		{at: 0xcafe000, expected: FDE{}},
	}

	ef := openUnwindExecutable(t)
	for _, check := range checks {
		actual, err := LookupFDE(ef, check.at)
		if check.expected == (FDE{}) {
			require.Error(t, err, "lookup %#x", check.at)
		} else {
			require.NoError(t, err, "lookup %#x", check.at)
			require.Equal(t, check.expected, actual)
		}
	}
}

func TestParseCIE(t *testing.T) {
	tests := map[string]struct {
		data       []byte
		expected   *cieRecord
		debugFrame bool
	}{
		// Call frame information example for version 4.
		// http://dwarfstd.org/doc/DWARF5.pdf Table D.5 "Call frame information example"
		"cie 4": {
			debugFrame: true,
			expected: &cieRecord{
				dataAlign: sleb128(-4),
				codeAlign: uleb128(4),
				raReg:     uleb128(8),
			},
			data: []byte{36, 0, 0, 0, // length
				255, 255, 255, 255, // CIE_id
				4,        // version
				0,        // augmentation
				4,        // address size
				0,        // segment size
				4,        // code_alignment_factor
				124,      // data_alignment_factor
				8,        // R8 is the return address
				12, 7, 0, // CFA = [R7]+0
				8, 0, // R0 not modified
				7, 1, // R1 scratch
				7, 2, // R2 scratch
				7, 3, // R3 scratch
				8, 4, // R4 preserve
				8, 5, // R5 preserve
				8, 6, // R6 preserve
				8, 7, // R7 preserve
				9, 8, 1, // R8 is in R1
				0, // DW_CFA_nop
				0, // DW_CFA_nop
				0, // DW_CFA_nop
			},
		},
		// The same entry with the 64-bit DWARF initial length.
		"cie 4 64-bit": {
			debugFrame: true,
			expected: &cieRecord{
				dataAlign: sleb128(-4),
				codeAlign: uleb128(4),
				raReg:     uleb128(8),
			},
			data: []byte{255, 255, 255, 255, // 64-bit marker
				40, 0, 0, 0, 0, 0, 0, 0, // length
				255, 255, 255, 255, 255, 255, 255, 255, // CIE_id
				4,        // version
				0,        // augmentation
				4,        // address size
				0,        // segment size
				4,        // code_alignment_factor
				124,      // data_alignment_factor
				8,        // R8 is the return address
				12, 7, 0, // CFA = [R7]+0
				8, 0, // R0 not modified
				7, 1, // R1 scratch
				7, 2, // R2 scratch
				7, 3, // R3 scratch
				8, 4, // R4 preserve
				8, 5, // R5 preserve
				8, 6, // R6 preserve
				8, 7, // R7 preserve
				9, 8, 1, // R8 is in R1
				0, // DW_CFA_nop
				0, // DW_CFA_nop
				0, // DW_CFA_nop
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fakeReader := &decoder{
				debugFrame: tc.debugFrame,
				data:       tc.data,
				end:        uintptr(len(tc.data)),
			}
			extracted := &cieRecord{}
			_, err := fakeReader.readCIE(extracted)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, extracted)
		})
	}
}
