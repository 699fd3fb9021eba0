// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"debug/elf"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// testMaps mixes well formed lines with the malformed shapes seen in
// the wild: a missing inode column, a bad device separator, truncated
// permissions and a missing address range separator.
//
//nolint:lll
var testMaps = `563a1a200000-563a1a22e000 r--p 00000000 fe:02 790122                     /tmp/opt_render_worker
563a1a22e000-563a1a2c1000 r-xp 0002e000 fe:02 790122                     /tmp/opt_render_worker
563a1a2c1000-563a1a33b000 r--p 000c1000 fe:02 790122                     /tmp/opt_render_worker
563a1a33b000-563a1a341000 r--p 0013a000 fe:02 790122                     /tmp/opt_render_worker
563a1a341000-563a1a343000 rw-p 00140000 fe:02 790122                     /tmp/opt_render_worker
7f0d40a00000-7f0d40bd2000 r-xp 00092000 09:03 2113540                    /tmp/usr_lib_libcrypto.so.3
7f0d40d00000-7f0d40e60000 r-xp 00024000 1fe:02 2156770                   /tmp/usr_lib_libssl.so.3
7f0d40d10000-7f0d40e50000 r-xp 00024000 1fe:02
7f0d40d10000-7f0d40e50000 r-xp 00024000 1fe.02 2156770
7f0d40d10000-7f0d40e50000 r- 00024000 1fe:02 2156770
7f0d40d10000 r-xp 00024000 1fe:02 2156770
7fc9e2f00000-7fc9e2f10000 r-xp 00000000 00:00 0 `

func TestParseMapsFile(t *testing.T) {
	mappings, parseErrors, err := parseMapsFile(strings.NewReader(testMaps))
	require.NoError(t, err)
	require.Equal(t, uint32(4), parseErrors)
	assert.NotNil(t, mappings)

	expected := []Mapping{
		{
			Vaddr:      0x563a1a200000,
			Device:     0xfe02,
			Flags:      elf.PF_R,
			Inode:      790122,
			Length:     0x2e000,
			FileOffset: 0,
			Path:       "/tmp/opt_render_worker",
		},
		{
			Vaddr:      0x563a1a22e000,
			Device:     0xfe02,
			Flags:      elf.PF_R | elf.PF_X,
			Inode:      790122,
			Length:     0x93000,
			FileOffset: 0x2e000,
			Path:       "/tmp/opt_render_worker",
		},
		{
			Vaddr:      0x563a1a2c1000,
			Device:     0xfe02,
			Flags:      elf.PF_R,
			Inode:      790122,
			Length:     0x7a000,
			FileOffset: 0xc1000,
			Path:       "/tmp/opt_render_worker",
		},
		{
			Vaddr:      0x563a1a33b000,
			Device:     0xfe02,
			Flags:      elf.PF_R,
			Inode:      790122,
			Length:     0x6000,
			FileOffset: 0x13a000,
			Path:       "/tmp/opt_render_worker",
		},
		{
			Vaddr:      0x563a1a341000,
			Device:     0xfe02,
			Flags:      elf.PF_R | elf.PF_W,
			Inode:      790122,
			Length:     0x2000,
			FileOffset: 0x140000,
			Path:       "/tmp/opt_render_worker",
		},
		{
			Vaddr:      0x7f0d40a00000,
			Device:     0x0903,
			Flags:      elf.PF_R | elf.PF_X,
			Inode:      2113540,
			Length:     0x1d2000,
			FileOffset: 0x92000,
			Path:       "/tmp/usr_lib_libcrypto.so.3",
		},
		{
			Vaddr:      0x7f0d40d00000,
			Device:     0x1fe02,
			Flags:      elf.PF_R | elf.PF_X,
			Inode:      2156770,
			Length:     0x160000,
			FileOffset: 0x24000,
			Path:       "/tmp/usr_lib_libssl.so.3",
		},
		{
			Vaddr:      0x7fc9e2f00000,
			Device:     0,
			Flags:      elf.PF_R | elf.PF_X,
			Inode:      0,
			Length:     0x10000,
			FileOffset: 0,
			Path:       "",
		},
	}
	assert.Equal(t, expected, mappings)
}

func TestParseMapsFileVDSO(t *testing.T) {
	maps := `7ffca233f000-7ffca2341000 r-xp 00000000 00:00 0                          [vdso]
7ffca2341000-7ffca2343000 r--p 00000000 00:00 0                          [vvar]`
	mappings, parseErrors, err := parseMapsFile(strings.NewReader(maps))
	require.NoError(t, err)
	require.Equal(t, uint32(0), parseErrors)
	require.Len(t, mappings, 1)

	assert.True(t, mappings[0].IsVDSO())
	assert.Equal(t, VdsoPathName, mappings[0].Path)
	assert.Equal(t, uint64(vdsoInode), mappings[0].Inode)
}

func TestFindMapping(t *testing.T) {
	mappings, _, err := parseMapsFile(strings.NewReader(testMaps))
	require.NoError(t, err)

	m := FindMapping(mappings, 0x563a1a22e000)
	require.NotNil(t, m)
	assert.Equal(t, uint64(0x563a1a22e000), m.Vaddr)

	m = FindMapping(mappings, 0x563a1a2c1000-1)
	require.NotNil(t, m)
	assert.Equal(t, uint64(0x563a1a22e000), m.Vaddr)

	assert.Nil(t, FindMapping(mappings, 0x1000))
	assert.Nil(t, FindMapping(mappings, 0x7f0d40bd2000))
	assert.Nil(t, FindMapping(mappings, ^uint64(0)))
}

func TestSelfMappings(t *testing.T) {
	pid := libsw.PID(os.Getpid())
	pr := New(pid, pid)
	assert.NotNil(t, pr)

	mappings, parseErrors, err := pr.GetMappings()
	require.NoError(t, err)
	require.Equal(t, uint32(0), parseErrors)
	assert.NotEmpty(t, mappings)

	// The stack of the running test must land in some mapping.
	var x int
	m := FindMapping(mappings, uint64(uintptr(unsafe.Pointer(&x))))
	assert.NotNil(t, m)
}
