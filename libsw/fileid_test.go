// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package libsw

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIDFromString(t *testing.T) {
	id, err := FileIDFromString("600dca11600dca11badc0ffeebadf00d")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x600dca11600dca11), id.Hi())
	assert.Equal(t, uint64(0xbadc0ffeebadf00d), id.Lo())
	assert.Equal(t, "600dca11600dca11badc0ffeebadf00d", id.String())

	_, err = FileIDFromString("600dca11")
	require.Error(t, err)
}

func TestFileIDFromBytes(t *testing.T) {
	id := NewFileID(0x0102030405060708, 0x090a0b0c0d0e0f10)
	parsed, err := FileIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = FileIDFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestFileIDFromExecutableReader(t *testing.T) {
	image := bytes.Repeat([]byte{0x7f, 'E', 'L', 'F'}, 4096)

	first, err := FileIDFromExecutableReader(bytes.NewReader(image))
	require.NoError(t, err)
	require.False(t, first.IsZero())

	again, err := FileIDFromExecutableReader(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Mutating the trailer must change the identity even though the
	// 4 KiB head stays identical.
	tweaked := bytes.Clone(image)
	tweaked[len(tweaked)-1] ^= 0xff
	other, err := FileIDFromExecutableReader(bytes.NewReader(tweaked))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	// Same contents with extra padding must change the identity via the
	// length component.
	padded := append(bytes.Clone(image), image...)
	longer, err := FileIDFromExecutableReader(bytes.NewReader(padded))
	require.NoError(t, err)
	assert.NotEqual(t, first, longer)
}
