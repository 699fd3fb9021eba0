// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package elffile // import "go.stackwalk.dev/ptrace-profiler/elffile"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"strings"
)

// ErrNoDebugLink is returned when the image has no .gnu_debuglink section.
var ErrNoDebugLink = errors.New("no debug link")

// debugDirs lists the roots searched for detached debug information.
var debugDirs = []string{"/usr/lib/debug"}

// ParseDebugLink parses the name and CRC32 of the debug info file from the
// given .gnu_debuglink section data.
func ParseDebugLink(data []byte) (linkName string, crc int32, err error) {
	strEnd := bytes.IndexByte(data, 0)
	if strEnd < 0 {
		return "", 0, errors.New("malformed debug link, not zero terminated")
	}
	linkName = strings.ToValidUTF8(string(data[:strEnd]), "")

	strEnd++
	// The name is followed by 0 to 3 bytes of padding, the CRC32 is 32-bit
	// aligned.
	crcStart := strEnd + ((4 - (strEnd & 3)) & 3)
	if crcStart+4 > len(data) {
		return "", 0, fmt.Errorf("malformed debug link, no CRC32 (len %v, start index %v)",
			len(data), crcStart)
	}
	crc = int32(binary.LittleEndian.Uint32(data[crcStart : crcStart+4]))

	return linkName, crc, nil
}

// DebugLink reads and parses the .gnu_debuglink section. If the link does
// not exist then ErrNoDebugLink is returned.
func (f *File) DebugLink() (linkName string, crc int32, err error) {
	note := f.Section(".gnu_debuglink")
	if note == nil {
		return "", 0, ErrNoDebugLink
	}
	d, err := note.Data(maxBytesSmallSection)
	if err != nil {
		return "", 0, fmt.Errorf("could not read link: %w", ErrNoDebugLink)
	}
	return ParseDebugLink(d)
}

// OpenDebugLink tries to locate and open the detached debug information file
// for this image. The argument is the path the image was opened from, used
// as the anchor for the debug file search.
func (f *File) OpenDebugLink(elfFilePath string) (debugELF *File, debugFile string) {
	linkName, linkCRC32, err := f.DebugLink()
	if err != nil {
		// A missing or corrupt link is not an error, it just means there
		// is no detached debug information to find.
		return nil, ""
	}

	executablePath := filepath.Dir(elfFilePath)
	for _, debugPath := range debugDirs {
		debugFile = filepath.Join(debugPath, executablePath, linkName)
		debugELF, err = Open(debugFile)
		if err != nil {
			continue
		}
		fileCRC32, err := debugELF.CRC32()
		if err != nil || fileCRC32 != linkCRC32 {
			debugELF.Close()
			continue
		}
		return debugELF, debugFile
	}
	return nil, ""
}

// CRC32 calculates the .gnu_debuglink compatible CRC-32 of the ELF file.
func (f *File) CRC32() (int32, error) {
	h := crc32.NewIEEE()
	sr := io.NewSectionReader(f.elfReader, 0, 1<<63-1)
	if _, err := io.Copy(h, sr); err != nil {
		return 0, fmt.Errorf("unable to compute CRC32: %v (failed copy)", err)
	}
	return int32(h.Sum32()), nil
}
