// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package libsw // import "go.stackwalk.dev/ptrace-profiler/libsw"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	sha256 "github.com/minio/sha256-simd"
)

// FileID is a 128-bit executable identity. It is derived from file contents
// only, so the same binary gets the same FileID regardless of the path or
// host it was found on.
//
// hi holds the most significant and lo the least significant 64 bits.
type FileID struct {
	hi uint64
	lo uint64
}

// NewFileID creates a FileID from two 64-bit halves.
func NewFileID(hi, lo uint64) FileID {
	return FileID{hi: hi, lo: lo}
}

// FileIDFromBytes parses a 16 byte slice into a FileID.
func FileIDFromBytes(b []byte) (FileID, error) {
	if len(b) != 16 {
		return FileID{}, fmt.Errorf("invalid length for file ID bytes: %d", len(b))
	}
	return FileID{
		hi: binary.BigEndian.Uint64(b[0:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// FileIDFromString parses the hexadecimal notation of a FileID.
func FileIDFromString(s string) (FileID, error) {
	if len(s) != 32 {
		return FileID{}, fmt.Errorf("invalid length for file ID string '%s': %d",
			s, len(s))
	}
	hi, err := strconv.ParseUint(s[0:16], 16, 64)
	if err != nil {
		return FileID{}, err
	}
	lo, err := strconv.ParseUint(s[16:32], 16, 64)
	if err != nil {
		return FileID{}, err
	}
	return FileID{hi: hi, lo: lo}, nil
}

func (f FileID) Hi() uint64 {
	return f.hi
}

func (f FileID) Lo() uint64 {
	return f.lo
}

func (f FileID) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], f.hi)
	binary.BigEndian.PutUint64(b[8:16], f.lo)
	return b
}

func (f FileID) String() string {
	return fmt.Sprintf("%016x%016x", f.hi, f.lo)
}

func (f FileID) IsZero() bool {
	return f.hi == 0 && f.lo == 0
}

// Hash32 folds the file ID into 32 bits, mainly for use as an LRU key.
// The bits are uniform SHA-256 output, so plain truncation is enough.
func (f FileID) Hash32() uint32 {
	return uint32(f.hi)
}

// FileIDFromExecutableReader hashes portions of the contents of the reader in
// order to generate a system-independent identifier. The reader is expected
// to present an executable image whose header and trailer carry enough
// entropy to make the result unique: SHA-256 over a 4 KiB head, a 4 KiB
// tail, and the file length, truncated to 128 bits.
func FileIDFromExecutableReader(reader io.ReadSeeker) (FileID, error) {
	h := sha256.New()

	if _, err := io.Copy(h, io.LimitReader(reader, 4096)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %w", err)
	}

	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return FileID{}, fmt.Errorf("failed to seek end of file: %w", err)
	}

	// Short files double-hash part of the data. Acceptable for simplicity.
	tailBytes := min(size, 4096)
	if _, err = reader.Seek(-tailBytes, io.SeekEnd); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file trailer: %w", err)
	}
	if _, err = io.Copy(h, reader); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %w", err)
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	h.Write(length[:])

	return FileIDFromBytes(h.Sum(nil)[0:16])
}

// FileIDFromExecutableFile opens an executable file and calculates the FileID
// for it.
func FileIDFromExecutableFile(fileName string) (FileID, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()

	return FileIDFromExecutableReader(f)
}
