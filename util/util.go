// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package util collects small helpers shared by the /proc parsers and the
// caching layers.
package util // import "go.stackwalk.dev/ptrace-profiler/util"

import (
	"math/bits"
	"strconv"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// HexToUint64 parses a hex string into a uint64. The empty or malformed
// input parses to 0, which is the right fallback for /proc fields.
func HexToUint64(str string) uint64 {
	v, _ := strconv.ParseUint(str, 16, 64)
	return v
}

// DecToUint64 parses a decimal string into a uint64. The empty or malformed
// input parses to 0.
func DecToUint64(str string) uint64 {
	v, _ := strconv.ParseUint(str, 10, 64)
	return v
}

// NextPowerOfTwo rounds v up to the nearest power of two. Zero rounds
// up to one.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// OnDiskFileIdentifier identifies a particular file on disk by device ID and
// inode number. It serves as a cache key that is cheaper to obtain than
// hashing the file contents.
type OnDiskFileIdentifier struct {
	DeviceID uint64 // dev_t as reported by stat.
	InodeNum uint64 // ino_t should fit into 64 bits.
}

func (odfi OnDiskFileIdentifier) Hash32() uint32 {
	return uint32(libsw.HashUint64(odfi.InodeNum) + odfi.DeviceID)
}
