// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package nopanicslicereader provides convenience utilities to read
// little-endian values from a byte slice at a given offset. Out of bounds
// access returns zeroes instead of panicking, which fits data that is
// untrusted by definition: register blobs and stack images captured from
// another process.
package nopanicslicereader // import "go.stackwalk.dev/ptrace-profiler/nopanicslicereader"

import (
	"encoding/binary"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// Uint8 reads an 8-bit unsigned integer at the given offset.
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads a 16-bit unsigned integer at the given offset.
func Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[offs:])
}

// Uint32 reads a 32-bit unsigned integer at the given offset.
func Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[offs:])
}

// Int32 reads a 32-bit signed integer at the given offset.
func Int32(b []byte, offs uint) int32 {
	if offs+4 > uint(len(b)) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b[offs:]))
}

// Uint64 reads a 64-bit unsigned integer at the given offset.
func Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[offs:])
}

// Ptr reads a 64-bit pointer at the given offset.
func Ptr(b []byte, offs uint) libsw.Address {
	return libsw.Address(Uint64(b, offs))
}

// PtrDiff32 reads a 32-bit unsigned integer at the given offset, widened
// to an address difference.
func PtrDiff32(b []byte, offs uint) libsw.Address {
	return libsw.Address(Uint32(b, offs))
}
