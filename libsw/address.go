// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package libsw // import "go.stackwalk.dev/ptrace-profiler/libsw"

import "fmt"

// Address represents an address, or offset within a process.
type Address uint64

// Hash32 hashes the address into 32 bits, mainly for use as an LRU key.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash hashes the address into 64 bits.
func (adr Address) Hash() uint64 {
	return HashUint64(uint64(adr))
}

func (adr Address) String() string {
	return fmt.Sprintf("%#x", uint64(adr))
}

// HashUint32 computes a hash of a 32-bit uint using the finalizer function
// for Murmur.
// 32-bit via https://en.wikipedia.org/wiki/MurmurHash#Algorithm
func HashUint32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

// HashUint64 computes a hash of a 64-bit uint using the finalizer function
// for Murmur3.
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func HashUint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
