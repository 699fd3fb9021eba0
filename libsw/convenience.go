// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package libsw // import "go.stackwalk.dev/ptrace-profiler/libsw"

import (
	"math/rand"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// SliceFromPointer returns the memory of the struct p points at as a
// byte slice, for reading binary data directly into it.
func SliceFromPointer[T any](p *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(*p))
}

// SliceFromSlice returns the memory backing s as a byte slice.
func SliceFromSlice[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
}

// AddJitter randomizes baseDuration by up to +/- jitter, given as a
// fraction in [0..1]. An out of range jitter leaves the duration as is.
func AddJitter(baseDuration time.Duration, jitter float64) time.Duration {
	if jitter < 0.0 || jitter > 1.0 {
		log.Errorf("Jitter %f outside [0..1], ignoring", jitter)
		return baseDuration
	}
	factor := 1 + jitter*(1-2*rand.Float64())
	return time.Duration(factor * float64(baseDuration))
}
