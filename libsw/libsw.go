// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package libsw holds the base types shared by all parts of the profiler:
// addresses, executable identifiers and small convenience helpers. It is
// intentionally free of platform specific code so that every other package
// can depend on it.
package libsw // import "go.stackwalk.dev/ptrace-profiler/libsw"

// PID represents a Unix Process ID (pid_t).
type PID int32

func (p PID) Hash32() uint32 {
	return uint32(p)
}
