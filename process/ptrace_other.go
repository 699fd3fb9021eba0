//go:build !linux

// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import (
	"fmt"
	"runtime"

	"go.stackwalk.dev/ptrace-profiler/libsw"
)

// NewPtrace exists on non Linux systems only to keep the package
// compiling; it always fails.
func NewPtrace(_ libsw.PID) (Process, error) {
	return nil, fmt.Errorf("ptrace is not available on %s", runtime.GOOS)
}
