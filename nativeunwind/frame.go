// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package nativeunwind

import (
	"fmt"

	"go.stackwalk.dev/ptrace-profiler/libsw"
	"go.stackwalk.dev/ptrace-profiler/modulecache"
)

// FrameKind classifies the frames an unwind walk produces.
type FrameKind uint8

const (
	// FrameNative is a regular native call frame.
	FrameNative FrameKind = iota
	// FrameSignal is a frame inside a kernel signal return trampoline.
	FrameSignal
	// FrameTruncated marks the point where an aborted walk gave up. It
	// carries no address or module and is always the last frame.
	FrameTruncated
)

func (k FrameKind) String() string {
	switch k {
	case FrameNative:
		return "native"
	case FrameSignal:
		return "signal"
	case FrameTruncated:
		return "truncated"
	}
	return fmt.Sprintf("<invalid %d>", uint8(k))
}

// Frame is one level of a call stack. Module is borrowed from the module
// cache for at least the duration of the unwind call; it is nil when no
// known module covers the address.
type Frame struct {
	IP     libsw.Address
	Module *modulecache.Module
	Kind   FrameKind
}
