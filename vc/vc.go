// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc exposes version information stamped in at link time.
package vc // import "go.stackwalk.dev/ptrace-profiler/vc"

// Set via -ldflags "-X go.stackwalk.dev/ptrace-profiler/vc.revision=..."
// and friends; empty in plain go build binaries.
var (
	revision       = ""
	buildTimestamp = ""
	version        = ""
)

// Revision returns the VCS revision the binary was built from.
func Revision() string {
	return revision
}

// BuildTimestamp returns the time of the build.
func BuildTimestamp() string {
	return buildTimestamp
}

// Version returns the version in vX.Y.Z{-N-abbrev} form, as produced by
// git describe.
func Version() string {
	return version
}
