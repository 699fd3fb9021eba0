//go:build amd64

// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "go.stackwalk.dev/ptrace-profiler/process"

import "debug/elf"

const currentMachine = elf.EM_X86_64
