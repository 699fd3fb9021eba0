// Copyright The Stackwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil contains allocation-free string helpers for hot parsing
// paths such as the /proc maps reader.
package stringutil // import "go.stackwalk.dev/ptrace-profiler/stringutil"

import "unsafe"

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// FieldsN splits the string s around each instance of one or more consecutive
// space characters, filling f with substrings of s. If s contains more fields
// than len(f), the last element of f is set to the unparsed remainder of s
// starting with the first non-space character. The return value is the number
// of fields filled in.
//
// Apart from the mentioned differences, FieldsN is like an allocation-free
// strings.Fields.
func FieldsN(s string, f []string) int {
	n := len(f)
	si := 0
	for i := 0; i < n-1; i++ {
		for si < len(s) && asciiSpace[s[si]] != 0 {
			si++
		}
		fieldStart := si
		for si < len(s) && asciiSpace[s[si]] == 0 {
			si++
		}
		if fieldStart >= si {
			return i
		}
		f[i] = s[fieldStart:si]
	}

	for si < len(s) && asciiSpace[s[si]] != 0 {
		si++
	}
	if si < len(s) {
		f[n-1] = s[si:]
		return n
	}
	return n - 1
}

// ByteSlice2String converts a byte slice to a string without a heap
// allocation. The byte slice must not be modified while the returned string
// is live.
func ByteSlice2String(bs []byte) string {
	if len(bs) == 0 {
		return ""
	}
	return unsafe.String(&bs[0], len(bs))
}
