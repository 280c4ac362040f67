package stringutil

import (
	"fmt"
	"unicode/utf8"
)

const (
	sampleEdgeLen = 50
	sampleMaxLen  = 100
)

// SampleLong samples a long string by taking some content from the beginning
// and some from the end. Used when reflecting user input like board payloads
// into logs, in case someone sent something degenerately long.
//
// Cuts are moved inward to rune boundaries so that the sample is still valid
// UTF-8 when the input was.
func SampleLong(s string) string {
	if len(s) <= sampleMaxLen {
		return s
	}

	head := sampleEdgeLen
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}

	tail := len(s) - sampleEdgeLen
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v bytes] ... %s", s[:head], len(s), s[tail:])
}
