// Package text converts between the UTF-16 code-unit offsets used by
// host editors and the Unicode codepoint offsets used on the wire.
//
// Astral-plane characters are the difference: one codepoint, but a
// surrogate pair of two UTF-16 units. Every index crossing the
// editor/protocol boundary passes through this package.
package text

import "unicode/utf8"

// CodepointLen returns the number of Unicode scalar values in s.
func CodepointLen(s string) int {
	return utf8.RuneCountInString(s)
}

// utf16Units returns the number of UTF-16 code units encoding r.
func utf16Units(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// UTF16ToCodepoint converts a UTF-16 code-unit offset into s to a
// codepoint offset. Offsets beyond the end of s, or landing inside a
// surrogate pair, clamp to the nearest codepoint boundary at or after
// the unit counted so far.
func UTF16ToCodepoint(s string, utf16Offset int) int {
	units, cp := 0, 0
	for _, r := range s {
		if units >= utf16Offset {
			return cp
		}
		units += utf16Units(r)
		cp++
	}
	return cp
}

// CodepointToUTF16 converts a codepoint offset into s to a UTF-16
// code-unit offset. Offsets beyond the end of s clamp to the end.
func CodepointToUTF16(s string, codepointOffset int) int {
	units, cp := 0, 0
	for _, r := range s {
		if cp >= codepointOffset {
			return units
		}
		units += utf16Units(r)
		cp++
	}
	return units
}
