// Package jsonrepair applies best-effort textual fixes to near-valid JSON
// produced by completion models. Every transform is idempotent: repairing
// already-valid JSON returns it unchanged (modulo discarded trailing noise).
package jsonrepair

import "strings"

// Repair runs the repair heuristics in order:
//
//  1. truncate to the last balanced top-level closing brace, discarding
//     leading and trailing noise around the JSON document
//  2. strip trailing commas before } or ]
//  3. insert a missing comma between adjacent }{ or ][
//  4. append closing brackets/braces to balance open/close counts
//
// Repair does not parse; callers re-parse the result and treat continued
// failure as terminal.
func Repair(raw string) string {
	s := strings.TrimSpace(raw)
	s = truncateToBalanced(s)
	s = stripTrailingCommas(s)
	s = insertMissingCommas(s)
	s = closeUnbalanced(s)
	return s
}

// scanner walks JSON text tracking string-literal state so structural
// characters inside strings are never touched.
type scanner struct {
	inString bool
	escaped  bool
}

// structural reports whether the byte at this point is outside a string
// literal, advancing the scanner state.
func (sc *scanner) structural(c byte) bool {
	if sc.escaped {
		sc.escaped = false
		return false
	}
	if sc.inString {
		switch c {
		case '\\':
			sc.escaped = true
		case '"':
			sc.inString = false
		}
		return false
	}
	if c == '"' {
		sc.inString = true
		return false
	}
	return true
}

// truncateToBalanced cuts the input to the span from the first opening
// brace/bracket through the matching top-level close. Input that never
// balances is returned from the first opener onward for later steps to close.
func truncateToBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var sc scanner
	depth := 0
	for i := start; i < len(s); i++ {
		c := s[i]
		if !sc.structural(c) {
			continue
		}
		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var sc scanner
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sc.structural(c) && c == ',' {
			if n := nextStructural(s, i+1); n == '}' || n == ']' {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func insertMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var sc scanner
	for i := 0; i < len(s); i++ {
		c := s[i]
		structural := sc.structural(c)
		b.WriteByte(c)
		if structural && (c == '}' || c == ']') {
			if n := nextStructural(s, i+1); n == '{' || n == '[' {
				b.WriteByte(',')
			}
		}
	}
	return b.String()
}

// closeUnbalanced appends the closers needed to balance the document,
// innermost first. An unterminated string literal is closed before any
// brackets.
func closeUnbalanced(s string) string {
	var sc scanner
	var stack []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.structural(c) {
			continue
		}
		switch c {
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !sc.inString {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	if sc.inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			b.WriteByte('}')
		case '[':
			b.WriteByte(']')
		}
	}
	return b.String()
}

// nextStructural returns the next non-whitespace byte at or after pos,
// or zero at end of input.
func nextStructural(s string, pos int) byte {
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return s[i]
		}
	}
	return 0
}
