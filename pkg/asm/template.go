package asm

import "strings"

// Expand rewrites the template conveniences into plain assembly: a
// semicolon folds to a newline so several instructions fit one source
// line, and a dot is shorthand for the label sigil. Character literals
// pass through untouched.
func Expand(src string) string {
	var sb strings.Builder
	sb.Grow(len(src))

	inChar := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inChar {
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				sb.WriteByte(src[i])
				continue
			}
			if c == '\'' {
				inChar = false
			}
			continue
		}
		switch c {
		case '\'':
			inChar = true
			sb.WriteByte(c)
		case ';':
			sb.WriteByte('\n')
		case '.':
			sb.WriteByte('$')
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
