package cpe

import "strings"

// Unquote22 undoes the percent-encoding used in 2.2 URI components.
//
// The rules differ from RFC 3986 unescaping: a %XX sequence with two hex
// digits decodes to a backslash followed by the encoded byte, "%%"
// collapses to a single percent sign, a percent sign not followed by two
// hex digits is passed through unchanged, and a bare backslash is
// doubled. The empty string is returned as-is.
func Unquote22(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c != '%':
			b.WriteByte(c)
		case i+1 < len(s) && s[i+1] == '%':
			b.WriteByte('%')
			i++
		case i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]):
			b.WriteByte('\\')
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte('%')
		}
	}
	return b.String()
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
	case 'a' <= c && c <= 'f':
	case 'A' <= c && c <= 'F':
	default:
		return false
	}
	return true
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
