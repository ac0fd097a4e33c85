// Package xmlutil contains helpers for dealing with feed XML.
package xmlutil

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// CharsetReader is a CharsetReader function for an xml.Decoder.
//
// Feeds are nominally UTF-8, but some historical files declare other
// encodings.
func CharsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii", "ascii":
		return input, nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	}
	return nil, fmt.Errorf("xmlutil: unknown charset: %q", charset)
}
