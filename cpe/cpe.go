// Package cpe handles Common Platform Enumeration names in both the 2.2
// URI binding and the 2.3 formatted-string binding.
//
// Names are represented as an ordered tuple of the eleven attributes
// defined by the 2.3 naming specification. Attributes elided in a 2.2
// name are taken to be the wildcard "*".
package cpe

import (
	"errors"
	"fmt"
	"strings"
)

const (
	uriPrefix = `cpe:/`
	fsPrefix  = `cpe:2.3:`
)

// ErrInvalidName is reported when a string can't be interpreted as a
// bound CPE name.
var ErrInvalidName = errors.New("cpe: invalid name")

// Attribute is an index into a Name.
type Attribute int

// These are the attributes of a name, in the order defined by the 2.3
// naming specification.
const (
	Part Attribute = iota
	Vendor
	Product
	Version
	Update
	Edition
	Language
	SwEdition
	TargetSW
	TargetHW
	Other

	// NumAttr is the number of attributes in a name.
	NumAttr int = iota
)

var attrNames = [NumAttr]string{
	"part", "vendor", "product", "version", "update", "edition",
	"language", "sw_edition", "target_sw", "target_hw", "other",
}

func (a Attribute) String() string { return attrNames[a] }

// Wildcard is the "ANY" value an attribute defaults to.
const Wildcard = `*`

// Name is a parsed CPE name.
type Name [NumAttr]string

// Format indicates which binding a name string uses.
type Format int

// The two bound forms a name can appear in.
const (
	FormatURI Format = iota + 1 // CPE 2.2 URI
	FormatFS                    // CPE 2.3 formatted string
)

// String reports the specification version the Format corresponds to.
func (f Format) String() string {
	switch f {
	case FormatURI:
		return "2.2"
	case FormatFS:
		return "2.3"
	}
	return "invalid"
}

// DetectFormat reports the binding of the provided name string, going
// solely by its prefix.
func DetectFormat(s string) (Format, error) {
	switch {
	case strings.HasPrefix(s, uriPrefix):
		return FormatURI, nil
	case strings.HasPrefix(s, fsPrefix):
		return FormatFS, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidName, s)
}

// Parse interprets a string as a bound name in either format.
func Parse(s string) (Name, error) {
	f, err := DetectFormat(s)
	if err != nil {
		return Name{}, err
	}
	switch f {
	case FormatURI:
		return parseURI(s)
	case FormatFS:
		return parseFS(s)
	}
	panic("unreachable")
}

// ParseURI unpacks a 2.2 URI. Elided trailing attributes become
// wildcards.
func parseURI(s string) (Name, error) {
	var n Name
	comp := splitUnescaped(strings.TrimPrefix(s, uriPrefix))
	if len(comp) > NumAttr {
		return n, fmt.Errorf("%w: %q: %d components", ErrInvalidName, s, len(comp))
	}
	for i := range n {
		if i < len(comp) {
			n[i] = Unquote22(strings.TrimSpace(comp[i]))
			continue
		}
		n[i] = Wildcard
	}
	return n, nil
}

// ParseFS unpacks a 2.3 formatted string, which must have exactly
// NumAttr components.
func parseFS(s string) (Name, error) {
	var n Name
	comp := splitUnescaped(strings.TrimPrefix(s, fsPrefix))
	if len(comp) != NumAttr {
		return n, fmt.Errorf("%w: %q: %d components", ErrInvalidName, s, len(comp))
	}
	for i, c := range comp {
		n[i] = strings.TrimSpace(c)
	}
	return n, nil
}

// SplitUnescaped splits on colons not preceded by a backslash.
func splitUnescaped(s string) []string {
	var out []string
	prev, esc := 0, false
	for i, r := range s {
		switch r {
		case '\\':
			esc = true
			continue
		case ':':
			if esc {
				break
			}
			out = append(out, s[prev:i])
			prev = i + 1
		default:
		}
		esc = false
	}
	return append(out, s[prev:])
}

// String binds the name as a 2.3 formatted string, backslash-escaping
// any embedded colons.
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(fsPrefix)
	for i, v := range n {
		if i != 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ReplaceAll(v, ":", `\:`))
	}
	return b.String()
}

// Convert rebinds any bound name as a 2.3 formatted string.
func Convert(s string) (string, error) {
	n, err := Parse(s)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}
