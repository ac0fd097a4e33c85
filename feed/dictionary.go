// Package feed implements streaming parsers for the NVD XML feeds.
//
// The full feeds run into the hundreds of megabytes, so these parsers
// never materialize a whole document: they walk the token stream and
// decode one record's subtree at a time, discarding it before moving to
// the next. The iterators are single-pass and not restartable.
package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/vulntool/vulnid/internal/xmlutil"
)

// DictItem is one entry of the official CPE dictionary.
type DictItem struct {
	// Name22 is the legacy 2.2 URI binding of the name.
	Name22 string
	// Name23 is the 2.3 formatted-string binding of the name.
	Name23 string
	// Titles maps language tags to human-readable product names.
	Titles map[string]string
	// Deprecated reports whether the dictionary marks the name
	// deprecated.
	Deprecated bool
}

// Title picks the display title: "en-US" if present, else the first
// "en-*" tag in sorted order, else the first language in sorted order.
func (i *DictItem) Title() string {
	if t, ok := i.Titles["en-US"]; ok {
		return t
	}
	langs := slices.Sorted(maps.Keys(i.Titles))
	for _, l := range langs {
		if strings.HasPrefix(l, "en-") {
			return i.Titles[l]
		}
	}
	if len(langs) != 0 {
		return i.Titles[langs[0]]
	}
	return ""
}

type dictItemXML struct {
	Name       string `xml:"name,attr"`
	Deprecated string `xml:"deprecated,attr"`
	Titles     []struct {
		Lang string `xml:"lang,attr"`
		Text string `xml:",chardata"`
	} `xml:"title"`
	CPE23 struct {
		Name string `xml:"name,attr"`
	} `xml:"cpe23-item"`
}

// Dictionary returns an iterator over the cpe-item elements of a CPE
// dictionary document.
//
// A non-nil error terminates the sequence; the item yielded with it is
// nil.
func Dictionary(r io.Reader) iter.Seq2[*DictItem, error] {
	return func(yield func(*DictItem, error) bool) {
		dec := xml.NewDecoder(r)
		dec.CharsetReader = xmlutil.CharsetReader
		for {
			tok, err := dec.Token()
			switch {
			case errors.Is(err, io.EOF):
				return
			case err != nil:
				yield(nil, fmt.Errorf("feed: reading dictionary: %w", err))
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != "cpe-item" {
				continue
			}
			var x dictItemXML
			if err := dec.DecodeElement(&x, &start); err != nil {
				yield(nil, fmt.Errorf("feed: decoding cpe-item: %w", err))
				return
			}
			i := &DictItem{
				Name22:     x.Name,
				Name23:     x.CPE23.Name,
				Deprecated: x.Deprecated == "true",
				Titles:     make(map[string]string, len(x.Titles)),
			}
			for _, t := range x.Titles {
				i.Titles[t.Lang] = t.Text
			}
			if !yield(i, nil) {
				return
			}
		}
	}
}
