package feed

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/vulntool/vulnid/internal/xmlutil"
)

// RejectMarker prefixes the summary of a CVE entry that has been
// withdrawn.
const RejectMarker = `** REJECT **`

// CVSS holds the v2 base metrics attached to a CVE entry. The feed
// supplies either the whole block or none of it.
type CVSS struct {
	Score            string
	AccessVector     string
	AccessComplexity string
	Authentication   string
	IntegrityImpact  string
	Source           string
}

// CVEEntry is one entry of an NVD CVE 2.0 feed document.
type CVEEntry struct {
	Year   int
	Number int
	// CWE is the weakness classification id, if supplied.
	CWE string
	// Products are the raw CPE names of the vulnerable software list.
	Products []string
	// CVSS is nil when the entry carries no base metrics.
	CVSS *CVSS
	// References are external URLs.
	References []string
	Summary    string
}

// ID reconstructs the entry's CVE identifier.
func (e *CVEEntry) ID() string {
	return fmt.Sprintf("CVE-%04d-%04d", e.Year, e.Number)
}

// Rejected reports whether the entry's summary carries the withdrawal
// marker.
func (e *CVEEntry) Rejected() bool {
	return strings.HasPrefix(e.Summary, RejectMarker)
}

type cveEntryXML struct {
	ID  string `xml:"id,attr"`
	CWE []struct {
		ID string `xml:"id,attr"`
	} `xml:"cwe"`
	Products []string `xml:"vulnerable-software-list>product"`
	CVSS     *struct {
		Score            string `xml:"base_metrics>score"`
		AccessVector     string `xml:"base_metrics>access-vector"`
		AccessComplexity string `xml:"base_metrics>access-complexity"`
		Authentication   string `xml:"base_metrics>authentication"`
		IntegrityImpact  string `xml:"base_metrics>integrity-impact"`
		Source           string `xml:"base_metrics>source"`
	} `xml:"cvss"`
	References []struct {
		Reference struct {
			Href string `xml:"href,attr"`
		} `xml:"reference"`
	} `xml:"references"`
	Summary string `xml:"summary"`
}

// ParseCVEID splits a CVE identifier into its year and number.
//
// Identifiers must have the literal "CVE-" prefix and a total length of
// 13 or 14 characters.
func ParseCVEID(id string) (year, number int, err error) {
	if !strings.HasPrefix(id, "CVE-") || (len(id) != 13 && len(id) != 14) || id[8] != '-' || !alldigits(id[4:8]) || !alldigits(id[9:]) {
		return 0, 0, fmt.Errorf("feed: malformed CVE id: %q", id)
	}
	year, err = strconv.Atoi(id[4:8])
	if err != nil {
		return 0, 0, fmt.Errorf("feed: malformed CVE id: %q", id)
	}
	number, err = strconv.Atoi(id[9:])
	if err != nil {
		return 0, 0, fmt.Errorf("feed: malformed CVE id: %q", id)
	}
	return year, number, nil
}

// Alldigits reports whether s is nonempty and entirely ASCII digits.
// Atoi alone would also admit sign characters.
func alldigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) != 0
}

// CVE returns an iterator over the entry elements of a CVE 2.0 feed
// document.
//
// A non-nil error terminates the sequence; the entry yielded with it is
// nil.
func CVE(r io.Reader) iter.Seq2[*CVEEntry, error] {
	return func(yield func(*CVEEntry, error) bool) {
		dec := xml.NewDecoder(r)
		dec.CharsetReader = xmlutil.CharsetReader
		for {
			tok, err := dec.Token()
			switch {
			case errors.Is(err, io.EOF):
				return
			case err != nil:
				yield(nil, fmt.Errorf("feed: reading CVE feed: %w", err))
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != "entry" {
				continue
			}
			var x cveEntryXML
			if err := dec.DecodeElement(&x, &start); err != nil {
				yield(nil, fmt.Errorf("feed: decoding entry: %w", err))
				return
			}
			e, err := x.entry()
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

func (x *cveEntryXML) entry() (*CVEEntry, error) {
	year, number, err := ParseCVEID(x.ID)
	if err != nil {
		return nil, err
	}
	e := &CVEEntry{
		Year:     year,
		Number:   number,
		Products: x.Products,
		Summary:  x.Summary,
	}
	if len(x.CWE) != 0 {
		e.CWE = x.CWE[0].ID
	}
	if x.CVSS != nil {
		e.CVSS = &CVSS{
			Score:            x.CVSS.Score,
			AccessVector:     x.CVSS.AccessVector,
			AccessComplexity: x.CVSS.AccessComplexity,
			Authentication:   x.CVSS.Authentication,
			IntegrityImpact:  x.CVSS.IntegrityImpact,
			Source:           x.CVSS.Source,
		}
	}
	for _, r := range x.References {
		if r.Reference.Href != "" {
			e.References = append(e.References, r.Reference.Href)
		}
	}
	return e, nil
}
