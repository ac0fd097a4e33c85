package vulnid

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay/zlog"
)

const testDict = `<?xml version='1.0' encoding='UTF-8'?>
<cpe-list xmlns="http://cpe.mitre.org/dictionary/2.0"
          xmlns:cpe-23="http://scap.nist.gov/schemas/cpe-extension/2.3">
  <cpe-item name="cpe:/a:vendor:product:1.0">
    <title xml:lang="en-US">Vendor Product 1.0</title>
    <cpe-23:cpe23-item name="cpe:2.3:a:vendor:product:1.0:*:*:*:*:*:*:*"/>
  </cpe-item>
  <cpe-item name="cpe:/a:vendor:widget">
    <title xml:lang="en-US">Vendor Widget</title>
    <cpe-23:cpe23-item name="cpe:2.3:a:vendor:widget:*:*:*:*:*:*:*:*"/>
  </cpe-item>
</cpe-list>`

const testCVE2002 = `<?xml version='1.0' encoding='UTF-8'?>
<nvd xmlns="http://scap.nist.gov/schemas/feed/vulnerability/2.0"
     xmlns:vuln="http://scap.nist.gov/schemas/vulnerability/0.4">
  <entry id="CVE-2002-0001">
    <vuln:vulnerable-software-list>
      <vuln:product>cpe:/a:vendor:product:1.0</vuln:product>
    </vuln:vulnerable-software-list>
    <vuln:references><vuln:reference href="https://example.com/advisory-1"/></vuln:references>
    <vuln:summary>Buffer overflow in vendor product.</vuln:summary>
  </entry>
  <entry id="CVE-2002-0002">
    <vuln:summary>Off-by-one in vendor widget.</vuln:summary>
  </entry>
</nvd>`

const testCVEModified = `<?xml version='1.0' encoding='UTF-8'?>
<nvd xmlns="http://scap.nist.gov/schemas/feed/vulnerability/2.0"
     xmlns:vuln="http://scap.nist.gov/schemas/vulnerability/0.4">
  <entry id="CVE-2002-0002">
    <vuln:summary>** REJECT **  DO NOT USE THIS CANDIDATE NUMBER.</vuln:summary>
  </entry>
</nvd>`

const testCVEEmpty = `<?xml version='1.0' encoding='UTF-8'?>
<nvd xmlns="http://scap.nist.gov/schemas/feed/vulnerability/2.0"/>`

// feedSite serves the fixture documents with a fixed Last-Modified date,
// honoring If-Modified-Since, and counts requests per path.
func feedSite(t *testing.T, lastMod time.Time) (*httptest.Server, map[string]int) {
	t.Helper()
	docs := map[string]string{
		"/cpe/official-cpe-dictionary_v2.3.xml": testDict,
		"/cve/nvdcve-2.0-2002.xml":              testCVE2002,
		"/cve/nvdcve-2.0-modified.xml":          testCVEModified,
		"/cve/nvdcve-2.0-recent.xml":            testCVEEmpty,
	}
	hits := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, ok := docs[r.URL.Path]
		if !ok {
			t.Errorf("unexpected request: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hits[r.URL.Path]++
		if ims := r.Header.Get("If-Modified-Since"); ims != "" {
			if since, err := http.ParseTime(ims); err == nil && !lastMod.After(since) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.Header().Set("Last-Modified", lastMod.UTC().Format(http.TimeFormat))
		w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestUpdate(t *testing.T) {
	ctx := zlog.Test(t.Context(), t)
	srv, hits := feedSite(t, time.Date(2013, time.August, 9, 3, 50, 0, 0, time.UTC))

	db := newTestDB(t, ctx,
		WithClient(srv.Client()),
		WithCPEFeed(srv.URL+"/cpe/"),
		WithCVEFeed(srv.URL+"/cve/"))
	// Pin the clock so only the 2002 yearly feed is requested.
	db.now = func() time.Time {
		return time.Date(2002, time.December, 31, 0, 0, 0, 0, time.UTC)
	}

	if err := db.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if got := count(t, ctx, db, "cpe"); got != 2 {
		t.Errorf("got: %d dictionary rows, want: 2", got)
	}
	// CVE-2002-0002 was withdrawn by the "modified" feed.
	if got := count(t, ctx, db, "cve"); got != 1 {
		t.Errorf("got: %d cve rows, want: 1", got)
	}
	if got := count(t, ctx, db, "cve_cpe WHERE id_cpe IS NOT NULL"); got != 1 {
		t.Errorf("got: %d dictionary links, want: 1", got)
	}
	if got := count(t, ctx, db, "update_operation"); got != 4 {
		t.Errorf("got: %d update operations, want: 4", got)
	}

	names, err := db.Resolve(ctx, "cpe:2.3:a:vendor:*:*:*:*:*:*:*:*:*", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("got: %v, want 2 names", names)
	}

	// A second run finds every feed unchanged and loads nothing.
	if err := db.Update(ctx); err != nil {
		t.Fatal(err)
	}
	for p, n := range hits {
		if n != 2 {
			t.Errorf("got: %d requests for %s, want: 2", n, p)
		}
	}
	if got := count(t, ctx, db, "update_operation"); got != 4 {
		t.Errorf("got: %d update operations after no-op run, want: 4", got)
	}
}

func TestUpdatePreStaged(t *testing.T) {
	ctx := zlog.Test(t.Context(), t)
	srv, hits := feedSite(t, time.Date(2013, time.August, 9, 3, 50, 0, 0, time.UTC))

	// Stage the dictionary locally with a subsecond mtime, the way any
	// real filesystem write leaves it.
	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "official-cpe-dictionary_v2.3.xml")
	if err := os.WriteFile(local, []byte(testDict), 0o644); err != nil {
		t.Fatal(err)
	}
	staged := time.Date(2020, time.January, 2, 3, 4, 5, 123456789, time.UTC)
	if err := os.Chtimes(local, staged, staged); err != nil {
		t.Fatal(err)
	}

	db := newTestDB(t, ctx,
		WithClient(srv.Client()),
		WithDataDir(dataDir),
		WithCPEFeed(srv.URL+"/cpe/"),
		WithCVEFeed(srv.URL+"/cve/"))
	db.now = func() time.Time {
		return time.Date(2002, time.December, 31, 0, 0, 0, 0, time.UTC)
	}

	const dict = "/cpe/official-cpe-dictionary_v2.3.xml"
	if err := db.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if hits[dict] != 0 {
		t.Errorf("got: %d dictionary requests, want: 0", hits[dict])
	}
	if got := count(t, ctx, db, "update_operation"); got != 4 {
		t.Errorf("got: %d update operations, want: 4", got)
	}

	// The staged file's mtime rounds through the stored watermark;
	// a second run must not mistake it for newly staged data.
	if err := db.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if hits[dict] != 1 {
		t.Errorf("got: %d dictionary requests after no-op run, want: 1", hits[dict])
	}
	if got := count(t, ctx, db, "update_operation"); got != 4 {
		t.Errorf("got: %d update operations after no-op run, want: 4", got)
	}
}
