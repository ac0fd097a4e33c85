package vulnid

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	"github.com/vulntool/vulnid/feed"
	"github.com/vulntool/vulnid/fetch"
)

var dictFixture = []*feed.DictItem{
	{
		Name22: "cpe:/a:vendor:product:1.0",
		Name23: "cpe:2.3:a:vendor:product:1.0:*:*:*:*:*:*:*",
		Titles: map[string]string{"en-US": "Vendor Product 1.0"},
	},
	{
		Name22:     "cpe:/a:vendor:product:1.1",
		Name23:     "cpe:2.3:a:vendor:product:1.1:*:*:*:*:*:*:*",
		Titles:     map[string]string{"en-US": "Vendor Product 1.1"},
		Deprecated: true,
	},
	{
		Name22: "cpe:/a:vendor:widget",
		Name23: "cpe:2.3:a:vendor:widget:*:*:*:*:*:*:*:*",
		Titles: map[string]string{"en-US": "Vendor Widget"},
	},
	{
		Name22: "cpe:/o:othervendor:os:2.0",
		Name23: "cpe:2.3:o:othervendor:os:2.0:*:*:*:*:*:*:*",
		Titles: map[string]string{"en-US": "Other Vendor OS 2.0"},
	},
}

func loadDict(t *testing.T, ctx context.Context, db *DB, is []*feed.DictItem) {
	t.Helper()
	err := db.transact(ctx, func(tx *sql.Tx) error {
		ct, err := rebuildCPE(ctx, tx, items(is))
		if err != nil {
			return err
		}
		if ct != len(is) {
			t.Errorf("got: %d items, want: %d", ct, len(is))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func loadCVEs(t *testing.T, ctx context.Context, db *DB, es []*feed.CVEEntry) {
	t.Helper()
	err := db.transact(ctx, func(tx *sql.Tx) error {
		for _, e := range es {
			if err := upsertCVE(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRebuildCPE(t *testing.T) {
	ctx := zlog.Test(t.Context(), t)
	db := newTestDB(t, ctx)

	loadDict(t, ctx, db, dictFixture)
	if got := count(t, ctx, db, "cpe"); got != len(dictFixture) {
		t.Errorf("got: %d rows, want: %d", got, len(dictFixture))
	}

	// A rebuild replaces, never accumulates.
	loadDict(t, ctx, db, dictFixture)
	if got := count(t, ctx, db, "cpe"); got != len(dictFixture) {
		t.Errorf("got: %d rows after rebuild, want: %d", got, len(dictFixture))
	}
}

func TestUpsertCVE(t *testing.T) {
	ctx := zlog.Test(t.Context(), t)
	db := newTestDB(t, ctx)
	loadDict(t, ctx, db, dictFixture)

	e := &feed.CVEEntry{
		Year:   2002,
		Number: 1,
		CWE:    "CWE-119",
		Products: []string{
			"cpe:/a:vendor:product:1.0",
			"cpe:/a:nobody:unknown:9.9",
		},
		CVSS: &feed.CVSS{Score: "7.5", AccessVector: "NETWORK"},
		References: []string{
			"https://example.com/advisory-1",
			"https://example.com/advisory-2",
		},
		Summary: "Buffer overflow in vendor product.",
	}
	loadCVEs(t, ctx, db, []*feed.CVEEntry{e})
	if got := count(t, ctx, db, "cve"); got != 1 {
		t.Fatalf("got: %d rows, want: 1", got)
	}
	if got := count(t, ctx, db, "cve_cpe"); got != 2 {
		t.Errorf("got: %d product links, want: 2", got)
	}
	if got := count(t, ctx, db, "cve_references"); got != 2 {
		t.Errorf("got: %d references, want: 2", got)
	}
	// The dictionary name is linked to its row, the unknown one isn't.
	if got := count(t, ctx, db, "cve_cpe WHERE id_cpe IS NOT NULL"); got != 1 {
		t.Errorf("got: %d dictionary links, want: 1", got)
	}

	// A re-sighting updates in place.
	e.Summary = "Buffer overflow in vendor product. (revised)"
	loadCVEs(t, ctx, db, []*feed.CVEEntry{e})
	if got := count(t, ctx, db, "cve"); got != 1 {
		t.Errorf("got: %d rows after re-sighting, want: 1", got)
	}
	if got := count(t, ctx, db, "cve_cpe"); got != 2 {
		t.Errorf("got: %d product links after re-sighting, want: 2", got)
	}
	if got := count(t, ctx, db, "cve_references"); got != 2 {
		t.Errorf("got: %d references after re-sighting, want: 2", got)
	}
	var summary string
	err := db.transact(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT summary FROM cve WHERE year = ? AND id = ?;`,
			e.Year, e.Number).Scan(&summary)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(summary, e.Summary) {
		t.Error(cmp.Diff(summary, e.Summary))
	}

	// Withdrawal deletes the row and everything hanging off it.
	e.Summary = feed.RejectMarker + "  DO NOT USE THIS CANDIDATE NUMBER."
	loadCVEs(t, ctx, db, []*feed.CVEEntry{e})
	for _, table := range []string{"cve", "cve_cpe", "cve_references"} {
		if got := count(t, ctx, db, table); got != 0 {
			t.Errorf("got: %d %s rows after withdrawal, want: 0", got, table)
		}
	}

	// A withdrawn entry never seen before isn't inserted either.
	loadCVEs(t, ctx, db, []*feed.CVEEntry{{
		Year:    2002,
		Number:  2,
		Summary: feed.RejectMarker + " unused.",
	}})
	if got := count(t, ctx, db, "cve"); got != 0 {
		t.Errorf("got: %d rows, want: 0", got)
	}
}

func TestWatermark(t *testing.T) {
	ctx := zlog.Test(t.Context(), t)
	db := newTestDB(t, ctx)
	const name = "nvdcve-2.0-2002.xml"
	wm := fetch.Watermark{
		Time:     time.Date(2013, time.August, 9, 3, 50, 0, 0, time.UTC),
		HTTPDate: "Fri, 09 Aug 2013 03:50:00 GMT",
	}
	err := db.transact(ctx, func(tx *sql.Tx) error {
		got, err := getWatermark(ctx, tx, name)
		if err != nil {
			return err
		}
		if got != nil {
			t.Errorf("got: %v, want: nil", got)
		}
		if err := setWatermark(ctx, tx, name, wm); err != nil {
			return err
		}
		got, err = getWatermark(ctx, tx, name)
		if err != nil {
			return err
		}
		if got == nil || !got.Time.Equal(wm.Time) || got.HTTPDate != wm.HTTPDate {
			t.Errorf("got: %v, want: %v", got, wm)
		}
		// Replacing keeps a single row per file.
		wm.HTTPDate = "Sat, 10 Aug 2013 03:50:00 GMT"
		return setWatermark(ctx, tx, name, wm)
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := count(t, ctx, db, "files"); got != 1 {
		t.Errorf("got: %d rows, want: 1", got)
	}
}
