package vulnid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/vulntool/vulnid/cpe"
	"github.com/vulntool/vulnid/feed"
	"github.com/vulntool/vulnid/fetch"
)

// GetWatermark reports the stored watermark for the named feed file, or
// nil if the file has never been loaded.
func getWatermark(ctx context.Context, tx *sql.Tx, filename string) (*fetch.Watermark, error) {
	const query = `SELECT last_modified, last_modified_string FROM files WHERE filename = ? LIMIT 1;`
	var (
		mod  int64
		date string
	)
	err := tx.QueryRowContext(ctx, query, filename).Scan(&mod, &date)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("vulnid: watermark lookup: %w", err)
	}
	return &fetch.Watermark{Time: time.Unix(mod, 0), HTTPDate: date}, nil
}

// SetWatermark records the watermark for the named feed file, replacing
// any previous row.
func setWatermark(ctx context.Context, tx *sql.Tx, filename string, wm fetch.Watermark) error {
	const query = `INSERT INTO files (filename, last_modified, last_modified_string) VALUES (?, ?, ?);`
	if _, err := tx.ExecContext(ctx, query, filename, wm.Time.Unix(), wm.HTTPDate); err != nil {
		return fmt.Errorf("vulnid: recording watermark: %w", err)
	}
	return nil
}

// RecordOperation logs a completed feed load.
func recordOperation(ctx context.Context, tx *sql.Tx, filename string, wm fetch.Watermark, now time.Time) error {
	const query = `INSERT INTO update_operation (id, filename, date, created_at) VALUES (?, ?, ?, ?);`
	if _, err := tx.ExecContext(ctx, query, uuid.NewString(), filename, wm.HTTPDate, now.Unix()); err != nil {
		return fmt.Errorf("vulnid: recording update operation: %w", err)
	}
	return nil
}

// RebuildCPE replaces the whole CPE dictionary with the items read from
// the feed. The dictionary feed is a complete snapshot, so a wholesale
// rebuild is both simpler and safer than a partial merge.
//
// Dictionary links held by cve_cpe rows are severed by the delete and
// re-established on the next CVE load.
func rebuildCPE(ctx context.Context, tx *sql.Tx, items iter.Seq2[*feed.DictItem, error]) (int, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cpe;`); err != nil {
		return 0, fmt.Errorf("vulnid: clearing cpe table: %w", err)
	}
	const insert = `
		INSERT OR REPLACE INTO cpe
			(name23, name22, title, deprecated,
			 part, vendor, product, version, "update", edition,
			 language, sw_edition, target_sw, target_hw, other)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("vulnid: preparing cpe insert: %w", err)
	}
	defer stmt.Close()
	var ct int
	for item, err := range items {
		if err != nil {
			return ct, err
		}
		n, err := cpe.Parse(item.Name23)
		if err != nil {
			return ct, err
		}
		args := make([]any, 0, 4+cpe.NumAttr)
		args = append(args, item.Name23, item.Name22, item.Title(), item.Deprecated)
		for _, v := range n {
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return ct, fmt.Errorf("vulnid: inserting %q: %w", item.Name23, err)
		}
		ct++
	}
	return ct, nil
}

// UpsertCVE reconciles one feed entry with the cve table:
//
//   - known and withdrawn: delete the row, cascading to the
//     cross-reference tables
//   - known: update the mutable fields in place
//   - unknown and withdrawn: nothing to do
//   - unknown: insert
//
// A withdrawn entry is never inserted.
func upsertCVE(ctx context.Context, tx *sql.Tx, e *feed.CVEEntry) error {
	var rowid int64
	err := tx.QueryRowContext(ctx,
		`SELECT rowid FROM cve WHERE year = ? AND id = ? LIMIT 1;`,
		e.Year, e.Number).Scan(&rowid)
	known := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		known = false
	case err != nil:
		return fmt.Errorf("vulnid: cve lookup: %w", err)
	}

	var cvss feed.CVSS
	if e.CVSS != nil {
		cvss = *e.CVSS
	}
	switch {
	case known && e.Rejected():
		zlog.Debug(ctx).Str("cve", e.ID()).Msg("deleting withdrawn entry")
		if _, err := tx.ExecContext(ctx, `DELETE FROM cve WHERE rowid = ?;`, rowid); err != nil {
			return fmt.Errorf("vulnid: deleting %s: %w", e.ID(), err)
		}
		return nil
	case known:
		const update = `
			UPDATE cve SET
				cvss_score = ?, cvss_access_vector = ?, cvss_access_complexity = ?,
				cvss_authentication = ?, cvss_integrity_impact = ?, cvss_source = ?,
				cwe = ?, summary = ?
			WHERE rowid = ?;`
		if _, err := tx.ExecContext(ctx, update,
			null(cvss.Score), null(cvss.AccessVector), null(cvss.AccessComplexity),
			null(cvss.Authentication), null(cvss.IntegrityImpact), null(cvss.Source),
			null(e.CWE), null(e.Summary), rowid); err != nil {
			return fmt.Errorf("vulnid: updating %s: %w", e.ID(), err)
		}
	case e.Rejected():
		return nil
	default:
		const insert = `
			INSERT INTO cve
				(year, id, cvss_score, cvss_access_vector, cvss_access_complexity,
				 cvss_authentication, cvss_integrity_impact, cvss_source, cwe, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		res, err := tx.ExecContext(ctx, insert,
			e.Year, e.Number,
			null(cvss.Score), null(cvss.AccessVector), null(cvss.AccessComplexity),
			null(cvss.Authentication), null(cvss.IntegrityImpact), null(cvss.Source),
			null(e.CWE), null(e.Summary))
		if err != nil {
			return fmt.Errorf("vulnid: inserting %s: %w", e.ID(), err)
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("vulnid: inserting %s: %w", e.ID(), err)
		}
	}

	for _, u := range e.References {
		if err := linkReference(ctx, tx, rowid, u); err != nil {
			return err
		}
	}
	for _, name := range e.Products {
		if err := linkCPE(ctx, tx, rowid, name); err != nil {
			return err
		}
	}
	return nil
}

// LinkReference associates an external URL with a CVE row. Duplicates
// are ignored.
func linkReference(ctx context.Context, tx *sql.Tx, cveID int64, url string) error {
	const insert = `INSERT OR IGNORE INTO cve_references (id_cve, url) VALUES (?, ?);`
	if _, err := tx.ExecContext(ctx, insert, cveID, url); err != nil {
		return fmt.Errorf("vulnid: linking reference: %w", err)
	}
	return nil
}

// LinkCPE associates a product CPE name with a CVE row. When the name is
// present in the dictionary the dictionary row is linked too; the raw
// name is kept either way since feeds routinely cite names the
// dictionary doesn't carry.
func linkCPE(ctx context.Context, tx *sql.Tx, cveID int64, name string) error {
	f, err := cpe.DetectFormat(name)
	if err != nil {
		return err
	}
	col := `name23`
	if f == cpe.FormatURI {
		col = `name22`
	}
	var cpeID sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT rowid FROM cpe WHERE `+col+` = ? LIMIT 1;`, name).Scan(&cpeID.Int64)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("vulnid: dictionary lookup for %q: %w", name, err)
	default:
		cpeID.Valid = true
	}
	const insert = `INSERT INTO cve_cpe (id_cve, id_cpe, cpe_name) VALUES (?, ?, ?);`
	if _, err := tx.ExecContext(ctx, insert, cveID, cpeID, name); err != nil {
		return fmt.Errorf("vulnid: linking %q: %w", name, err)
	}
	return nil
}

// Null maps the empty string to NULL, keeping absent feed fields out of
// the optional columns.
func null(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
