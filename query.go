package vulnid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the sqlite3 dialect

	"github.com/vulntool/vulnid/cpe"
)

var dialect = goqu.Dialect("sqlite3")

// NameColumn is the dictionary column holding names bound in the given
// format.
func nameColumn(f cpe.Format) string {
	if f == cpe.FormatURI {
		return "name22"
	}
	return "name23"
}

// Resolve expands a CPE name with wildcards against the dictionary.
//
// The result is the set of stored names that either equal the input
// verbatim or match every concrete (non-wildcard) attribute of it. A
// name with no concrete attributes resolves to itself. Results are bound
// in the same format as the input.
func (db *DB) Resolve(ctx context.Context, name string, includeDeprecated bool) ([]string, error) {
	f, err := cpe.DetectFormat(name)
	if err != nil {
		return nil, err
	}
	n, err := cpe.Parse(name)
	if err != nil {
		return nil, err
	}
	fields := make([]goqu.Expression, 0, cpe.NumAttr)
	for i, v := range n {
		if v == "" || v == cpe.Wildcard {
			continue
		}
		fields = append(fields, goqu.Ex{cpe.Attribute(i).String(): v})
	}
	if len(fields) == 0 {
		return []string{name}, nil
	}

	col := nameColumn(f)
	pred := goqu.Or(
		goqu.C(col).Eq(name),
		goqu.And(fields...),
	)
	q := dialect.From("cpe").SelectDistinct(goqu.C(col)).Order(goqu.C(col).Asc())
	if includeDeprecated {
		q = q.Where(pred)
	} else {
		q = q.Where(goqu.C("deprecated").Eq(0), pred)
	}
	return db.selectNames(ctx, q)
}

// Title reports the display title of a CPE name.
//
// The name must appear verbatim in the dictionary; ErrNotFound is
// reported otherwise.
func (db *DB) Title(ctx context.Context, name string) (string, error) {
	f, err := cpe.DetectFormat(name)
	if err != nil {
		return "", err
	}
	var (
		title string
		query = fmt.Sprintf(`SELECT title FROM cpe WHERE %s = ? LIMIT 1;`, nameColumn(f))
	)
	err = db.transact(ctx, func(tx *sql.Tx) error {
		var t sql.NullString
		err := tx.QueryRowContext(ctx, query, name).Scan(&t)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		case err != nil:
			return err
		}
		title = t.String
		return nil
	})
	return title, err
}

// Search describes a dictionary search. Every non-empty field other than
// the wildcard "*" constrains the result by substring match; zero-value
// fields are unconstrained.
type Search struct {
	Title     string
	Part      string
	Vendor    string
	Product   string
	Version   string
	Update    string
	Edition   string
	Language  string
	SwEdition string
	TargetSW  string
	TargetHW  string
	Other     string
}

// Search reports the 2.3 names of all dictionary entries matching the
// query.
func (db *DB) Search(ctx context.Context, s Search) ([]string, error) {
	fields := []struct{ col, val string }{
		{"title", s.Title},
		{"part", s.Part},
		{"vendor", s.Vendor},
		{"product", s.Product},
		{"version", s.Version},
		{"update", s.Update},
		{"edition", s.Edition},
		{"language", s.Language},
		{"sw_edition", s.SwEdition},
		{"target_sw", s.TargetSW},
		{"target_hw", s.TargetHW},
		{"other", s.Other},
	}
	q := dialect.From("cpe").Select(goqu.C("name23")).Order(goqu.C("name23").Asc())
	for _, f := range fields {
		if f.val == "" || f.val == cpe.Wildcard {
			continue
		}
		q = q.Where(goqu.L(`? LIKE ? ESCAPE '\'`, goqu.C(f.col), "%"+likeEscape.Replace(f.val)+"%"))
	}
	return db.selectNames(ctx, q)
}

// LikeEscape neutralizes LIKE metacharacters so search values match as
// literal substrings.
var likeEscape = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (db *DB) selectNames(ctx context.Context, q *goqu.SelectDataset) ([]string, error) {
	query, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("vulnid: building query: %w", err)
	}
	var names []string
	err = db.transact(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return err
			}
			names = append(names, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
