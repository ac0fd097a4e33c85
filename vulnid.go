// Package vulnid maintains a local vulnerability identifier database
// built from the NVD CPE dictionary and CVE 2.0 feeds.
//
// The database is a single sqlite file. Update downloads any feeds that
// changed since the last run and reconciles them into the relational
// schema; the query methods resolve, title, and search CPE names against
// the loaded dictionary.
//
// A DB is a single-writer store: each operation runs in its own
// transaction, and a transactional call made while another is in flight
// on the same DB fails immediately with ErrBusy instead of queuing.
package vulnid

import (
	"context"
	"database/sql"
	_ "embed" // embed the schema creation script
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/vulntool/vulnid/fetch"
)

//go:embed schema.sql
var schema string

var (
	// ErrBusy is reported when a transactional call is attempted while
	// another one is in flight on the same DB.
	ErrBusy = errors.New("vulnid: database is busy")
	// ErrNotFound is reported when a name is absent from the dictionary.
	ErrNotFound = errors.New("vulnid: CPE name not found")
)

// These are where NIST publishes the feeds.
//
//doc:url updater
const (
	DefaultCPEFeed = `https://static.nvd.nist.gov/feeds/xml/cpe/dictionary/`
	DefaultCVEFeed = `https://static.nvd.nist.gov/feeds/xml/cve/`

	cpeDictFile = `official-cpe-dictionary_v2.3.xml`
	cveFile     = `nvdcve-2.0-%s.xml`

	// First year for the yearly CVE feeds.
	firstYear = 2002
)

// DB is a handle to the vulnerability database.
//
// Use New to construct one; the zero value is not usable.
type DB struct {
	db  *sql.DB
	cpe *fetch.Fetcher
	cve *fetch.Fetcher
	now func() time.Time

	mu   sync.Mutex
	busy bool
}

// Option configures a DB.
type Option func(*options)

type options struct {
	client      *http.Client
	dir         string
	cpeFeed     string
	cveFeed     string
	limiter     *rate.Limiter
	compression fetch.Compressor
}

// WithClient sets the HTTP client used for feed downloads.
func WithClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithDataDir sets the directory feed files are mirrored into. It
// defaults to the current directory.
func WithDataDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithCPEFeed overrides the CPE dictionary base URL. The URL must end
// with a trailing slash.
func WithCPEFeed(u string) Option {
	return func(o *options) { o.cpeFeed = u }
}

// WithCVEFeed overrides the CVE feed base URL. The URL must end with a
// trailing slash.
func WithCVEFeed(u string) Option {
	return func(o *options) { o.cveFeed = u }
}

// WithLimiter rate-limits feed requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithCompression sets the compression scheme the remote feed files use.
func WithCompression(c fetch.Compressor) Option {
	return func(o *options) { o.compression = c }
}

// New opens or creates the database file and ensures the schema exists.
//
// The returned DB must have its Close method called when no longer
// needed.
func New(ctx context.Context, dbFile string, opt ...Option) (*DB, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "vulnid/New")
	o := options{
		client:  http.DefaultClient,
		dir:     ".",
		cpeFeed: DefaultCPEFeed,
		cveFeed: DefaultCVEFeed,
	}
	for _, f := range opt {
		f(&o)
	}
	cpeRoot, err := parseFeedRoot(o.cpeFeed)
	if err != nil {
		return nil, err
	}
	cveRoot, err := parseFeedRoot(o.cveFeed)
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme: `file`,
		Opaque: dbFile,
		RawQuery: url.Values{
			"_pragma": {"foreign_keys(1)"},
		}.Encode(),
	}
	sdb, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("vulnid: unable to open %q: %w", dbFile, err)
	}
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("vulnid: unable to open %q: %w", dbFile, err)
	}
	db := &DB{
		db:  sdb,
		now: time.Now,
		cpe: &fetch.Fetcher{
			Client:      o.client,
			Root:        cpeRoot,
			Limiter:     o.limiter,
			Dir:         o.dir,
			Compression: o.compression,
		},
		cve: &fetch.Fetcher{
			Client:      o.client,
			Root:        cveRoot,
			Limiter:     o.limiter,
			Dir:         o.dir,
			Compression: o.compression,
		},
	}
	if err := db.transact(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	}); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("vulnid: unable to create schema: %w", err)
	}
	zlog.Debug(ctx).Str("file", dbFile).Msg("database opened")
	return db, nil
}

func parseFeedRoot(s string) (*url.URL, error) {
	if s == "" || s[len(s)-1] != '/' {
		return nil, fmt.Errorf("vulnid: feed URL missing trailing slash: %q", s)
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("vulnid: bad feed URL: %w", err)
	}
	return u, nil
}

// Close releases held resources.
func (db *DB) Close() error {
	return db.db.Close()
}

// Transact runs fn inside a transaction, committing if it returns nil
// and rolling back otherwise.
//
// The busy guard is deliberate: reentrant or concurrent transactional
// calls fail with ErrBusy rather than blocking, because a caller inside
// a transaction waiting on a second one would never make progress.
func (db *DB) transact(ctx context.Context, fn func(*sql.Tx) error) error {
	db.mu.Lock()
	if db.busy {
		db.mu.Unlock()
		return ErrBusy
	}
	db.busy = true
	db.mu.Unlock()
	defer func() {
		db.mu.Lock()
		db.busy = false
		db.mu.Unlock()
	}()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vulnid: unable to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vulnid: commit failed: %w", err)
	}
	return nil
}
