package vulnid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/vulntool/vulnid/feed"
	"github.com/vulntool/vulnid/fetch"
)

var (
	fetchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulnid",
			Subsystem: "update",
			Name:      "fetch_total",
			Help:      "Total number of feed fetches, by outcome.",
		},
		[]string{"outcome"},
	)

	recordCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vulnid",
			Subsystem: "update",
			Name:      "records_total",
			Help:      "Total number of feed records reconciled into the database.",
		},
		[]string{"kind"},
	)
)

// Update downloads any feed files that changed since the last run and
// reconciles them into the database.
//
// The CPE dictionary is loaded first, because CVE entries link against
// it. Then one CVE file per year from 2002 through the current year is
// loaded, followed by the "modified" and "recent" incremental files; the
// order matters, as the incremental files carry the freshest revisions.
//
// Each feed file is its own transaction. A failure rolls back only the
// file being loaded, including its watermark, and aborts the update;
// files committed earlier in the run stay persisted, and the failed file
// is retried on the next Update.
func (db *DB) Update(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "vulnid/DB.Update")
	zlog.Info(ctx).Msg("starting update")
	defer zlog.Info(ctx).Msg("finished update")

	if err := db.loadCPE(ctx); err != nil {
		return fmt.Errorf("vulnid: loading CPE dictionary: %w", err)
	}
	names := make([]string, 0, db.now().Year()-firstYear+3)
	for y := firstYear; y <= db.now().Year(); y++ {
		names = append(names, fmt.Sprintf(cveFile, fmt.Sprint(y)))
	}
	names = append(names,
		fmt.Sprintf(cveFile, "modified"),
		fmt.Sprintf(cveFile, "recent"))
	for _, name := range names {
		if err := db.loadCVE(ctx, name); err != nil {
			return fmt.Errorf("vulnid: loading %s: %w", name, err)
		}
	}
	return nil
}

func (db *DB) loadCPE(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "feed", cpeDictFile)
	return db.transact(ctx, func(tx *sql.Tx) error {
		res, err := db.fetchFeed(ctx, tx, db.cpe, cpeDictFile)
		switch {
		case errors.Is(err, fetch.Unchanged):
			return nil
		case err != nil:
			return err
		}
		f, err := os.Open(res.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		ct, err := rebuildCPE(ctx, tx, feed.Dictionary(f))
		if err != nil {
			return err
		}
		recordCounter.WithLabelValues("cpe").Add(float64(ct))
		zlog.Info(ctx).Int("count", ct).Msg("dictionary rebuilt")
		return recordOperation(ctx, tx, cpeDictFile, res.Watermark, db.now())
	})
}

func (db *DB) loadCVE(ctx context.Context, name string) error {
	ctx = zlog.ContextWithValues(ctx, "feed", name)
	return db.transact(ctx, func(tx *sql.Tx) error {
		res, err := db.fetchFeed(ctx, tx, db.cve, name)
		switch {
		case errors.Is(err, fetch.Unchanged):
			return nil
		case err != nil:
			return err
		}
		f, err := os.Open(res.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		var ct int
		for e, err := range feed.CVE(f) {
			if err != nil {
				return err
			}
			if err := upsertCVE(ctx, tx, e); err != nil {
				return err
			}
			ct++
		}
		recordCounter.WithLabelValues("cve").Add(float64(ct))
		zlog.Info(ctx).Int("count", ct).Msg("entries reconciled")
		return recordOperation(ctx, tx, name, res.Watermark, db.now())
	})
}

// FetchFeed wires the fetcher to the watermark table: the stored
// watermark drives the conditional request, and the new one is written
// inside the caller's transaction so a failed ingestion rolls it back
// too.
func (db *DB) fetchFeed(ctx context.Context, tx *sql.Tx, f *fetch.Fetcher, name string) (*fetch.Result, error) {
	prev, err := getWatermark(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	res, err := f.Fetch(ctx, name, prev)
	switch {
	case errors.Is(err, fetch.Unchanged):
		fetchCounter.WithLabelValues("unchanged").Inc()
		return nil, err
	case err != nil:
		fetchCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	fetchCounter.WithLabelValues("new").Inc()
	if err := setWatermark(ctx, tx, name, res.Watermark); err != nil {
		return nil, err
	}
	return res, nil
}
