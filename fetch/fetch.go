// Package fetch implements conditional downloads of feed documents.
//
// A Fetcher keeps a local mirror directory of feed files and re-downloads
// a file only when the remote copy is newer than a stored watermark. An
// operator can also pre-stage a file into the mirror directory; if its
// modification time is newer than the watermark it is used as-is, without
// any network access.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"
	"golang.org/x/time/rate"
)

// Unchanged is returned by Fetch when the feed has not changed since the
// provided watermark.
var Unchanged = errors.New("fetch: feed contents unchanged")

// Compressor indicates how a remote feed file is compressed.
type Compressor uint

// These are the compression schemes a Fetcher can deal with.
const (
	CompressionNone Compressor = iota
	CompressionGzip
)

func (c Compressor) ext() string {
	if c == CompressionGzip {
		return ".gz"
	}
	return ""
}

// Watermark records when a feed file was last modified.
type Watermark struct {
	// Time is the modification instant.
	Time time.Time
	// HTTPDate is the formatted date string, suitable for use in an
	// If-Modified-Since header. It is the verbatim Last-Modified value
	// when the file came off the network.
	HTTPDate string
}

// Result describes a completed fetch.
type Result struct {
	// Path is the local file holding the (decompressed) document.
	Path string
	// Watermark is the new watermark the caller should persist.
	Watermark Watermark
}

// Fetcher fetches feed files relative to a root URL.
//
// All exported members must be filled out appropriately before use;
// Limiter may be nil to disable rate limiting.
type Fetcher struct {
	Client      *http.Client
	Root        *url.URL
	Limiter     *rate.Limiter
	Dir         string
	Compression Compressor
}

// Fetch retrieves the named feed file, consulting the provided watermark.
//
// A nil prev means the file has never been loaded. Fetch reports
// Unchanged when no new data is available; any other error is fatal for
// this feed file. On success the local file has been written and the
// returned watermark should be persisted in the same transaction that
// consumes the document.
func (f *Fetcher) Fetch(ctx context.Context, name string, prev *Watermark) (*Result, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "fetch/Fetcher.Fetch",
		"file", name)

	local := filepath.Join(f.Dir, name)
	if fi, err := os.Stat(local); err == nil {
		switch g, err := os.Open(local); {
		case err != nil:
			// Unreadable pre-staged files are discarded.
			zlog.Warn(ctx).Err(err).Msg("removing unreadable local file")
			if err := os.Remove(local); err != nil {
				return nil, fmt.Errorf("fetch: removing %q: %w", local, err)
			}
		default:
			g.Close()
			// Stored watermarks only carry second resolution, so a
			// subsecond mtime must not count as newer.
			if mod := fi.ModTime(); prev == nil || mod.Truncate(time.Second).After(prev.Time) {
				zlog.Info(ctx).Msg("using pre-staged local file")
				return &Result{
					Path: local,
					Watermark: Watermark{
						Time:     mod,
						HTTPDate: mod.UTC().Format(http.TimeFormat),
					},
				}, nil
			}
		}
	}

	u, err := f.Root.Parse(name + f.Compression.ext())
	if err != nil {
		return nil, fmt.Errorf("fetch: bad URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: unable to create request: %w", err)
	}
	if prev != nil && prev.HTTPDate != "" {
		req.Header.Set("If-Modified-Since", prev.HTTPDate)
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	zlog.Debug(ctx).Stringer("url", u).Msg("requesting feed")
	res, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		lm := res.Header.Get("Last-Modified")
		if prev == nil || prev.HTTPDate == "" || prev.HTTPDate != lm {
			break
		}
		fallthrough
	case http.StatusNotModified:
		if prev == nil {
			return nil, fmt.Errorf("fetch: unexpected 304 without a stored watermark for %q", name)
		}
		zlog.Info(ctx).Msg("already up-to-date")
		return nil, Unchanged
	default:
		return nil, fmt.Errorf("fetch: unexpected HTTP response: %d (%s)", res.StatusCode, res.Status)
	}

	var src io.Reader = res.Body
	if f.Compression == CompressionGzip {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch: unable to create gzip reader: %w", err)
		}
		defer gz.Close()
		src = gz
	}
	if err := writeFile(local, src); err != nil {
		return nil, err
	}
	zlog.Info(ctx).Stringer("url", u).Msg("downloaded feed")

	wm := Watermark{HTTPDate: res.Header.Get("Last-Modified")}
	if t, err := http.ParseTime(wm.HTTPDate); err == nil {
		wm.Time = t
		// Align the local copy's mtime with the watermark so the next
		// run doesn't mistake our own download for a pre-staged file.
		if err := os.Chtimes(local, t, t); err != nil {
			return nil, fmt.Errorf("fetch: setting mtime on %q: %w", local, err)
		}
	} else {
		fi, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("fetch: stat after write: %w", err)
		}
		wm.Time = fi.ModTime()
		wm.HTTPDate = wm.Time.UTC().Format(http.TimeFormat)
	}
	return &Result{Path: local, Watermark: wm}, nil
}

func writeFile(local string, src io.Reader) (err error) {
	dst, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("fetch: unable to create %q: %w", local, err)
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(local)
		}
	}()
	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("fetch: writing %q: %w", local, err)
	}
	return nil
}
