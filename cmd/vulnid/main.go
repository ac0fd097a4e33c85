// Command vulnid maintains a local NVD vulnerability database, then
// looks up the host operating system in the loaded CPE dictionary and
// prints matching product titles.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vulntool/vulnid"
	"github.com/vulntool/vulnid/fetch"
)

func main() {
	var code int
	defer func() {
		if code != 0 {
			os.Exit(code)
		}
	}()
	var (
		dbFile   = flag.String("db", "vulnid.db", "database file")
		dataDir  = flag.String("data-dir", ".", "directory feed files are mirrored into")
		cpeFeed  = flag.String("cpe-feed", vulnid.DefaultCPEFeed, "CPE dictionary base URL")
		cveFeed  = flag.String("cve-feed", vulnid.DefaultCVEFeed, "CVE feed base URL")
		gz       = flag.Bool("gz", false, "remote feed files are gzip compressed")
		qps      = flag.Float64("rate", 2, "maximum feed requests per second, 0 to disable limiting")
		noUpdate = flag.Bool("no-update", false, "skip the feed update and only query")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	lvl := zerolog.InfoLevel
	if *debug {
		lvl = zerolog.DebugLevel
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
	zlog.Set(&l)
	ctx := context.Background()

	opts := []vulnid.Option{
		vulnid.WithDataDir(*dataDir),
		vulnid.WithCPEFeed(*cpeFeed),
		vulnid.WithCVEFeed(*cveFeed),
	}
	if *gz {
		opts = append(opts, vulnid.WithCompression(fetch.CompressionGzip))
	}
	if *qps > 0 {
		opts = append(opts, vulnid.WithLimiter(rate.NewLimiter(rate.Limit(*qps), 1)))
	}
	db, err := vulnid.New(ctx, *dbFile, opts...)
	if err != nil {
		zlog.Error(ctx).Err(err).Msg("unable to open database")
		code = 1
		return
	}
	defer db.Close()

	if !*noUpdate {
		if err := db.Update(ctx); err != nil {
			zlog.Error(ctx).Err(err).Msg("update failed")
			code = 1
			return
		}
	}

	names, err := db.Search(ctx, platformSearch())
	if err != nil {
		zlog.Error(ctx).Err(err).Msg("search failed")
		code = 1
		return
	}
	for _, n := range names {
		t, err := db.Title(ctx, n)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("name", n).Msg("no title")
			continue
		}
		fmt.Println(t)
	}
}

// PlatformSearch guesses a dictionary search for the host operating
// system.
func platformSearch() vulnid.Search {
	s := vulnid.Search{Part: "o"}
	switch runtime.GOOS {
	case "windows":
		s.Title = "windows"
	case "darwin":
		s.Title = "mac os x"
	case "linux":
		s.Title = "linux"
		f, err := os.Open("/etc/os-release")
		if err != nil {
			break
		}
		name, version := osRelease(f)
		f.Close()
		if name != "" {
			s.Title = name
		}
		s.Version = version
	default:
		s.Title = runtime.GOOS
	}
	return s
}

// OsRelease extracts NAME and VERSION_ID from an os-release file, as
// documented at
// https://www.freedesktop.org/software/systemd/man/os-release.html
func osRelease(r io.Reader) (name, version string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "NAME":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	return name, version
}
