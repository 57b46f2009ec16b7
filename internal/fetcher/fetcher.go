// Package fetcher opens taxonomy and mapping sources from local paths, HTTP(S),
// or FTP and streams their rows from CSV or XLSX.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Format is the row layout of a source.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatYAML Format = "yaml"
)

// DetectFormat guesses a source's format from its extension. Anything that is
// not a workbook or YAML document is read as delimited text.
func DetectFormat(src string) Format {
	p := src
	if u, err := url.Parse(src); err == nil && u.Scheme != "" && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatCSV
	}
}

// Opener resolves a source string to a byte stream.
type Opener struct {
	http Fetcher
	ftp  Fetcher
}

// Options configures an Opener.
type Options struct {
	HTTP HTTPOptions
	FTP  FTPOptions
}

// NewOpener creates an Opener with HTTP and FTP fetchers.
func NewOpener(opts Options) *Opener {
	return &Opener{
		http: NewHTTPFetcher(opts.HTTP),
		ftp:  NewFTPFetcher(opts.FTP),
	}
}

func (o *Opener) remote(src string) (Fetcher, bool) {
	u, err := url.Parse(src)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return o.http, true
	case "ftp":
		return o.ftp, true
	default:
		return nil, false
	}
}

// Open returns a reader for a local path, file:// URL, http(s) URL, or ftp URL.
func (o *Opener) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	if f, ok := o.remote(src); ok {
		return f.Download(ctx, src)
	}
	file, err := os.Open(strings.TrimPrefix(src, "file://"))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", src)
	}
	return file, nil
}

// Local returns a filesystem path holding src, downloading remote sources to a
// temporary file. cleanup removes any temporary file and is always non-nil.
func (o *Opener) Local(ctx context.Context, src string) (string, func(), error) {
	noop := func() {}
	f, ok := o.remote(src)
	if !ok {
		return strings.TrimPrefix(src, "file://"), noop, nil
	}

	dir, err := os.MkdirTemp("", "bizdir-*")
	if err != nil {
		return "", noop, eris.Wrap(err, "fetcher: temp dir")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	name := "source"
	if u, err := url.Parse(src); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	dest := filepath.Join(dir, name)
	n, err := f.DownloadToFile(ctx, src, dest)
	if err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "fetcher: download %s", src)
	}
	zap.L().Debug("fetcher: downloaded source", zap.String("src", src), zap.Int64("bytes", n))
	return dest, cleanup, nil
}

// StreamOptions selects parser options per format.
type StreamOptions struct {
	CSV  CSVOptions
	XLSX XLSXOptions
}

// Stream opens src and streams its rows, choosing the parser by DetectFormat.
// The source is released once the error channel closes.
func (o *Opener) Stream(ctx context.Context, src string, opts StreamOptions) (<-chan []string, <-chan error, error) {
	switch DetectFormat(src) {
	case FormatXLSX:
		p, cleanup, err := o.Local(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		rowCh, errCh := StreamXLSX(ctx, p, opts.XLSX)
		return rowCh, releaseAfter(errCh, cleanup), nil
	case FormatYAML:
		return nil, nil, eris.Errorf("fetcher: %s is a YAML document, not a row source", src)
	default:
		rc, err := o.Open(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		rowCh, errCh := StreamCSV(ctx, rc, opts.CSV)
		return rowCh, releaseAfter(errCh, func() { _ = rc.Close() }), nil
	}
}

// releaseAfter forwards errCh and calls release once it closes. The stream
// goroutines close errCh only after their last read.
func releaseAfter(errCh <-chan error, release func()) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		defer release()
		for err := range errCh {
			out <- err
		}
	}()
	return out
}
