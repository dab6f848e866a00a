// Package fetcher downloads source artifacts over HTTP, FTP or the local
// filesystem and streams CSV, XML, JSON, XLSX and ZIP content out of them.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the body. The caller closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Opener dispatches on URL scheme: http and https go to HTTP, ftp to FTP,
// and file URLs or bare paths are opened from disk.
type Opener struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewOpener wires an opener from concrete fetchers. Either may be nil, in
// which case URLs of that scheme are rejected.
func NewOpener(http, ftp Fetcher) *Opener {
	return &Opener{HTTP: http, FTP: ftp}
}

// Open returns a reader for rawURL.
func (o *Opener) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	scheme, path := splitScheme(rawURL)
	switch scheme {
	case "http", "https":
		if o.HTTP == nil {
			return nil, eris.Errorf("fetcher: no http transport for %s", rawURL)
		}
		return o.HTTP.Download(ctx, rawURL)
	case "ftp":
		if o.FTP == nil {
			return nil, eris.Errorf("fetcher: no ftp transport for %s", rawURL)
		}
		return o.FTP.Download(ctx, rawURL)
	case "file", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		return f, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", scheme)
	}
}

// OpenToFile copies rawURL into dir and returns the local path. Formats that
// need random access (XLSX, ZIP) are read from the returned file.
func (o *Opener) OpenToFile(ctx context.Context, rawURL, dir, name string) (string, int64, error) {
	rc, err := o.Open(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close() //nolint:errcheck

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, eris.Wrap(err, "fetcher: create temp dir")
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", 0, eris.Wrap(err, "fetcher: create file")
	}
	defer out.Close() //nolint:errcheck

	n, err := io.Copy(out, rc)
	if err != nil {
		return "", n, eris.Wrap(err, "fetcher: write file")
	}
	return path, n, nil
}

func splitScheme(rawURL string) (scheme, path string) {
	if !strings.Contains(rawURL, "://") {
		return "", rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	return strings.ToLower(u.Scheme), u.Path
}
