package fetcher

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	Delimiter rune // default ','
	// Charset names the input encoding (gbk, gb18030, utf-8, ...). Empty means UTF-8.
	Charset    string
	LazyQuotes bool
	TrimSpace  bool
}

// Record is one CSV row keyed by header name.
type Record struct {
	Line   int
	Values map[string]string
}

// Get returns the trimmed value of column name.
func (r Record) Get(name string) string {
	return strings.TrimSpace(r.Values[name])
}

// DecodeCharset wraps r so it yields UTF-8. A leading UTF-8 BOM is dropped.
func DecodeCharset(r io.Reader, charset string) (io.Reader, error) {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return skipBOM(r), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}

// StreamCSV reads a header row and then sends every following row as a
// Record. Both channels are closed when reading stops.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Record, <-chan error) {
	rowCh := make(chan Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		in, err := DecodeCharset(r, opts.Charset)
		if err != nil {
			errCh <- err
			return
		}

		reader := csv.NewReader(in)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "fetcher: csv header")
			return
		}
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}

		line := 1
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "fetcher: csv cancelled")
				return
			}
			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "fetcher: csv row %d", line+1)
				return
			}
			line++

			rec := Record{Line: line, Values: make(map[string]string, len(header))}
			for i, name := range header {
				if i >= len(row) {
					break
				}
				v := row[i]
				if opts.TrimSpace {
					v = strings.TrimSpace(v)
				}
				rec.Values[name] = v
			}

			select {
			case rowCh <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "fetcher: csv cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
