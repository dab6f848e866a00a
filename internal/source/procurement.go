package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
)

// Procurement reads provincial procurement results from a paged JSON API or
// from a bulk export holding one top-level array of records.
type Procurement struct{}

const maxProcurementPages = 10000

var procurementColumns = map[string]string{
	colNaturalKey:             "bidId",
	colRegistrationNo:         "regNo",
	model.FieldProductName:    "productName",
	model.FieldRegistrantName: "company",
	colModelSpec:              "spec",
	colPrice:                  "price",
	colProvince:               "province",
	colAwardDate:              "awardDate",
	colObservedAt:             "updateTime",
}

type procurementPage struct {
	Total   int              `json:"total"`
	Records []map[string]any `json:"records"`
}

// Name implements Adapter.
func (a *Procurement) Name() string { return "procurement" }

// Fetch implements Adapter. HTTP endpoints are walked page by page with
// page, size and (when lookback_days is set) since parameters; any other URL
// is read as a single page.
func (a *Procurement) Fetch(ctx context.Context, o *fetcher.Opener, req Request) (*Artifact, error) {
	base, err := url.Parse(req.Config.Fetch.URL)
	if err != nil || req.Config.Fetch.URL == "" {
		return nil, eris.Errorf("source: %s: invalid fetch.url %q", req.SourceKey, req.Config.Fetch.URL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fetchToFile(ctx, o, req, "page-0001.json")
	}

	size := req.Config.Fetch.BatchSize
	if size <= 0 {
		size = 500
	}
	log := zap.L().With(zap.String("component", "source.procurement"), zap.String("source", req.SourceKey))

	art := &Artifact{}
	seen := 0
	for page := 1; page <= maxProcurementPages; page++ {
		u := *base
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
		if since := req.Since(); !since.IsZero() {
			q.Set("since", since.Format("2006-01-02"))
		}
		u.RawQuery = q.Encode()

		path, n, err := o.OpenToFile(ctx, u.String(), req.TempDir, fmt.Sprintf("page-%04d.json", page))
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s: fetch page %d", req.SourceKey, page)
		}
		art.Files = append(art.Files, path)
		art.Bytes += n

		pg, err := readPage(path)
		if err != nil {
			return nil, eris.Wrapf(err, "source: %s: page %d", req.SourceKey, page)
		}
		seen += len(pg.Records)
		log.Debug("fetched page", zap.Int("page", page), zap.Int("records", len(pg.Records)), zap.Int("total", pg.Total))
		if len(pg.Records) < size || (pg.Total > 0 && seen >= pg.Total) {
			return art, nil
		}
	}
	return nil, eris.Errorf("source: %s: more than %d pages", req.SourceKey, maxProcurementPages)
}

func readPage(path string) (*procurementPage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return fetcher.DecodeJSON[procurementPage](f)
}

// Parse implements Adapter.
func (a *Procurement) Parse(ctx context.Context, art *Artifact, req Request, emit Emit) error {
	cols := columnMap(procurementColumns, req.Config.Parse.Columns)
	if f := req.Config.Parse.ObservedAtField; f != "" {
		cols[colObservedAt] = f
	}
	for _, path := range art.Files {
		file := filepath.Base(path)
		err := eachRecord(ctx, path, func(i int, rec map[string]any) error {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "source: procurement cancelled")
			}
			p, err := a.payload(file, i, flatten(rec), cols)
			if err != nil {
				return err
			}
			return emit(p)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// eachRecord calls fn for every record in path, which is either a page
// object or a top-level array export.
func eachRecord(ctx context.Context, path string, fn func(i int, rec map[string]any) error) error {
	isArray, err := startsWithArray(path)
	if err != nil {
		return err
	}
	if !isArray {
		pg, err := readPage(path)
		if err != nil {
			return err
		}
		for i, rec := range pg.Records {
			if err := fn(i, rec); err != nil {
				return err
			}
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out, errs := fetcher.DecodeJSONArray[map[string]any](ctx, f)
	i := 0
	for rec := range out {
		if err := fn(i, rec); err != nil {
			cancel()
			for range out {
			}
			return err
		}
		i++
	}
	if err := <-errs; err != nil {
		return eris.Wrapf(err, "source: %s", path)
	}
	return nil
}

// startsWithArray reports whether the first non-space byte of path is '['.
func startsWithArray(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, eris.Wrapf(err, "source: read %s", path)
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b == '[', nil
	}
}

func (a *Procurement) payload(file string, i int, values map[string]string, cols map[string]string) (*model.Payload, error) {
	raw, err := rawJSON(values)
	if err != nil {
		return nil, err
	}
	get := func(col string) string { return strings.TrimSpace(values[cols[col]]) }

	fs := newFieldSet()
	fs.text(model.FieldRegistrantName, get(model.FieldRegistrantName))

	p := &model.Payload{
		Locator:         file + "#" + strconv.Itoa(i),
		Raw:             raw,
		RegistrationNos: splitRegNos(get(colRegistrationNo)),
		Fields:          fs.fields,
		ParseNotes:      fs.notes,
	}

	key := normalize.Text(get(colNaturalKey))
	if key == "" {
		p.ParseNotes = append(p.ParseNotes, "missing bid id")
	} else {
		attrs := map[string]string{}
		for _, col := range []string{model.FieldProductName, colModelSpec, colPrice, colProvince} {
			if v := normalize.Text(get(col)); v != "" {
				attrs[col] = v
			}
		}
		if raw := get(colAwardDate); raw != "" {
			if v, ok := normalize.Date(raw); ok {
				attrs[colAwardDate] = v
			} else {
				p.ParseNotes = append(p.ParseNotes, "unparsed award_date: "+raw)
			}
		}
		p.Dependents = []model.DependentCandidate{{Kind: model.KindProcurementItem, NaturalKey: key, Attrs: attrs}}
	}
	if t, ok := observedAt(get(colObservedAt)); ok {
		p.ObservedAt = t
	}
	return p, nil
}

// flatten turns a decoded JSON object into strings. Arrays become
// ';'-joined lists, nested objects are dropped.
func flatten(rec map[string]any) map[string]string {
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		if s, ok := scalar(v); ok {
			out[k] = s
			continue
		}
		if list, ok := v.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := scalar(v); ok && s != "" {
					parts = append(parts, s)
				}
			}
			out[k] = strings.Join(parts, ";")
		}
	}
	return out
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}
