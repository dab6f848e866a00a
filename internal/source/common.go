package source

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/normalize"
)

// Logical column names shared by the tabular adapters.
const (
	colRegistrationNo = "registration_no"
	colObservedAt     = "observed_at"
	colNaturalKey     = "natural_key"
	colModelSpec      = "model_spec"
	colPrice          = "price"
	colProvince       = "province"
	colAwardDate      = "award_date"
)

// columnMap overlays parse.columns on an adapter's default header names.
func columnMap(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// fetchToFile downloads the configured URL into the batch directory.
func fetchToFile(ctx context.Context, o *fetcher.Opener, req Request, fallbackName string) (*Artifact, error) {
	if req.Config.Fetch.URL == "" {
		return nil, eris.Errorf("source: %s: fetch.url is required", req.SourceKey)
	}
	name := path.Base(req.Config.Fetch.URL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		name = fallbackName
	}
	p, n, err := o.OpenToFile(ctx, req.Config.Fetch.URL, req.TempDir, name)
	if err != nil {
		return nil, eris.Wrapf(err, "source: %s: fetch", req.SourceKey)
	}
	return &Artifact{Files: []string{p}, Bytes: n}, nil
}

// splitRegNos splits a cell that may list several registration numbers.
func splitRegNos(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ';', '；', '、', ',', '，', '\n', '|':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rawJSON encodes a record's verbatim cells. Map keys are sorted by encoding/json.
func rawJSON(values map[string]string) ([]byte, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return nil, eris.Wrap(err, "source: encode raw record")
	}
	return b, nil
}

// observedAt parses a source timestamp, returning the zero time when absent.
func observedAt(raw string) (time.Time, bool) {
	iso, ok := normalize.Date(raw)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// fieldSet collects normalized candidate values, dropping empties and noting
// values that did not parse.
type fieldSet struct {
	fields map[string]string
	notes  []string
}

func newFieldSet() *fieldSet {
	return &fieldSet{fields: make(map[string]string)}
}

func (f *fieldSet) text(name, raw string) {
	if v := normalize.Text(raw); v != "" {
		f.fields[name] = v
	}
}

func (f *fieldSet) status(raw string) {
	if v := normalize.Status(raw); v != "" {
		f.fields["status"] = v
	}
}

func (f *fieldSet) date(name, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	v, ok := normalize.Date(raw)
	if !ok {
		f.notes = append(f.notes, "unparsed "+name+": "+strings.TrimSpace(raw))
		return
	}
	f.fields[name] = v
}
