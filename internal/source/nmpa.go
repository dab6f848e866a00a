package source

import (
	"context"
	"os"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/model"
)

// NMPARegistration reads the national registration database export (CSV).
type NMPARegistration struct{}

var nmpaColumns = map[string]string{
	colRegistrationNo:         "注册证编号",
	model.FieldStatus:         "状态",
	model.FieldRegistrantName: "注册人名称",
	model.FieldProductName:    "产品名称",
	model.FieldDeviceClass:    "管理类别",
	model.FieldApprovalDate:   "批准日期",
	model.FieldExpiryDate:     "有效期至",
	colObservedAt:             "更新日期",
}

// Name implements Adapter.
func (a *NMPARegistration) Name() string { return "nmpa_registration" }

// Fetch implements Adapter.
func (a *NMPARegistration) Fetch(ctx context.Context, o *fetcher.Opener, req Request) (*Artifact, error) {
	return fetchToFile(ctx, o, req, "registrations.csv")
}

// Parse implements Adapter.
func (a *NMPARegistration) Parse(ctx context.Context, art *Artifact, req Request, emit Emit) error {
	cols := columnMap(nmpaColumns, req.Config.Parse.Columns)
	if f := req.Config.Parse.ObservedAtField; f != "" {
		cols[colObservedAt] = f
	}

	for _, path := range art.Files {
		if err := a.parseFile(ctx, path, cols, req, emit); err != nil {
			return err
		}
	}
	return nil
}

func (a *NMPARegistration) parseFile(ctx context.Context, path string, cols map[string]string, req Request, emit Emit) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "source: nmpa: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	rows, errs := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		Charset:    req.Config.Fetch.Charset,
		LazyQuotes: true,
		TrimSpace:  true,
	})
	for rec := range rows {
		p, err := a.payload(rec, cols)
		if err != nil {
			return err
		}
		if err := emit(p); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return eris.Wrap(err, "source: nmpa")
	}
	return nil
}

func (a *NMPARegistration) payload(rec fetcher.Record, cols map[string]string) (*model.Payload, error) {
	raw, err := rawJSON(rec.Values)
	if err != nil {
		return nil, err
	}
	fs := newFieldSet()
	fs.status(rec.Get(cols[model.FieldStatus]))
	fs.text(model.FieldRegistrantName, rec.Get(cols[model.FieldRegistrantName]))
	fs.text(model.FieldProductName, rec.Get(cols[model.FieldProductName]))
	fs.text(model.FieldDeviceClass, rec.Get(cols[model.FieldDeviceClass]))
	fs.date(model.FieldApprovalDate, rec.Get(cols[model.FieldApprovalDate]))
	fs.date(model.FieldExpiryDate, rec.Get(cols[model.FieldExpiryDate]))

	p := &model.Payload{
		Locator:         "line " + strconv.Itoa(rec.Line),
		Raw:             raw,
		RegistrationNos: splitRegNos(rec.Get(cols[colRegistrationNo])),
		Fields:          fs.fields,
		ParseNotes:      fs.notes,
	}
	if t, ok := observedAt(rec.Get(cols[colObservedAt])); ok {
		p.ObservedAt = t
	}
	return p, nil
}
