package source

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
)

// NHSACode reads the medical-insurance consumable code list (XLSX).
type NHSACode struct{}

var nhsaColumns = map[string]string{
	colNaturalKey:             "医保医用耗材代码",
	colRegistrationNo:         "注册备案号",
	model.FieldProductName:    "单件产品名称",
	model.FieldRegistrantName: "注册备案人",
	colModelSpec:              "规格型号",
	colObservedAt:             "更新时间",
}

// Name implements Adapter.
func (a *NHSACode) Name() string { return "nhsa_code" }

// Fetch implements Adapter.
func (a *NHSACode) Fetch(ctx context.Context, o *fetcher.Opener, req Request) (*Artifact, error) {
	return fetchToFile(ctx, o, req, "codes.xlsx")
}

// Parse implements Adapter.
func (a *NHSACode) Parse(ctx context.Context, art *Artifact, req Request, emit Emit) error {
	cols := columnMap(nhsaColumns, req.Config.Parse.Columns)
	if f := req.Config.Parse.ObservedAtField; f != "" {
		cols[colObservedAt] = f
	}
	for _, path := range art.Files {
		rows, errs := fetcher.StreamXLSX(ctx, path, fetcher.XLSXOptions{SheetName: req.Config.Parse.Entry})
		for rec := range rows {
			p, err := a.payload(filepath.Base(path), rec, cols)
			if err != nil {
				return err
			}
			if err := emit(p); err != nil {
				return err
			}
		}
		if err := <-errs; err != nil {
			return eris.Wrap(err, "source: nhsa")
		}
	}
	return nil
}

func (a *NHSACode) payload(file string, rec fetcher.Record, cols map[string]string) (*model.Payload, error) {
	raw, err := rawJSON(rec.Values)
	if err != nil {
		return nil, err
	}
	fs := newFieldSet()
	fs.text(model.FieldRegistrantName, rec.Get(cols[model.FieldRegistrantName]))

	p := &model.Payload{
		Locator:         file + " row " + strconv.Itoa(rec.Line),
		Raw:             raw,
		RegistrationNos: splitRegNos(rec.Get(cols[colRegistrationNo])),
		Fields:          fs.fields,
		ParseNotes:      fs.notes,
	}

	code := normalize.DeviceIdentifier(rec.Get(cols[colNaturalKey]))
	if code == "" {
		p.ParseNotes = append(p.ParseNotes, "missing insurance code")
	} else {
		attrs := map[string]string{}
		if v := normalize.Text(rec.Get(cols[model.FieldProductName])); v != "" {
			attrs[model.FieldProductName] = v
		}
		if v := normalize.Text(rec.Get(cols[colModelSpec])); v != "" {
			attrs[colModelSpec] = v
		}
		p.Dependents = []model.DependentCandidate{{Kind: model.KindInsuranceCode, NaturalKey: code, Attrs: attrs}}
	}
	if t, ok := observedAt(rec.Get(cols[colObservedAt])); ok {
		p.ObservedAt = t
	}
	return p, nil
}
