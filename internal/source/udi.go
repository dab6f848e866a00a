package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/fetcher"
	"github.com/sells-group/regsync/internal/model"
	"github.com/sells-group/regsync/internal/normalize"
)

// UDIDI reads UDI device-identifier packages: a ZIP of XML files, or a
// single XML document.
type UDIDI struct{}

// udiDevice is one <device> element of the UDI database export.
type udiDevice struct {
	DI             string `xml:"zxxsdycpbs" json:"zxxsdycpbs"`
	RegistrationNo string `xml:"zczbhhzbapzbh" json:"zczbhhzbapzbh"`
	ProductName    string `xml:"cpmctymc" json:"cpmctymc"`
	ModelSpec      string `xml:"ggxh" json:"ggxh"`
	Registrant     string `xml:"ylqxzcrbarmc" json:"ylqxzcrbarmc"`
	PublishDate    string `xml:"cpbsfbrq" json:"cpbsfbrq,omitempty"`
	VersionTime    string `xml:"versionTime" json:"versionTime,omitempty"`
}

// Name implements Adapter.
func (a *UDIDI) Name() string { return "udi_di" }

// Fetch implements Adapter.
func (a *UDIDI) Fetch(ctx context.Context, o *fetcher.Opener, req Request) (*Artifact, error) {
	return fetchToFile(ctx, o, req, "udi.zip")
}

// Parse implements Adapter.
func (a *UDIDI) Parse(ctx context.Context, art *Artifact, req Request, emit Emit) error {
	entry := req.Config.Parse.Entry
	if entry == "" {
		entry = "device"
	}
	for _, path := range art.Files {
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			err := fetcher.WalkZIP(path, []string{".xml"}, func(name string, r io.Reader) error {
				return a.parseXML(ctx, name, r, entry, emit)
			})
			if err != nil {
				return eris.Wrap(err, "source: udi")
			}
			continue
		}
		if err := a.parseFile(ctx, path, entry, emit); err != nil {
			return err
		}
	}
	return nil
}

func (a *UDIDI) parseFile(ctx context.Context, path, entry string, emit Emit) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "source: udi: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return a.parseXML(ctx, filepath.Base(path), f, entry, emit)
}

func (a *UDIDI) parseXML(ctx context.Context, name string, r io.Reader, entry string, emit Emit) error {
	devices, errs := fetcher.StreamXML[udiDevice](ctx, r, entry)
	n := 0
	for d := range devices {
		n++
		p, err := a.payload(name, n, d)
		if err != nil {
			return err
		}
		if err := emit(p); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return eris.Wrapf(err, "source: udi: %s", name)
	}
	return nil
}

func (a *UDIDI) payload(file string, n int, d udiDevice) (*model.Payload, error) {
	raw, err := rawJSON(map[string]string{
		"zxxsdycpbs":    d.DI,
		"zczbhhzbapzbh": d.RegistrationNo,
		"cpmctymc":      d.ProductName,
		"ggxh":          d.ModelSpec,
		"ylqxzcrbarmc":  d.Registrant,
		"cpbsfbrq":      d.PublishDate,
		"versionTime":   d.VersionTime,
	})
	if err != nil {
		return nil, err
	}

	fs := newFieldSet()
	fs.text(model.FieldRegistrantName, d.Registrant)
	fs.text(model.FieldProductName, d.ProductName)

	p := &model.Payload{
		Locator:         file + "#" + strconv.Itoa(n),
		Raw:             raw,
		RegistrationNos: splitRegNos(d.RegistrationNo),
		Fields:          fs.fields,
		ParseNotes:      fs.notes,
	}

	di := normalize.DeviceIdentifier(d.DI)
	switch {
	case di == "":
		p.ParseNotes = append(p.ParseNotes, "missing device identifier")
	default:
		if !normalize.ValidGTIN(di) {
			p.ParseNotes = append(p.ParseNotes, "device identifier fails GTIN check: "+di)
		}
		attrs := map[string]string{}
		if v := normalize.Text(d.ModelSpec); v != "" {
			attrs[colModelSpec] = v
		}
		if v := normalize.Text(d.ProductName); v != "" {
			attrs[model.FieldProductName] = v
		}
		p.Dependents = []model.DependentCandidate{{Kind: model.KindDeviceVariant, NaturalKey: di, Attrs: attrs}}
	}

	for _, ts := range []string{d.VersionTime, d.PublishDate} {
		if t, ok := observedAt(ts); ok {
			p.ObservedAt = t
			break
		}
	}
	return p, nil
}
