package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet and header row of a workbook.
type XLSXOptions struct {
	SheetName  string // overrides SheetIndex when set
	SheetIndex int
	// HeaderRow is the zero-based row holding column names. Rows above it are skipped.
	HeaderRow int
}

// StreamXLSX reads the workbook at path and sends each data row as a Record
// keyed by the header row. Blank rows are skipped.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan Record, <-chan error) {
	rowCh := make(chan Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		wb, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "fetcher: xlsx open")
			return
		}
		sheet, err := pickSheet(wb, opts)
		if err != nil {
			errCh <- err
			return
		}
		if opts.HeaderRow >= len(sheet.Rows) {
			return
		}

		header := cellStrings(sheet.Rows[opts.HeaderRow])
		for i := opts.HeaderRow + 1; i < len(sheet.Rows); i++ {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "fetcher: xlsx cancelled")
				return
			}
			cells := cellStrings(sheet.Rows[i])
			if blank(cells) {
				continue
			}
			rec := Record{Line: i + 1, Values: make(map[string]string, len(header))}
			for j, name := range header {
				if j < len(cells) && name != "" {
					rec.Values[name] = cells[j]
				}
			}
			select {
			case rowCh <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "fetcher: xlsx cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func pickSheet(wb *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := wb.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("fetcher: xlsx sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex < 0 || opts.SheetIndex >= len(wb.Sheets) {
		return nil, eris.Errorf("fetcher: xlsx sheet index %d out of range (%d sheets)", opts.SheetIndex, len(wb.Sheets))
	}
	return wb.Sheets[opts.SheetIndex], nil
}

func cellStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = strings.TrimSpace(c.String())
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
