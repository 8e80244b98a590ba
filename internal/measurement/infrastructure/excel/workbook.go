package excel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	measurement "heatpump-cloud/internal/measurement/domain"
)

// ErrSheetNotFound is returned when a configured sheet is missing.
var ErrSheetNotFound = errors.New("excel: sheet not found")

// WorkbookSource reads measurement sheets from an xlsx workbook.
type WorkbookSource struct {
	name string
	open func() (*excelize.File, error)
}

// NewFileSource reads the workbook at path.
func NewFileSource(path string) *WorkbookSource {
	return &WorkbookSource{
		name: path,
		open: func() (*excelize.File, error) { return excelize.OpenFile(path) },
	}
}

// NewBytesSource reads an in-memory workbook, e.g. an uploaded file.
func NewBytesSource(name string, data []byte) *WorkbookSource {
	return &WorkbookSource{
		name: name,
		open: func() (*excelize.File, error) { return excelize.OpenReader(bytes.NewReader(data)) },
	}
}

// Name identifies the workbook in logs.
func (s *WorkbookSource) Name() string {
	return s.name
}

// Load returns the source and sink sheets as raw tables.
func (s *WorkbookSource) Load(ctx context.Context, sourceSheet, sinkSheet string) (measurement.Table, measurement.Table, error) {
	if s == nil || s.open == nil {
		return measurement.Table{}, measurement.Table{}, errors.New("excel: nil source")
	}
	if err := ctx.Err(); err != nil {
		return measurement.Table{}, measurement.Table{}, err
	}
	f, err := s.open()
	if err != nil {
		return measurement.Table{}, measurement.Table{}, fmt.Errorf("excel: open %s: %w", s.name, err)
	}
	defer f.Close()

	source, err := readTable(f, sourceSheet)
	if err != nil {
		return measurement.Table{}, measurement.Table{}, err
	}
	if err := ctx.Err(); err != nil {
		return measurement.Table{}, measurement.Table{}, err
	}
	sink, err := readTable(f, sinkSheet)
	if err != nil {
		return measurement.Table{}, measurement.Table{}, err
	}
	return source, sink, nil
}

func readTable(f *excelize.File, sheet string) (measurement.Table, error) {
	name, err := findSheet(f, sheet)
	if err != nil {
		return measurement.Table{}, err
	}
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return measurement.Table{}, fmt.Errorf("excel: read sheet %q: %w", name, err)
	}
	table := measurement.Table{Sheet: name}
	if len(rows) == 0 {
		return table, nil
	}
	table.Columns = make([]string, len(rows[0]))
	for i, header := range rows[0] {
		table.Columns[i] = strings.TrimSpace(header)
	}
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// findSheet matches the sheet name exactly, then by normalized name.
func findSheet(f *excelize.File, sheet string) (string, error) {
	names := f.GetSheetList()
	for _, name := range names {
		if name == sheet {
			return name, nil
		}
	}
	want := measurement.NormalizeHeader(sheet)
	for _, name := range names {
		if measurement.NormalizeHeader(name) == want {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q; available sheets: [%s]", ErrSheetNotFound, sheet, strings.Join(names, ", "))
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
