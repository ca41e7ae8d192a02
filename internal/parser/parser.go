// Package parser turns uploaded BOQ files into rows of model.BOQItem. The
// spreadsheet formats themselves are read by libraries; this package only
// locates the header row, maps columns to fields and converts cells.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/fibreflow/boq-import/internal/model"
)

var (
	// ErrUnsupportedFormat is returned for extensions without a reader.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoData is returned when a file has no header or no data rows.
	ErrNoData = errors.New("file contains no data rows")
	// ErrMissingColumns is returned when required columns cannot be found.
	ErrMissingColumns = errors.New("required columns not found")
)

// Format identifies the reader used for a file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// DetectFormat maps a file name onto a Format.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
}

// Options tunes how the table is read.
type Options struct {
	// HeaderRow is the 1-based header row after SkipRows; 0 means the first
	// non-empty row.
	HeaderRow int
	// SkipRows drops leading rows before the header is searched.
	SkipRows int
	// ColumnMapping overrides detection: field name -> header text.
	ColumnMapping map[string]string
	// Sheet selects an xlsx sheet; empty means the first sheet.
	Sheet string
}

// OptionsFromConfig derives parser options from an import configuration.
func OptionsFromConfig(cfg model.ImportConfig) Options {
	return Options{
		HeaderRow:     cfg.HeaderRow,
		SkipRows:      cfg.SkipRows,
		ColumnMapping: cfg.ColumnMapping,
	}
}

// Result is the parsed content of one file.
type Result struct {
	Format    Format
	Headers   []string
	Columns   ColumnMap
	Items     []model.BOQItem
	TotalRows int
}

// Parser reads BOQ tables out of uploaded files.
type Parser struct {
	maxRows int
}

// New constructs a Parser. maxRows <= 0 disables the row limit.
func New(maxRows int) *Parser {
	return &Parser{maxRows: maxRows}
}

// Parse reads the file called name from r.
func (p *Parser) Parse(ctx context.Context, name string, r io.Reader, opts Options) (*Result, error) {
	format, err := DetectFormat(name)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	switch format {
	case FormatCSV:
		rows, err = readCSV(r)
	case FormatXLSX:
		rows, err = readXLSX(r, opts.Sheet)
	case FormatPDF:
		rows, err = readPDF(r)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", format, err)
	}
	res, err := p.parseTable(ctx, rows, opts)
	if err != nil {
		return nil, err
	}
	res.Format = format
	return res, nil
}

func (p *Parser) parseTable(ctx context.Context, rows [][]string, opts Options) (*Result, error) {
	if opts.SkipRows > 0 {
		if opts.SkipRows >= len(rows) {
			return nil, ErrNoData
		}
		rows = rows[opts.SkipRows:]
	}
	headerIdx, err := findHeader(rows, opts.HeaderRow)
	if err != nil {
		return nil, err
	}
	headers := normaliseHeaders(rows[headerIdx])
	columns, err := resolveColumns(headers, opts.ColumnMapping)
	if err != nil {
		return nil, err
	}

	res := &Result{Headers: headers, Columns: columns}
	for i := headerIdx + 1; i < len(rows); i++ {
		if i%500 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := rows[i]
		if blankRow(row) {
			continue
		}
		res.TotalRows++
		if p.maxRows > 0 && res.TotalRows > p.maxRows {
			return nil, fmt.Errorf("file exceeds %d data rows", p.maxRows)
		}
		// physical row number in the original sheet, 1-based
		rowNumber := opts.SkipRows + i + 1
		res.Items = append(res.Items, buildItem(row, rowNumber, headers, columns))
	}
	if res.TotalRows == 0 {
		return nil, ErrNoData
	}
	return res, nil
}

func findHeader(rows [][]string, headerRow int) (int, error) {
	if headerRow > 0 {
		if headerRow > len(rows) {
			return 0, fmt.Errorf("header row %d beyond end of file: %w", headerRow, ErrNoData)
		}
		return headerRow - 1, nil
	}
	for i, row := range rows {
		if !blankRow(row) {
			return i, nil
		}
	}
	return 0, ErrNoData
}

func buildItem(row []string, rowNumber int, headers []string, columns ColumnMap) model.BOQItem {
	cell := func(field Field) string {
		idx, ok := columns[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
	item := model.BOQItem{
		LineNumber:  rowNumber,
		ItemCode:    cell(FieldItemCode),
		Description: collapseSpaces(cell(FieldDescription)),
		UOM:         cell(FieldUOM),
		Category:    cell(FieldCategory),
		Subcategory: cell(FieldSubcategory),
		Phase:       cell(FieldPhase),
		Task:        cell(FieldTask),
		Site:        cell(FieldSite),
		RawData:     make(map[string]string, len(headers)),
	}
	for i, h := range headers {
		if i < len(row) && h != "" {
			item.RawData[h] = row[i]
		}
	}
	if raw := cell(FieldLineNumber); raw != "" {
		if n, err := parseInt(raw); err == nil && n > 0 {
			item.LineNumber = n
		}
	}
	if raw := cell(FieldQuantity); raw != "" {
		q, err := parseDecimal(raw)
		if err != nil {
			item.Problems = append(item.Problems, fmt.Sprintf("quantity %q is not a number", raw))
		} else {
			item.Quantity = q
		}
	}
	if raw := cell(FieldUnitPrice); raw != "" {
		v, err := parseDecimal(raw)
		if err != nil {
			item.Problems = append(item.Problems, fmt.Sprintf("unit price %q is not a number", raw))
		} else {
			item.UnitPrice = &v
		}
	}
	if raw := cell(FieldTotalPrice); raw != "" {
		v, err := parseDecimal(raw)
		if err != nil {
			item.Problems = append(item.Problems, fmt.Sprintf("total price %q is not a number", raw))
		} else {
			item.TotalPrice = &v
		}
	}
	return item
}

func normaliseHeaders(row []string) []string {
	out := make([]string, len(row))
	for i, h := range row {
		out[i] = collapseSpaces(strings.TrimPrefix(strings.TrimSpace(h), "\ufeff"))
	}
	return out
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
