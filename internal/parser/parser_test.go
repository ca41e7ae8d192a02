package parser

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleCSV = `Item Code,Description,UOM,Qty,Unit Price,Total
FBC-50-SM,"Fiber Optic Cable, Single Mode, 50 Core",meter,1200,R 45.50,"54,600.00"
ECC-4C-16,Electrical Control Cable 4 Core 16mm,meter,300,12,3600

FTJ-SC-12,Fiber Termination Joint SC 12 Port,each,abc,,
`

func TestParseCSV(t *testing.T) {
	p := New(0)
	res, err := p.Parse(context.Background(), "boq.csv", strings.NewReader(sampleCSV), Options{})
	require.NoError(t, err)

	assert.Equal(t, FormatCSV, res.Format)
	assert.Equal(t, 3, res.TotalRows, "blank rows are not counted")
	require.Len(t, res.Items, 3)

	first := res.Items[0]
	assert.Equal(t, 2, first.LineNumber)
	assert.Equal(t, "FBC-50-SM", first.ItemCode)
	assert.Equal(t, "Fiber Optic Cable, Single Mode, 50 Core", first.Description)
	assert.Equal(t, "meter", first.UOM)
	assert.True(t, first.Quantity.Equal(decimal.NewFromInt(1200)))
	require.NotNil(t, first.UnitPrice)
	assert.Equal(t, "45.5", first.UnitPrice.String())
	require.NotNil(t, first.TotalPrice)
	assert.Equal(t, "54600", first.TotalPrice.String())
	assert.Equal(t, "meter", first.RawData["UOM"])
	assert.Empty(t, first.Problems)

	last := res.Items[2]
	assert.Equal(t, 5, last.LineNumber)
	assert.Nil(t, last.UnitPrice)
	require.Len(t, last.Problems, 1)
	assert.Contains(t, last.Problems[0], "quantity")
}

func TestParseExponentCellIsAProblem(t *testing.T) {
	data := "Description,UOM,Quantity\nFibre cable,m,1e50000000\n"
	res, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	got := res.Items[0]
	assert.True(t, got.Quantity.IsZero())
	require.Len(t, got.Problems, 1)
	assert.Contains(t, got.Problems[0], `quantity "1e50000000" is not a number`)
}

func TestParseSemicolonCSV(t *testing.T) {
	data := "Description;Unit;Quantity\nDuct 110mm;m;40\n"
	res, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Duct 110mm", res.Items[0].Description)
	assert.Equal(t, "m", res.Items[0].UOM)
}

func TestParseSkipRowsAndHeaderRow(t *testing.T) {
	data := "Project Lawley BOQ,,\nIssued 2025-02-01,,\nDescription,UOM,Qty\nPole 7m,each,12\n"
	res, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{SkipRows: 1, HeaderRow: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, 4, res.Items[0].LineNumber)
	assert.Equal(t, "Pole 7m", res.Items[0].Description)
}

func TestParseMissingRequiredColumns(t *testing.T) {
	data := "Description,Qty\nPole,1\n"
	_, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{})
	require.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "uom")
}

func TestParseColumnOverride(t *testing.T) {
	data := "Material,Measure,Count\nPole 7m,each,12\n"
	res, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{
		ColumnMapping: map[string]string{"uom": "measure", "quantity": "Count"},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "each", res.Items[0].UOM)
	assert.True(t, res.Items[0].Quantity.Equal(decimal.NewFromInt(12)))
}

func TestParseOverrideUnknownHeader(t *testing.T) {
	data := "Description,UOM,Qty\nPole,each,1\n"
	_, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{
		ColumnMapping: map[string]string{"uom": "Measure"},
	})
	require.Error(t, err)
}

func TestParseNoData(t *testing.T) {
	_, err := New(0).Parse(context.Background(), "boq.csv", strings.NewReader("Description,UOM,Qty\n"), Options{})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestParseRowLimit(t *testing.T) {
	data := "Description,UOM,Qty\na,m,1\nb,m,1\nc,m,1\n"
	_, err := New(2).Parse(context.Background(), "boq.csv", strings.NewReader(data), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 2")
}

func TestParseUnsupportedFormat(t *testing.T) {
	_, err := New(0).Parse(context.Background(), "boq.docx", strings.NewReader("x"), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Line", "Description", "Unit", "Quantity", "Phase"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{7, "Fibre drop cable 2F", "m", 250, "Build"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{8, "ONT", "each", 10, "Connect"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := New(0).Parse(context.Background(), "boq.xlsx", buf, Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, res.Format)
	require.Len(t, res.Items, 2)
	assert.Equal(t, 7, res.Items[0].LineNumber)
	assert.Equal(t, "Build", res.Items[0].Phase)
	assert.True(t, res.Items[1].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestDetectColumns(t *testing.T) {
	headers := []string{"Item Code", "Description", "UOM", "Unit Price", "Total Price", "Qty", "Category", "Subcategory"}
	columns, detections := DetectColumns(headers)

	assert.Equal(t, 0, columns[FieldItemCode])
	assert.Equal(t, 1, columns[FieldDescription])
	assert.Equal(t, 2, columns[FieldUOM])
	assert.Equal(t, 3, columns[FieldUnitPrice])
	assert.Equal(t, 4, columns[FieldTotalPrice])
	assert.Equal(t, 5, columns[FieldQuantity])
	assert.Equal(t, 6, columns[FieldCategory])
	assert.Equal(t, 7, columns[FieldSubcategory])
	assert.Len(t, detections, 8)
	assert.Empty(t, MissingRequired(columns))
}

func TestHeaderScore(t *testing.T) {
	assert.Equal(t, 1.0, headerScore(" QTY ", "qty"))
	assert.Equal(t, 0.8, headerScore("Unit Price (ZAR)", "unit price"))
	assert.Equal(t, 0.7, headerScore("Unit", "unit price"))
	assert.Equal(t, 0.0, headerScore("", "unit"))
	assert.LessOrEqual(t, headerScore("Subcategory", "category"), 0.5)
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"12", "12", true},
		{"1,250.75", "1250.75", true},
		{"R 45.50", "45.5", true},
		{"ZAR1 000", "1000", true},
		{"(30)", "-30", true},
		{"$7.5", "7.5", true},
		{"abc", "", false},
		{"  ", "", false},
		{"1e50000000", "", false},
		{"2.5E3", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDecimal(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseInt(t *testing.T) {
	n, err := parseInt("12.0")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	_, err = parseInt("12.5")
	assert.Error(t, err)
	_, err = parseInt("1e9")
	assert.Error(t, err)
}

func TestSplitCells(t *testing.T) {
	runs := []textRun{
		{x: 140, w: 20, size: 10, s: "each"},
		{x: 10, w: 30, size: 10, s: "Splice"},
		{x: 43, w: 40, size: 10, s: "closure"},
		{x: 200, w: 10, size: 10, s: "4"},
	}
	assert.Equal(t, []string{"Splice closure", "each", "4"}, splitCells(runs))
	assert.Nil(t, splitCells([]textRun{{x: 1, w: 1, size: 10, s: "  "}}))
}
