package parser

import (
	"fmt"
	"sort"
	"strings"
)

// Field is a BOQ item attribute a column can feed.
type Field string

const (
	FieldLineNumber  Field = "lineNumber"
	FieldItemCode    Field = "itemCode"
	FieldDescription Field = "description"
	FieldUOM         Field = "uom"
	FieldQuantity    Field = "quantity"
	FieldUnitPrice   Field = "unitPrice"
	FieldTotalPrice  Field = "totalPrice"
	FieldCategory    Field = "category"
	FieldSubcategory Field = "subcategory"
	FieldPhase       Field = "phase"
	FieldTask        Field = "task"
	FieldSite        Field = "site"
)

// RequiredFields must be present in every BOQ file.
var RequiredFields = []Field{FieldDescription, FieldQuantity, FieldUOM}

// DefaultAliases lists the header spellings recognised for each field.
var DefaultAliases = map[Field][]string{
	FieldLineNumber:  {"line number", "line no", "line", "item no", "no.", "#"},
	FieldItemCode:    {"item code", "code", "material code", "stock code", "sku", "part number"},
	FieldDescription: {"description", "item description", "material description", "desc", "material"},
	FieldUOM:         {"uom", "unit of measure", "unit", "units"},
	FieldQuantity:    {"quantity", "qty", "quantities"},
	FieldUnitPrice:   {"unit price", "rate", "unit cost", "price"},
	FieldTotalPrice:  {"total price", "total", "amount", "total cost", "value"},
	FieldCategory:    {"category", "group"},
	FieldSubcategory: {"subcategory", "sub category", "sub-category"},
	FieldPhase:       {"phase", "stage"},
	FieldTask:        {"task", "activity"},
	FieldSite:        {"site", "location"},
}

// ColumnMap maps a field to its column index.
type ColumnMap map[Field]int

// Detection describes how a header was chosen for a field.
type Detection struct {
	Field      Field
	Header     string
	Column     int
	Confidence float64
}

// DetectColumns picks a header for every field it can, preferring stronger
// matches and never assigning one column to two fields.
func DetectColumns(headers []string) (ColumnMap, []Detection) {
	type candidate struct {
		field      Field
		column     int
		confidence float64
	}
	var candidates []candidate
	for field, aliases := range DefaultAliases {
		for col, header := range headers {
			best := 0.0
			for _, alias := range aliases {
				if c := headerScore(header, alias); c > best {
					best = c
				}
			}
			if best > 0.5 {
				candidates = append(candidates, candidate{field: field, column: col, confidence: best})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.column != b.column {
			return a.column < b.column
		}
		return a.field < b.field
	})

	columns := make(ColumnMap)
	usedCols := make(map[int]bool)
	var detections []Detection
	for _, c := range candidates {
		if _, done := columns[c.field]; done || usedCols[c.column] {
			continue
		}
		columns[c.field] = c.column
		usedCols[c.column] = true
		detections = append(detections, Detection{
			Field:      c.field,
			Header:     headers[c.column],
			Column:     c.column,
			Confidence: c.confidence,
		})
	}
	return columns, detections
}

// MissingRequired lists required fields absent from columns.
func MissingRequired(columns ColumnMap) []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if _, ok := columns[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

func resolveColumns(headers []string, overrides map[string]string) (ColumnMap, error) {
	columns, _ := DetectColumns(headers)
	for field, header := range overrides {
		idx := indexOfHeader(headers, header)
		if idx < 0 {
			return nil, fmt.Errorf("column %q for %s not found in header", header, field)
		}
		for f, col := range columns {
			if col == idx {
				delete(columns, f)
			}
		}
		columns[Field(field)] = idx
	}
	if missing := MissingRequired(columns); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(names, ", "))
	}
	return columns, nil
}

func indexOfHeader(headers []string, name string) int {
	want := normaliseKey(name)
	for i, h := range headers {
		if normaliseKey(h) == want {
			return i
		}
	}
	return -1
}

// headerScore rates how well header matches alias: exact 1.0, header words
// containing all alias words 0.8, the reverse 0.7, otherwise word overlap.
func headerScore(header, alias string) float64 {
	h, a := normaliseKey(header), normaliseKey(alias)
	if h == "" || a == "" {
		return 0
	}
	if h == a {
		return 1.0
	}
	hw, aw := words(h), words(a)
	if containsAll(hw, aw) {
		return 0.8
	}
	if len(h) > 2 && containsAll(aw, hw) {
		return 0.7
	}
	return wordOverlap(hw, aw)
}

func normaliseKey(s string) string {
	return strings.ToLower(collapseSpaces(s))
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '/' || r == '(' || r == ')'
	})
}

func containsAll(haystack, needles []string) bool {
	if len(needles) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(haystack))
	for _, w := range haystack {
		set[w] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func wordOverlap(a, b []string) float64 {
	var aw, bw []string
	for _, w := range a {
		if len(w) > 1 {
			aw = append(aw, w)
		}
	}
	for _, w := range b {
		if len(w) > 1 {
			bw = append(bw, w)
		}
	}
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	// whole-word hits count fully, substring hits half
	matches := 0.0
	for _, x := range aw {
		for _, y := range bw {
			switch {
			case x == y:
				matches++
			case strings.Contains(x, y) || strings.Contains(y, x):
				matches += 0.5
			}
		}
	}
	longest := len(aw)
	if len(bw) > longest {
		longest = len(bw)
	}
	return matches / float64(longest)
}
