// Package validation filters parsed BOQ rows. Invalid rows are data, not
// errors: each one ends up in Result.Skipped with the reasons it was dropped.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/fibreflow/boq-import/internal/model"
)

const (
	maxDescriptionLen = 500
	maxUOMLen         = 20
	maxItemCodeLen    = 100

	// boq_items stores amounts as NUMERIC(18,4).
	maxIntegerDigits = 14
	maxScale         = 4
	// longest run of decimals accepted when the tail is zero padding
	maxPaddedScale = 18
)

var totalTolerance = decimal.RequireFromString("0.01")

// RowIssue explains why a row was skipped.
type RowIssue struct {
	LineNumber int      `json:"lineNumber"`
	Reasons    []string `json:"reasons"`
}

// Result partitions the input rows.
type Result struct {
	Valid   []model.BOQItem
	Skipped []RowIssue
}

// Validator checks required fields, numeric sanity and duplicates.
type Validator struct{}

// New returns a Validator.
func New() *Validator { return &Validator{} }

// Validate splits items into valid and skipped rows. Every input row lands
// in exactly one of the two lists.
func (v *Validator) Validate(items []model.BOQItem, cfg model.ImportConfig) Result {
	cfg = cfg.WithDefaults()
	res := Result{Valid: make([]model.BOQItem, 0, len(items))}
	seen := make(map[string]int)

	for _, item := range items {
		if reasons := checkItem(item, cfg.StrictValidation); len(reasons) > 0 {
			res.Skipped = append(res.Skipped, RowIssue{LineNumber: item.LineNumber, Reasons: reasons})
			continue
		}
		if cfg.DuplicateHandling != model.DuplicateCreateNew {
			if idx, dup := findDuplicate(seen, item); dup {
				first := &res.Valid[idx]
				reason := fmt.Sprintf("duplicate of line %d", first.LineNumber)
				if cfg.DuplicateHandling == model.DuplicateUpdate {
					mergeInto(first, item)
					reason = fmt.Sprintf("merged into line %d", first.LineNumber)
				}
				res.Skipped = append(res.Skipped, RowIssue{LineNumber: item.LineNumber, Reasons: []string{reason}})
				continue
			}
		}
		res.Valid = append(res.Valid, item)
		for _, key := range duplicateKeys(item) {
			if _, exists := seen[key]; !exists {
				seen[key] = len(res.Valid) - 1
			}
		}
	}
	return res
}

func checkItem(item model.BOQItem, strict bool) []string {
	reasons := append([]string(nil), item.Problems...)
	if strings.TrimSpace(item.Description) == "" {
		reasons = append(reasons, "description is required")
	}
	if strings.TrimSpace(item.UOM) == "" {
		reasons = append(reasons, "uom is required")
	}
	if !item.Quantity.IsPositive() && len(item.Problems) == 0 {
		reasons = append(reasons, "quantity must be greater than zero")
	}
	if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
		reasons = append(reasons, "unit price must not be negative")
	}
	if item.TotalPrice != nil && item.TotalPrice.IsNegative() {
		reasons = append(reasons, "total price must not be negative")
	}
	storable := true
	for _, a := range []struct {
		name  string
		value *decimal.Decimal
	}{
		{"quantity", &item.Quantity},
		{"unit price", item.UnitPrice},
		{"total price", item.TotalPrice},
	} {
		if a.value == nil {
			continue
		}
		if reason := amountProblem(a.name, *a.value); reason != "" {
			reasons = append(reasons, reason)
			storable = false
		}
	}
	if storable && item.UnitPrice != nil && item.TotalPrice == nil &&
		integerDigits(item.UnitPrice.Mul(item.Quantity)) > maxIntegerDigits {
		reasons = append(reasons, "quantity x unit price is too large")
	}
	if !strict {
		return reasons
	}
	if strings.TrimSpace(item.ItemCode) == "" {
		reasons = append(reasons, "item code is required in strict mode")
	}
	if utf8.RuneCountInString(item.ItemCode) > maxItemCodeLen {
		reasons = append(reasons, fmt.Sprintf("item code longer than %d characters", maxItemCodeLen))
	}
	if utf8.RuneCountInString(item.Description) > maxDescriptionLen {
		reasons = append(reasons, fmt.Sprintf("description longer than %d characters", maxDescriptionLen))
	}
	if utf8.RuneCountInString(item.UOM) > maxUOMLen {
		reasons = append(reasons, fmt.Sprintf("uom longer than %d characters", maxUOMLen))
	}
	if storable && item.UnitPrice != nil && item.TotalPrice != nil && item.Quantity.IsPositive() {
		expected := item.UnitPrice.Mul(item.Quantity)
		allowed := decimal.Max(item.TotalPrice.Abs(), decimal.NewFromInt(1)).Mul(totalTolerance)
		if expected.Sub(*item.TotalPrice).Abs().GreaterThan(allowed) {
			reasons = append(reasons, fmt.Sprintf("total price %s does not match quantity x unit price %s", item.TotalPrice, expected))
		}
	}
	return reasons
}

// amountProblem reports a value that does not fit the amount columns. Digit
// counts come from the coefficient so no rescaling happens on huge inputs.
func amountProblem(name string, d decimal.Decimal) string {
	if integerDigits(d) > maxIntegerDigits {
		return fmt.Sprintf("%s has more than %d integer digits", name, maxIntegerDigits)
	}
	if scale := -int(d.Exponent()); scale > maxScale && (scale > maxPaddedScale || !d.Equal(d.Truncate(maxScale))) {
		return fmt.Sprintf("%s has more than %d decimal places", name, maxScale)
	}
	return ""
}

// integerDigits counts digits left of the decimal point.
func integerDigits(d decimal.Decimal) int {
	if d.IsZero() {
		return 0
	}
	return d.NumDigits() + int(d.Exponent())
}

func duplicateKeys(item model.BOQItem) []string {
	var keys []string
	if code := strings.ToLower(strings.TrimSpace(item.ItemCode)); code != "" {
		keys = append(keys, "code:"+code)
	}
	desc := strings.ToLower(strings.Join(strings.Fields(item.Description), " "))
	keys = append(keys, "desc:"+desc+"|"+strings.ToLower(item.UOM))
	return keys
}

func findDuplicate(seen map[string]int, item model.BOQItem) (int, bool) {
	for _, key := range duplicateKeys(item) {
		if idx, ok := seen[key]; ok {
			return idx, true
		}
	}
	return 0, false
}

// mergeInto copies the later row's non-empty values over the earlier one.
func mergeInto(dst *model.BOQItem, src model.BOQItem) {
	if src.ItemCode != "" {
		dst.ItemCode = src.ItemCode
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.UOM != "" {
		dst.UOM = src.UOM
	}
	dst.Quantity = src.Quantity
	if src.UnitPrice != nil {
		dst.UnitPrice = src.UnitPrice
	}
	if src.TotalPrice != nil {
		dst.TotalPrice = src.TotalPrice
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&dst.Category, src.Category},
		{&dst.Subcategory, src.Subcategory},
		{&dst.Phase, src.Phase},
		{&dst.Task, src.Task},
		{&dst.Site, src.Site},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
}
