package parser

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errEmptyNumber = errors.New("empty number")
	errExponent    = errors.New("exponent notation not accepted")
)

// parseDecimal accepts the formats seen in BOQ sheets: thousands separators,
// a leading currency marker ("R", "ZAR", "$") and accounting negatives.
// Scientific notation is rejected: an exponent like 1e50000000 parses to a
// value whose arithmetic never finishes.
func parseDecimal(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	for _, prefix := range []string{"ZAR", "R", "$"} {
		if strings.HasPrefix(strings.ToUpper(s), prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	s = strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(s)
	if s == "" {
		return decimal.Zero, errEmptyNumber
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, errExponent
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func parseInt(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	if strings.ContainsAny(s, "eE") {
		return 0, errExponent
	}
	// spreadsheets often render integers as "12.0"
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, errors.New("not an integer")
	}
	return int(d.IntPart()), nil
}
