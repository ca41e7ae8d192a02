package model

import (
	"github.com/shopspring/decimal"
)

// BOQItem is one parsed Bill-of-Quantities line.
type BOQItem struct {
	LineNumber  int               `json:"lineNumber"`
	ItemCode    string            `json:"itemCode,omitempty"`
	Description string            `json:"description"`
	UOM         string            `json:"uom"`
	Quantity    decimal.Decimal   `json:"quantity"`
	UnitPrice   *decimal.Decimal  `json:"unitPrice,omitempty"`
	TotalPrice  *decimal.Decimal  `json:"totalPrice,omitempty"`
	Category    string            `json:"category,omitempty"`
	Subcategory string            `json:"subcategory,omitempty"`
	Phase       string            `json:"phase,omitempty"`
	Task        string            `json:"task,omitempty"`
	Site        string            `json:"site,omitempty"`
	RawData     map[string]string `json:"rawData,omitempty"`
	// Problems lists cell-level parse failures, e.g. a non-numeric quantity.
	Problems []string `json:"problems,omitempty"`
}

// CatalogItem is a reference material the importer maps BOQ lines onto.
type CatalogItem struct {
	ID          string   `json:"id" yaml:"id"`
	Code        string   `json:"code" yaml:"code"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category" yaml:"category"`
	Subcategory string   `json:"subcategory" yaml:"subcategory"`
	UOM         string   `json:"uom" yaml:"uom"`
	Status      string   `json:"status" yaml:"status"`
	Keywords    []string `json:"keywords" yaml:"keywords"`
	Aliases     []string `json:"aliases" yaml:"aliases"`
}

// MatchType says how a BOQ line was tied to a catalog item.
type MatchType string

const (
	MatchExactCode        MatchType = "exact_code"
	MatchAlias            MatchType = "alias"
	MatchExactDescription MatchType = "exact_description"
	MatchFuzzy            MatchType = "fuzzy"
)

// Match is a matched outcome.
type Match struct {
	CatalogItemID string    `json:"catalogItemId"`
	CatalogCode   string    `json:"catalogCode"`
	Confidence    float64   `json:"confidence"`
	MatchType     MatchType `json:"matchType"`
}

// Suggestion is a candidate offered for manual resolution of an exception.
type Suggestion struct {
	CatalogItemID string  `json:"catalogItemId"`
	CatalogCode   string  `json:"catalogCode"`
	Description   string  `json:"description"`
	Confidence    float64 `json:"confidence"`
}

// Unmatched is the outcome for a line that needs manual review.
type Unmatched struct {
	Reason      string       `json:"reason"`
	Priority    string       `json:"priority"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// MappedItem pairs a BOQ line with exactly one of Match or Unmatched.
type MappedItem struct {
	Item      BOQItem    `json:"item"`
	Match     *Match     `json:"match,omitempty"`
	Unmatched *Unmatched `json:"unmatched,omitempty"`
}

// Matched reports whether the item was auto-mapped.
func (m MappedItem) Matched() bool { return m.Match != nil }

// MappingResult splits mapper output into auto-mapped lines and exceptions.
type MappingResult struct {
	Mapped     []MappedItem `json:"mapped"`
	Exceptions []MappedItem `json:"exceptions"`
}

// Total is the number of lines that went through the mapper.
func (r MappingResult) Total() int { return len(r.Mapped) + len(r.Exceptions) }
