// Package catalog maps BOQ lines onto reference catalog items.
package catalog

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/fibreflow/boq-import/internal/model"
)

// Source yields the reference catalog. Implementations are the YAML seed,
// the catalog_items table and a Redis snapshot in front of either.
type Source interface {
	Items(ctx context.Context) ([]model.CatalogItem, error)
}

// Lookuper is implemented by sources that can resolve a single line
// without loading the whole catalog. Returned items are candidates only;
// the mapper still scores them.
type Lookuper interface {
	Lookup(ctx context.Context, item model.BOQItem) ([]model.CatalogItem, error)
}

var errNoSearchText = errors.New("line has no item code or description to match on")

// Index is an in-memory lookup structure over active catalog items.
type Index struct {
	items   []model.CatalogItem
	byCode  map[string]int
	byAlias map[string]int
	byDesc  map[string]int
	tokens  [][]string
	byWord  map[string][]int
}

// NewIndex builds an Index, ignoring inactive items.
func NewIndex(items []model.CatalogItem) *Index {
	idx := &Index{
		byCode:  make(map[string]int),
		byAlias: make(map[string]int),
		byDesc:  make(map[string]int),
		byWord:  make(map[string][]int),
	}
	for _, item := range items {
		if !isActive(item) {
			continue
		}
		i := len(idx.items)
		idx.items = append(idx.items, item)
		setFirst(idx.byCode, normalize(item.Code), i)
		setFirst(idx.byDesc, normalize(item.Description), i)
		for _, alias := range item.Aliases {
			setFirst(idx.byAlias, normalize(alias), i)
		}
		words := tokenize(item.Description)
		idx.tokens = append(idx.tokens, words)
		seen := make(map[string]bool)
		for _, w := range append(words, lowerAll(item.Keywords)...) {
			if !seen[w] {
				seen[w] = true
				idx.byWord[w] = append(idx.byWord[w], i)
			}
		}
	}
	return idx
}

// Len is the number of active items.
func (idx *Index) Len() int { return len(idx.items) }

func setFirst(m map[string]int, key string, i int) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = i
	}
}

func isActive(item model.CatalogItem) bool {
	return item.Status == "" || strings.EqualFold(item.Status, "active")
}

// normalize lowercases and collapses everything that is not a letter or
// digit, so "Fiber Optic Cable, Single Mode" == "fiber optic cable single mode".
func normalize(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, tokenize(s)...)
	}
	return out
}
