package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fibreflow/boq-import/internal/model"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Items []model.CatalogItem `yaml:"items"`
}

// StaticCatalog serves a fixed list of items, usually read from a YAML seed.
type StaticCatalog struct {
	items []model.CatalogItem
}

// NewStatic wraps items.
func NewStatic(items []model.CatalogItem) *StaticCatalog {
	return &StaticCatalog{items: append([]model.CatalogItem(nil), items...)}
}

// DefaultStatic returns the built-in seed catalog.
func DefaultStatic() *StaticCatalog {
	c, err := ReadStatic(bytes.NewReader(defaultSeed))
	if err != nil {
		panic(fmt.Sprintf("embedded catalog seed: %v", err))
	}
	return c
}

// LoadStatic reads a YAML seed file from disk. An empty path yields the
// built-in seed.
func LoadStatic(path string) (*StaticCatalog, error) {
	if path == "" {
		return DefaultStatic(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog seed: %w", err)
	}
	defer f.Close()
	c, err := ReadStatic(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ReadStatic decodes and checks a YAML seed document.
func ReadStatic(r io.Reader) (*StaticCatalog, error) {
	var doc seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog seed: %w", err)
	}
	if err := CheckItems(doc.Items); err != nil {
		return nil, err
	}
	return NewStatic(doc.Items), nil
}

// CheckItems reports missing identifiers and duplicate ids or codes.
func CheckItems(items []model.CatalogItem) error {
	if len(items) == 0 {
		return fmt.Errorf("catalog has no items")
	}
	ids := make(map[string]bool, len(items))
	codes := make(map[string]bool, len(items))
	var problems []string
	for i, item := range items {
		switch {
		case item.ID == "":
			problems = append(problems, fmt.Sprintf("item %d: id is required", i+1))
		case ids[item.ID]:
			problems = append(problems, fmt.Sprintf("item %d: duplicate id %q", i+1, item.ID))
		}
		ids[item.ID] = true
		code := strings.ToLower(item.Code)
		switch {
		case code == "":
			problems = append(problems, fmt.Sprintf("item %d: code is required", i+1))
		case codes[code]:
			problems = append(problems, fmt.Sprintf("item %d: duplicate code %q", i+1, item.Code))
		}
		codes[code] = true
		if strings.TrimSpace(item.Description) == "" {
			problems = append(problems, fmt.Sprintf("item %d: description is required", i+1))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Items implements Source.
func (c *StaticCatalog) Items(context.Context) ([]model.CatalogItem, error) {
	return append([]model.CatalogItem(nil), c.items...), nil
}
