package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibreflow/boq-import/internal/model"
)

func line(n int, code, desc, uom string) model.BOQItem {
	return model.BOQItem{LineNumber: n, ItemCode: code, Description: desc, UOM: uom, Quantity: decimal.NewFromInt(1)}
}

func TestMapMatchKinds(t *testing.T) {
	m := NewMapper(DefaultStatic(), nil)

	tests := []struct {
		name       string
		item       model.BOQItem
		wantID     string
		wantKind   model.MatchType
		wantConfig float64
	}{
		{"exact code", line(2, "fbc-50-sm", "whatever", "meter"), "cat-001", model.MatchExactCode, 1.0},
		{"alias", line(3, "", "SM Fiber 50C", "meter"), "cat-001", model.MatchAlias, 0.95},
		{"exact description", line(4, "", "Electrical Control Cable 4 Core 16mm", "meter"), "cat-002", model.MatchExactDescription, 0.9},
		{"fuzzy", line(5, "", "Single Mode Fiber Optic Cable 50 Core", "meter"), "cat-001", model.MatchFuzzy, 0.89},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Map(context.Background(), []model.BOQItem{tt.item}, model.ImportConfig{})
			require.NoError(t, err)
			require.Len(t, res.Mapped, 1)
			assert.Empty(t, res.Exceptions)
			match := res.Mapped[0].Match
			require.NotNil(t, match)
			assert.Equal(t, tt.wantID, match.CatalogItemID)
			assert.Equal(t, tt.wantKind, match.MatchType)
			assert.InDelta(t, tt.wantConfig, match.Confidence, 0.0001)
		})
	}
}

func TestMapBelowThresholdBecomesException(t *testing.T) {
	m := NewMapper(DefaultStatic(), nil)
	item := line(9, "", "Fiber Termination Joint", "each")

	res, err := m.Map(context.Background(), []model.BOQItem{item}, model.ImportConfig{})
	require.NoError(t, err)
	assert.Empty(t, res.Mapped)
	require.Len(t, res.Exceptions, 1)

	exc := res.Exceptions[0]
	assert.False(t, exc.Matched())
	require.NotNil(t, exc.Unmatched)
	assert.Equal(t, PriorityMedium, exc.Unmatched.Priority)
	assert.Equal(t, "best match 0.47 below threshold 0.80", exc.Unmatched.Reason)
	require.Len(t, exc.Unmatched.Suggestions, 1)
	assert.Equal(t, "cat-003", exc.Unmatched.Suggestions[0].CatalogItemID)
	assert.InDelta(t, 0.474, exc.Unmatched.Suggestions[0].Confidence, 0.0001)

	lowered, err := m.Map(context.Background(), []model.BOQItem{item}, model.ImportConfig{MinMappingConfidence: 0.4})
	require.NoError(t, err)
	require.Len(t, lowered.Mapped, 1)
	assert.Equal(t, model.MatchFuzzy, lowered.Mapped[0].Match.MatchType)
}

func TestMapNoCandidates(t *testing.T) {
	m := NewMapper(DefaultStatic(), nil)
	res, err := m.Map(context.Background(), []model.BOQItem{
		line(2, "", "Fiber cable drum", "each"),
		line(3, "", "---", "each"),
	}, model.ImportConfig{})
	require.NoError(t, err)
	require.Len(t, res.Exceptions, 2)
	assert.Equal(t, 2, res.Total())

	assert.Equal(t, "no catalog match", res.Exceptions[0].Unmatched.Reason)
	assert.Equal(t, PriorityHigh, res.Exceptions[0].Unmatched.Priority)
	assert.Empty(t, res.Exceptions[0].Unmatched.Suggestions)

	assert.Equal(t, errNoSearchText.Error(), res.Exceptions[1].Unmatched.Reason)
}

func TestMapSuggestionLimit(t *testing.T) {
	var items []model.CatalogItem
	for _, code := range []string{"P-1", "P-2", "P-3", "P-4", "P-5", "P-6", "P-7"} {
		items = append(items, model.CatalogItem{ID: code, Code: code, Description: "Pole " + code + " treated timber", UOM: "each"})
	}
	m := NewMapper(NewStatic(items), nil)
	res, err := m.Map(context.Background(), []model.BOQItem{line(2, "", "treated timber pole", "each")}, model.ImportConfig{MinMappingConfidence: 0.99})
	require.NoError(t, err)
	require.Len(t, res.Exceptions, 1)
	sugg := res.Exceptions[0].Unmatched.Suggestions
	require.Len(t, sugg, maxSuggestions)
	assert.Equal(t, "P-1", sugg[0].CatalogCode, "ties are ordered by code")
}

func TestMapSkipsInactiveItems(t *testing.T) {
	items := []model.CatalogItem{{ID: "old", Code: "OLD-1", Description: "Retired duct", Status: "discontinued"}}
	m := NewMapper(NewStatic(items), nil)
	res, err := m.Map(context.Background(), []model.BOQItem{line(2, "OLD-1", "Retired duct", "m")}, model.ImportConfig{})
	require.NoError(t, err)
	assert.Empty(t, res.Mapped)
	assert.Len(t, res.Exceptions, 1)
}

type failingSource struct{}

func (failingSource) Items(context.Context) ([]model.CatalogItem, error) {
	return nil, errors.New("connection refused")
}

func TestMapCatalogLoadFailure(t *testing.T) {
	_, err := NewMapper(failingSource{}, nil).Map(context.Background(), []model.BOQItem{line(2, "A", "B", "m")}, model.ImportConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load catalog")
}

func TestMapCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMapper(DefaultStatic(), nil).Map(ctx, []model.BOQItem{line(2, "A", "B", "m")}, model.ImportConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "fiber optic cable single mode 50 core", normalize("Fiber Optic Cable, Single Mode, 50 Core"))
	assert.Equal(t, "", normalize(" - , "))
}

type flakyLookup struct {
	failLines map[int]bool
}

func (f flakyLookup) Items(ctx context.Context) ([]model.CatalogItem, error) {
	return DefaultStatic().Items(ctx)
}

func (f flakyLookup) Lookup(ctx context.Context, item model.BOQItem) ([]model.CatalogItem, error) {
	if f.failLines[item.LineNumber] {
		return nil, errors.New("statement timeout")
	}
	return f.Items(ctx)
}

func TestMapPerLineLookupFailure(t *testing.T) {
	m := NewMapper(flakyLookup{failLines: map[int]bool{3: true}}, nil)
	res, err := m.Map(context.Background(), []model.BOQItem{
		line(2, "FBC-50-SM", "Fiber", "meter"),
		line(3, "ECC-4C-16", "Control cable", "meter"),
	}, model.ImportConfig{})
	require.NoError(t, err)
	require.Len(t, res.Mapped, 1)
	require.Len(t, res.Exceptions, 1)
	assert.Equal(t, 3, res.Exceptions[0].Item.LineNumber)
	assert.Equal(t, "catalog lookup failed: statement timeout", res.Exceptions[0].Unmatched.Reason)
}
