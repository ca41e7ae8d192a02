package catalog

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/model"
)

const (
	scoreExactCode        = 1.0
	scoreAlias            = 0.95
	scoreExactDescription = 0.9
	// fuzzy matches never outrank an exact description
	maxFuzzyScore = 0.89

	maxSuggestions     = 5
	minSuggestionScore = 0.3
	highSuggestion     = 0.6
)

// Exception priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Mapper ties validated lines to catalog items.
type Mapper struct {
	source Source
	logger *zap.Logger
}

// NewMapper returns a Mapper backed by source.
func NewMapper(source Source, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{source: source, logger: logger}
}

type candidate struct {
	item  *model.CatalogItem
	score float64
	kind  model.MatchType
}

// Map scores every item against the catalog. Lines scoring at least
// cfg.MinMappingConfidence are auto-mapped, the rest become exceptions.
// Sources implementing Lookuper are queried line by line and a failed
// lookup turns that line into an exception. Otherwise the whole catalog is
// loaded once and only that load can fail the call.
func (m *Mapper) Map(ctx context.Context, items []model.BOQItem, cfg model.ImportConfig) (model.MappingResult, error) {
	cfg = cfg.WithDefaults()
	lookuper, perItem := m.source.(Lookuper)
	var idx *Index
	if !perItem {
		catalogItems, err := m.source.Items(ctx)
		if err != nil {
			return model.MappingResult{}, fmt.Errorf("load catalog: %w", err)
		}
		idx = NewIndex(catalogItems)
		m.logger.Debug("catalog loaded", zap.Int("active_items", idx.Len()), zap.Int("lines", len(items)))
	}

	res := model.MappingResult{
		Mapped:     make([]model.MappedItem, 0, len(items)),
		Exceptions: make([]model.MappedItem, 0),
	}
	for i, item := range items {
		if i%200 == 0 || perItem {
			if err := ctx.Err(); err != nil {
				return model.MappingResult{}, err
			}
		}
		lineIdx := idx
		if perItem {
			found, err := lookuper.Lookup(ctx, item)
			if err != nil {
				m.logger.Warn("catalog lookup failed", zap.Int("line", item.LineNumber), zap.Error(err))
				res.Exceptions = append(res.Exceptions, model.MappedItem{
					Item:      item,
					Unmatched: &model.Unmatched{Reason: fmt.Sprintf("catalog lookup failed: %v", err), Priority: PriorityHigh},
				})
				continue
			}
			lineIdx = NewIndex(found)
		}
		cands, err := lineIdx.lookup(item)
		if err != nil {
			res.Exceptions = append(res.Exceptions, model.MappedItem{
				Item:      item,
				Unmatched: &model.Unmatched{Reason: err.Error(), Priority: PriorityHigh},
			})
			continue
		}
		if len(cands) > 0 && cands[0].score >= cfg.MinMappingConfidence {
			best := cands[0]
			res.Mapped = append(res.Mapped, model.MappedItem{
				Item: item,
				Match: &model.Match{
					CatalogItemID: best.item.ID,
					CatalogCode:   best.item.Code,
					Confidence:    round(best.score),
					MatchType:     best.kind,
				},
			})
			continue
		}
		res.Exceptions = append(res.Exceptions, model.MappedItem{Item: item, Unmatched: unmatched(cands, cfg.MinMappingConfidence)})
	}
	return res, nil
}

func unmatched(cands []candidate, threshold float64) *model.Unmatched {
	u := &model.Unmatched{Reason: "no catalog match", Priority: PriorityHigh}
	for _, c := range cands {
		if c.score < minSuggestionScore || len(u.Suggestions) == maxSuggestions {
			break
		}
		u.Suggestions = append(u.Suggestions, model.Suggestion{
			CatalogItemID: c.item.ID,
			CatalogCode:   c.item.Code,
			Description:   c.item.Description,
			Confidence:    round(c.score),
		})
	}
	if len(u.Suggestions) > 0 {
		best := u.Suggestions[0].Confidence
		u.Reason = fmt.Sprintf("best match %.2f below threshold %.2f", best, threshold)
		u.Priority = PriorityMedium
		if best >= highSuggestion {
			u.Priority = PriorityLow
		}
	}
	return u
}

// lookup returns scored candidates for item, best first.
func (idx *Index) lookup(item model.BOQItem) ([]candidate, error) {
	code := normalize(item.ItemCode)
	desc := normalize(item.Description)
	if code == "" && desc == "" {
		return nil, errNoSearchText
	}

	scores := make(map[int]candidate)
	offer := func(i int, score float64, kind model.MatchType) {
		if cur, ok := scores[i]; !ok || score > cur.score {
			scores[i] = candidate{item: &idx.items[i], score: score, kind: kind}
		}
	}
	if i, ok := idx.byCode[code]; ok && code != "" {
		offer(i, scoreExactCode, model.MatchExactCode)
	}
	for _, key := range []string{code, desc} {
		if i, ok := idx.byAlias[key]; ok && key != "" {
			offer(i, scoreAlias, model.MatchAlias)
		}
	}
	if i, ok := idx.byDesc[desc]; ok && desc != "" {
		offer(i, scoreExactDescription, model.MatchExactDescription)
	}

	words := tokenize(item.Description)
	considered := make(map[int]bool)
	for _, w := range words {
		for _, i := range idx.byWord[w] {
			if considered[i] {
				continue
			}
			considered[i] = true
			if s := idx.fuzzyScore(i, words, item.UOM); s > 0 {
				offer(i, s, model.MatchFuzzy)
			}
		}
	}

	out := make([]candidate, 0, len(scores))
	for _, c := range scores {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].score != out[b].score {
			return out[a].score > out[b].score
		}
		return out[a].item.Code < out[b].item.Code
	})
	return out, nil
}

// fuzzyScore weighs description word overlap, keyword hits and a matching unit.
func (idx *Index) fuzzyScore(i int, words []string, uom string) float64 {
	item := idx.items[i]
	catWords := idx.tokens[i]
	if len(words) == 0 || len(catWords) == 0 {
		return 0
	}
	overlap := 0
	have := make(map[string]bool, len(words))
	for _, w := range words {
		have[w] = true
	}
	for _, w := range uniq(catWords) {
		if have[w] {
			overlap++
		}
	}
	denom := len(uniq(catWords))
	if n := len(uniq(words)); n > denom {
		denom = n
	}
	score := 0.85 * float64(overlap) / float64(denom)

	if kw := lowerAll(item.Keywords); len(kw) > 0 {
		hits := 0
		for _, k := range kw {
			if have[k] {
				hits++
			}
		}
		score += 0.1 * float64(hits) / float64(len(kw))
	}
	if uom != "" && normalize(uom) == normalize(item.UOM) {
		score += 0.05
	}
	if score > maxFuzzyScore {
		score = maxFuzzyScore
	}
	return score
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func round(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}
