package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fibreflow/boq-import/internal/model"
)

// PostgresCatalog reads the catalog_items table.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a PostgresCatalog.
func NewPostgres(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

// Items returns active catalog rows ordered by code.
func (c *PostgresCatalog) Items(ctx context.Context) ([]model.CatalogItem, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, code, description, category, subcategory, uom, status, keywords, aliases
		FROM catalog_items
		WHERE lower(status) = 'active'
		ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("select catalog items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanCatalogItem)
	if err != nil {
		return nil, fmt.Errorf("scan catalog items: %w", err)
	}
	return items, nil
}

const maxLookupCandidates = 50

// lookupSQL ranks exact code, alias and description hits ahead of word hits
// so the candidate limit never cuts off an exact match.
var lookupSQL = fmt.Sprintf(`
	WITH scored AS (
		SELECT id, code, description, category, subcategory, uom, status, keywords, aliases,
			($1 <> '' AND %[1]s = $1) AS code_hit,
			EXISTS (SELECT 1 FROM unnest(aliases) a WHERE %[2]s IN ($1, $2) AND %[2]s <> '') AS alias_hit,
			($2 <> '' AND %[3]s = $2) AS desc_hit,
			(SELECT count(*) FROM unnest($3::text[]) w
				WHERE lower(description) LIKE '%%' || w || '%%'
					OR EXISTS (SELECT 1 FROM unnest(keywords) k WHERE lower(k) = w)) AS word_hits
		FROM catalog_items
		WHERE lower(status) = 'active'
	)
	SELECT id, code, description, category, subcategory, uom, status, keywords, aliases
	FROM scored
	WHERE code_hit OR alias_hit OR desc_hit OR word_hits > 0
	ORDER BY code_hit DESC, alias_hit DESC, desc_hit DESC, word_hits DESC, code
	LIMIT $4
`, normSQL("code"), normSQL("a"), normSQL("description"))

// normSQL is normalize in SQL: lowercase with every run of non-alphanumeric
// characters collapsed to one space.
func normSQL(expr string) string {
	return "btrim(regexp_replace(lower(" + expr + "), '[^[:alnum:]]+', ' ', 'g'))"
}

// Lookup returns active items sharing the line's code, an alias, or at
// least one description word or keyword, best candidates first.
func (c *PostgresCatalog) Lookup(ctx context.Context, item model.BOQItem) ([]model.CatalogItem, error) {
	rows, err := c.pool.Query(ctx, lookupSQL,
		normalize(item.ItemCode), normalize(item.Description), tokenize(item.Description), maxLookupCandidates)
	if err != nil {
		return nil, fmt.Errorf("lookup catalog for line %d: %w", item.LineNumber, err)
	}
	items, err := pgx.CollectRows(rows, scanCatalogItem)
	if err != nil {
		return nil, fmt.Errorf("scan catalog candidates: %w", err)
	}
	return items, nil
}

// Upsert writes items in one batch, replacing rows with the same id.
func (c *PostgresCatalog) Upsert(ctx context.Context, items []model.CatalogItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		status := item.Status
		if status == "" {
			status = "active"
		}
		batch.Queue(`
			INSERT INTO catalog_items (id, code, description, category, subcategory, uom, status, keywords, aliases, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
			ON CONFLICT (id) DO UPDATE SET
				code = EXCLUDED.code,
				description = EXCLUDED.description,
				category = EXCLUDED.category,
				subcategory = EXCLUDED.subcategory,
				uom = EXCLUDED.uom,
				status = EXCLUDED.status,
				keywords = EXCLUDED.keywords,
				aliases = EXCLUDED.aliases,
				updated_at = now()
		`, item.ID, item.Code, item.Description, item.Category, item.Subcategory, item.UOM, status,
			nonNil(item.Keywords), nonNil(item.Aliases))
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert catalog items: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanCatalogItem(row pgx.CollectableRow) (model.CatalogItem, error) {
	var item model.CatalogItem
	err := row.Scan(&item.ID, &item.Code, &item.Description, &item.Category, &item.Subcategory,
		&item.UOM, &item.Status, &item.Keywords, &item.Aliases)
	return item, err
}
