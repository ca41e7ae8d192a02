package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fibreflow/boq-import/internal/model"
)

// ErrDuplicateVersion is returned when a BOQ with the same project and
// version already exists.
var ErrDuplicateVersion = errors.New("boq version already exists")

// BOQ statuses written by the saver.
const (
	BOQStatusApproved      = "APPROVED"
	BOQStatusMappingReview = "MAPPING_REVIEW"

	MappingStatusCompleted   = "COMPLETED"
	MappingStatusNeedsReview = "NEEDS_REVIEW"
)

// BOQRepository persists mapped BOQs.
type BOQRepository struct {
	pool  *pgxpool.Pool
	now   func() time.Time
	newID func() string
}

// NewBOQRepository constructs a repository.
func NewBOQRepository(pool *pgxpool.Pool) *BOQRepository {
	return &BOQRepository{pool: pool, now: time.Now, newID: uuid.NewString}
}

// boqRow is the header row inserted into boqs.
type boqRow struct {
	ID             string
	ProjectID      string
	TenantID       string
	Version        string
	Title          string
	Status         string
	MappingStatus  string
	ItemCount      int
	MappedItems    int
	UnmappedItems  int
	Exceptions     int
	EstimatedValue *decimal.Decimal
	UploadedBy     string
	FileName       string
	FileSize       int64
	CreatedAt      time.Time
}

func buildBOQRow(id string, now time.Time, mapping model.MappingResult, pctx model.ProcurementContext, cfg model.ImportConfig, file model.FileInfo) boqRow {
	status := BOQStatusMappingReview
	if cfg.AutoApprove {
		status = BOQStatusApproved
	}
	mappingStatus := MappingStatusCompleted
	if len(mapping.Exceptions) > 0 {
		mappingStatus = MappingStatusNeedsReview
	}
	return boqRow{
		ID:             id,
		ProjectID:      pctx.ProjectID,
		TenantID:       pctx.TenantID,
		Version:        fmt.Sprintf("v%d", now.UnixMilli()),
		Title:          strings.TrimSuffix(file.Name, filepath.Ext(file.Name)),
		Status:         status,
		MappingStatus:  mappingStatus,
		ItemCount:      mapping.Total(),
		MappedItems:    len(mapping.Mapped),
		UnmappedItems:  len(mapping.Exceptions),
		Exceptions:     len(mapping.Exceptions),
		EstimatedValue: estimatedValue(mapping),
		UploadedBy:     pctx.UserID,
		FileName:       file.Name,
		FileSize:       file.Size,
		CreatedAt:      now.UTC(),
	}
}

// maxEstimatedValue bounds boqs.total_estimated_value, a NUMERIC(18,2).
var maxEstimatedValue = decimal.New(1, 16)

// estimatedValue sums line totals, falling back to quantity x unit price.
// It is nil when no line carries a price or the sum does not fit the column.
func estimatedValue(mapping model.MappingResult) *decimal.Decimal {
	var (
		sum    decimal.Decimal
		priced bool
	)
	for _, group := range [][]model.MappedItem{mapping.Mapped, mapping.Exceptions} {
		for _, m := range group {
			switch {
			case m.Item.TotalPrice != nil:
				sum = sum.Add(*m.Item.TotalPrice)
				priced = true
			case m.Item.UnitPrice != nil:
				sum = sum.Add(m.Item.UnitPrice.Mul(m.Item.Quantity))
				priced = true
			}
		}
	}
	if !priced || sum.Abs().GreaterThanOrEqual(maxEstimatedValue) {
		return nil
	}
	sum = sum.Round(2)
	return &sum
}

// Save writes the BOQ header, every line and one exception per unmatched
// line in a single transaction. Nothing is written if any statement fails.
func (r *BOQRepository) Save(ctx context.Context, mapping model.MappingResult, pctx model.ProcurementContext, cfg model.ImportConfig, file model.FileInfo) (model.SaveResult, error) {
	if err := pctx.Validate(); err != nil {
		return model.SaveResult{}, fmt.Errorf("procurement context: %w", err)
	}
	row := buildBOQRow(r.newID(), r.now(), mapping, pctx, cfg, file)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.SaveResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO boqs (id, project_id, tenant_id, version, title, status, mapping_status, item_count,
			mapped_items, unmapped_items, exceptions_count, total_estimated_value, uploaded_by, file_name, file_size, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, row.ID, row.ProjectID, row.TenantID, row.Version, row.Title, row.Status, row.MappingStatus, row.ItemCount,
		row.MappedItems, row.UnmappedItems, row.Exceptions, row.EstimatedValue, row.UploadedBy, row.FileName, row.FileSize, row.CreatedAt)
	if err != nil {
		return model.SaveResult{}, classify("insert boq", err)
	}

	batch := &pgx.Batch{}
	items, exceptions := 0, 0
	for _, group := range [][]model.MappedItem{mapping.Mapped, mapping.Exceptions} {
		for _, m := range group {
			itemID := r.newID()
			if err := queueItem(batch, row, itemID, m); err != nil {
				return model.SaveResult{}, err
			}
			items++
			if m.Unmatched != nil {
				if err := queueException(batch, row, itemID, r.newID(), m); err != nil {
					return model.SaveResult{}, err
				}
				exceptions++
			}
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return model.SaveResult{}, classify("insert boq items", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.SaveResult{}, fmt.Errorf("commit boq: %w", err)
	}
	return model.SaveResult{
		BOQID:             row.ID,
		Version:           row.Version,
		ItemsCreated:      items,
		ExceptionsCreated: exceptions,
	}, nil
}

func queueItem(batch *pgx.Batch, boq boqRow, id string, m model.MappedItem) error {
	raw, err := json.Marshal(m.Item.RawData)
	if err != nil {
		return fmt.Errorf("encode raw data for line %d: %w", m.Item.LineNumber, err)
	}
	var (
		catalogID, catalogCode, matchType *string
		confidence                        *float64
	)
	if m.Match != nil {
		catalogID, catalogCode = &m.Match.CatalogItemID, &m.Match.CatalogCode
		kind := string(m.Match.MatchType)
		matchType = &kind
		confidence = &m.Match.Confidence
	}
	batch.Queue(`
		INSERT INTO boq_items (id, boq_id, project_id, line_number, item_code, description, uom, quantity,
			unit_price, total_price, category, subcategory, phase, task, site,
			catalog_item_id, catalog_item_code, mapping_confidence, mapping_type, raw_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, id, boq.ID, boq.ProjectID, m.Item.LineNumber, nullable(m.Item.ItemCode), m.Item.Description, m.Item.UOM, m.Item.Quantity,
		m.Item.UnitPrice, m.Item.TotalPrice, nullable(m.Item.Category), nullable(m.Item.Subcategory),
		nullable(m.Item.Phase), nullable(m.Item.Task), nullable(m.Item.Site),
		catalogID, catalogCode, confidence, matchType, raw, boq.CreatedAt)
	return nil
}

func queueException(batch *pgx.Batch, boq boqRow, itemID, id string, m model.MappedItem) error {
	suggestions := m.Unmatched.Suggestions
	if suggestions == nil {
		suggestions = []model.Suggestion{}
	}
	payload, err := json.Marshal(suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions for line %d: %w", m.Item.LineNumber, err)
	}
	batch.Queue(`
		INSERT INTO boq_exceptions (id, boq_id, boq_item_id, project_id, line_number, item_code, description, uom,
			reason, priority, suggestions, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, id, boq.ID, itemID, boq.ProjectID, m.Item.LineNumber, nullable(m.Item.ItemCode), m.Item.Description, m.Item.UOM,
		m.Unmatched.Reason, m.Unmatched.Priority, payload, boq.CreatedAt)
	return nil
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.TableName == "boqs" {
		return fmt.Errorf("%s: %w", op, ErrDuplicateVersion)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
