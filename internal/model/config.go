package model

import "fmt"

// DuplicateHandling controls what the validator does with repeated lines.
type DuplicateHandling string

const (
	DuplicateSkip      DuplicateHandling = "skip"
	DuplicateUpdate    DuplicateHandling = "update"
	DuplicateCreateNew DuplicateHandling = "create_new"
)

// DefaultMinMappingConfidence is the lowest score that is auto-mapped.
const DefaultMinMappingConfidence = 0.8

// ImportConfig is the caller-supplied configuration for one import.
type ImportConfig struct {
	StrictValidation     bool              `json:"strictValidation"`
	AutoApprove          bool              `json:"autoApprove"`
	MinMappingConfidence float64           `json:"minMappingConfidence"`
	DuplicateHandling    DuplicateHandling `json:"duplicateHandling"`
	HeaderRow            int               `json:"headerRow,omitempty"`
	SkipRows             int               `json:"skipRows,omitempty"`
	ColumnMapping        map[string]string `json:"columnMapping,omitempty"`
}

// WithDefaults fills unset fields.
func (c ImportConfig) WithDefaults() ImportConfig {
	if c.MinMappingConfidence <= 0 {
		c.MinMappingConfidence = DefaultMinMappingConfidence
	}
	if c.DuplicateHandling == "" {
		c.DuplicateHandling = DuplicateSkip
	}
	return c
}

// Validate rejects configurations the pipeline cannot honour.
func (c ImportConfig) Validate() error {
	switch c.DuplicateHandling {
	case "", DuplicateSkip, DuplicateUpdate, DuplicateCreateNew:
	default:
		return fmt.Errorf("unknown duplicate handling %q", c.DuplicateHandling)
	}
	if c.MinMappingConfidence < 0 || c.MinMappingConfidence > 1 {
		return fmt.Errorf("minMappingConfidence must be within [0,1], got %v", c.MinMappingConfidence)
	}
	if c.HeaderRow < 0 || c.SkipRows < 0 {
		return fmt.Errorf("headerRow and skipRows must not be negative")
	}
	return nil
}

// ProcurementContext scopes where imported items are saved.
type ProcurementContext struct {
	ProjectID string `json:"projectId"`
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
}

// Validate requires the identifiers the saver writes.
func (p ProcurementContext) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}
