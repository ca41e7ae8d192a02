// Package model contains the struct definitions shared across the import
// pipeline, the job manager, storage and the HTTP API.
package model

import (
	"time"
)

// JobStatus describes where an import job is in its lifecycle. The named
// string type keeps statuses from being mixed up with arbitrary strings.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusParsing    JobStatus = "parsing"
	StatusValidating JobStatus = "validating"
	StatusMapping    JobStatus = "mapping"
	StatusSaving     JobStatus = "saving"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusParsing, StatusValidating, StatusMapping, StatusSaving,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// pipelineOrder ranks the non-failure statuses in the order a job moves
// through them.
var pipelineOrder = map[JobStatus]int{
	StatusQueued:     0,
	StatusParsing:    1,
	StatusValidating: 2,
	StatusMapping:    3,
	StatusSaving:     4,
	StatusCompleted:  5,
}

// CanMoveTo reports whether a job in s may move to next. Jobs only move
// forward through the pipeline or stay where they are; failed and cancelled
// are reachable from any non-terminal status.
func (s JobStatus) CanMoveTo(next JobStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	return pipelineOrder[next] >= pipelineOrder[s]
}

// JobMetadata carries the per-stage counters of a job. Durations are stored
// in milliseconds so they serialize the same way in JSON and in Postgres.
type JobMetadata struct {
	TotalRows       int   `json:"totalRows"`
	ProcessedRows   int   `json:"processedRows"`
	ValidRows       int   `json:"validRows"`
	SkippedRows     int   `json:"skippedRows"`
	AutoMappedItems int   `json:"autoMappedItems"`
	ExceptionsCount int   `json:"exceptionsCount"`
	ParseTimeMs     int64 `json:"parseTime"`
	MappingTimeMs   int64 `json:"mappingTime"`
	SaveTimeMs      int64 `json:"saveTime"`
}

// ImportJob is one run of the import pipeline for a single uploaded file.
type ImportJob struct {
	ID          string      `json:"id"`
	FileName    string      `json:"fileName"`
	FileSize    int64       `json:"fileSize"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Metadata    JobMetadata `json:"metadata"`
	Error       string      `json:"error,omitempty"`
	Result      *SaveResult `json:"result,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the
// job manager's internal state.
func (j *ImportJob) Clone() *ImportJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	return &cp
}

// FileInfo is the descriptive metadata captured when a file is uploaded.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SaveResult is the outcome of persisting a mapped BOQ.
type SaveResult struct {
	BOQID             string `json:"boqId"`
	Version           string `json:"version"`
	ItemsCreated      int    `json:"itemsCreated"`
	ExceptionsCreated int    `json:"exceptionsCreated"`
}

// ImportStats aggregates over active and historical jobs.
type ImportStats struct {
	TotalJobs               int             `json:"totalJobs"`
	ActiveJobs              int             `json:"activeJobs"`
	CompletedJobs           int             `json:"completedJobs"`
	FailedJobs              int             `json:"failedJobs"`
	CancelledJobs           int             `json:"cancelledJobs"`
	AverageProcessingTimeMs int64           `json:"averageProcessingTime"`
	TotalItemsImported      int             `json:"totalItemsImported"`
	TotalAutoMapped         int             `json:"totalAutoMapped"`
	TotalExceptions         int             `json:"totalExceptions"`
	TopFailureReasons       []FailureReason `json:"topFailureReasons"`
}

// FailureReason counts failed jobs sharing an error prefix.
type FailureReason struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}
