package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fibreflow/boq-import/internal/model"
)

const (
	// ImportTask is scheduled each time a BOQ file is uploaded in queue mode.
	ImportTask = "boq:import"
	// Queue is the asynq queue import tasks are placed on.
	Queue = "imports"
)

// ImportPayload is serialized into the task payload so the worker knows which
// object to download from MinIO and how to import it.
type ImportPayload struct {
	JobID     string                   `json:"job_id"`
	ObjectKey string                   `json:"object_key"`
	FileName  string                   `json:"file_name"`
	FileSize  int64                    `json:"file_size"`
	Context   model.ProcurementContext `json:"context"`
	Config    model.ImportConfig       `json:"config"`
}

// File returns the upload metadata carried by the payload.
func (p ImportPayload) File() model.FileInfo {
	return model.FileInfo{Name: p.FileName, Size: p.FileSize}
}

// NewImportTask builds the asynq task for payload. Imports are not retried:
// a failed job is terminal and has to be resubmitted.
func NewImportTask(payload ImportPayload, timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Queue(Queue), asynq.TaskID(payload.JobID)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(ImportTask, data, opts...), nil
}

// DecodeImport reads the payload of an import task.
func DecodeImport(task *asynq.Task) (ImportPayload, error) {
	var payload ImportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.JobID == "" || payload.ObjectKey == "" {
		return payload, fmt.Errorf("decode payload: job_id and object_key are required")
	}
	return payload, nil
}

// Client enqueues import tasks.
type Client struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewClient wraps an asynq client. timeout bounds each task on the worker.
func NewClient(client *asynq.Client, timeout time.Duration) *Client {
	return &Client{client: client, timeout: timeout}
}

// EnqueueImport enqueues a BOQ import job.
func (c *Client) EnqueueImport(ctx context.Context, payload ImportPayload) error {
	task, err := NewImportTask(payload, c.timeout)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue import task: %w", err)
	}
	return nil
}
