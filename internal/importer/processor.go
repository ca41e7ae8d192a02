// Package importer drives BOQ import jobs through parse, validate, map and
// save. Processor runs one job; Pool runs many on a bounded set of
// goroutines; Service is what the HTTP API and CLI talk to.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/jobs"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/parser"
	"github.com/fibreflow/boq-import/internal/validation"
)

// ErrCancelled is returned by Process when the job was cancelled between
// stages. The job itself is already in history at that point.
var ErrCancelled = errors.New("import cancelled")

// Parser reads BOQ rows out of an uploaded file.
type Parser interface {
	Parse(ctx context.Context, name string, r io.Reader, opts parser.Options) (*parser.Result, error)
}

// Validator filters parsed rows.
type Validator interface {
	Validate(items []model.BOQItem, cfg model.ImportConfig) validation.Result
}

// Mapper ties validated rows to catalog items.
type Mapper interface {
	Map(ctx context.Context, items []model.BOQItem, cfg model.ImportConfig) (model.MappingResult, error)
}

// Saver persists a mapped BOQ.
type Saver interface {
	Save(ctx context.Context, mapping model.MappingResult, pctx model.ProcurementContext, cfg model.ImportConfig, file model.FileInfo) (model.SaveResult, error)
}

// OpenFunc opens the uploaded file. It is called once, at the start of the
// parse stage.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// ProgressFunc observes a job after every checkpoint. job is a copy.
type ProgressFunc func(job *model.ImportJob, stage model.JobStatus, percent int, message string)

// Request is everything Process needs to run one job.
type Request struct {
	JobID      string
	File       model.FileInfo
	Open       OpenFunc
	Context    model.ProcurementContext
	Config     model.ImportConfig
	OnProgress ProgressFunc
}

// Processor runs the four import stages for a job registered in a
// jobs.Manager.
type Processor struct {
	jobs      *jobs.Manager
	parser    Parser
	validator Validator
	mapper    Mapper
	saver     Saver
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor wires the stage collaborators together.
func NewProcessor(manager *jobs.Manager, p Parser, v Validator, m Mapper, s Saver, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		jobs:      manager,
		parser:    p,
		validator: v,
		mapper:    m,
		saver:     s,
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs req's job to a terminal state. On failure the job is marked
// failed with the stage error, moved to history, and the error is returned
// prefixed with the stage name.
func (p *Processor) Process(ctx context.Context, req Request) error {
	log := p.logger.With(zap.String("job_id", req.JobID), zap.String("file", req.File.Name))
	stage := model.StatusParsing

	failure := func(err error) error {
		if errors.Is(err, ErrCancelled) || p.jobs.IsCancelled(req.JobID) {
			log.Info("import cancelled", zap.String("stage", string(stage)))
			return ErrCancelled
		}
		if uerr := p.jobs.UpdateProgress(req.JobID, model.StatusFailed, 0, err.Error()); uerr == nil {
			_ = p.jobs.MoveToHistory(req.JobID)
			if job, gerr := p.jobs.Get(req.JobID); gerr == nil {
				p.notify(req, model.StatusFailed, job.Progress, err.Error())
			}
		}
		log.Error("import failed", zap.String("stage", string(stage)), zap.Error(err))
		return fmt.Errorf("%s: %w", stage, err)
	}

	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return failure(fmt.Errorf("invalid import config: %w", err))
	}

	// Stage 1: parse.
	if err := p.checkpoint(ctx, req, stage, 5, "parsing "+req.File.Name); err != nil {
		return failure(err)
	}
	started := p.now()
	parsed, err := p.parse(ctx, req, cfg)
	if err != nil {
		return failure(err)
	}
	items := parsed.Items
	err = p.update(req.JobID, func(md *model.JobMetadata) {
		md.TotalRows = len(items)
		md.ParseTimeMs = p.now().Sub(started).Milliseconds()
	})
	if err != nil {
		return failure(err)
	}
	if err := p.checkpoint(ctx, req, stage, 20, fmt.Sprintf("parsed %d rows", len(items))); err != nil {
		return failure(err)
	}

	// Stage 2: validate.
	stage = model.StatusValidating
	if err := p.checkpoint(ctx, req, stage, 30, "validating rows"); err != nil {
		return failure(err)
	}
	checked := p.validator.Validate(items, cfg)
	err = p.update(req.JobID, func(md *model.JobMetadata) {
		md.ValidRows = len(checked.Valid)
		md.SkippedRows = len(checked.Skipped)
		md.ProcessedRows = len(checked.Valid) + len(checked.Skipped)
	})
	if err != nil {
		return failure(err)
	}
	if len(checked.Skipped) > 0 {
		log.Debug("rows skipped", zap.Int("skipped", len(checked.Skipped)))
	}
	msg := fmt.Sprintf("%d valid rows, %d skipped", len(checked.Valid), len(checked.Skipped))
	if err := p.checkpoint(ctx, req, stage, 50, msg); err != nil {
		return failure(err)
	}

	// Stage 3: map.
	stage = model.StatusMapping
	if err := p.checkpoint(ctx, req, stage, 60, "mapping rows to catalog"); err != nil {
		return failure(err)
	}
	started = p.now()
	mapping, err := p.mapper.Map(ctx, checked.Valid, cfg)
	if err != nil {
		return failure(err)
	}
	err = p.update(req.JobID, func(md *model.JobMetadata) {
		md.AutoMappedItems = len(mapping.Mapped)
		md.ExceptionsCount = len(mapping.Exceptions)
		md.MappingTimeMs = p.now().Sub(started).Milliseconds()
	})
	if err != nil {
		return failure(err)
	}
	msg = fmt.Sprintf("%d auto-mapped, %d exceptions", len(mapping.Mapped), len(mapping.Exceptions))
	if err := p.checkpoint(ctx, req, stage, 80, msg); err != nil {
		return failure(err)
	}

	// Stage 4: save.
	stage = model.StatusSaving
	if err := p.checkpoint(ctx, req, stage, 90, "saving BOQ"); err != nil {
		return failure(err)
	}
	started = p.now()
	result, err := p.saver.Save(ctx, mapping, req.Context, cfg, req.File)
	if err != nil {
		return failure(err)
	}
	saveTime := p.now().Sub(started).Milliseconds()
	if err := p.update(req.JobID, func(md *model.JobMetadata) { md.SaveTimeMs = saveTime }); err != nil {
		if errors.Is(err, ErrCancelled) {
			log.Warn("job cancelled after BOQ was saved", zap.String("boq_id", result.BOQID))
		}
		return failure(err)
	}
	if err := p.jobs.SetResult(req.JobID, result); err != nil {
		return failure(p.cancelled(req.JobID, err))
	}

	if err := p.jobs.UpdateProgress(req.JobID, model.StatusCompleted, 100, ""); err != nil {
		return failure(p.cancelled(req.JobID, err))
	}
	if err := p.jobs.MoveToHistory(req.JobID); err != nil {
		log.Warn("move job to history", zap.Error(err))
	}
	p.notify(req, model.StatusCompleted, 100, "import completed")
	log.Info("import completed",
		zap.String("boq_id", result.BOQID),
		zap.Int("items", result.ItemsCreated),
		zap.Int("exceptions", result.ExceptionsCreated),
	)
	return nil
}

func (p *Processor) parse(ctx context.Context, req Request, cfg model.ImportConfig) (*parser.Result, error) {
	if req.Open == nil {
		return nil, errors.New("no file source")
	}
	rc, err := req.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()
	return p.parser.Parse(ctx, req.File.Name, rc, parser.OptionsFromConfig(cfg))
}

// checkpoint moves the job to status/percent and notifies the observer.
// Cancellation and context expiry are only noticed here, between stages.
func (p *Processor) checkpoint(ctx context.Context, req Request, status model.JobStatus, percent int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.jobs.UpdateProgress(req.JobID, status, percent, ""); err != nil {
		return p.cancelled(req.JobID, err)
	}
	p.notify(req, status, percent, message)
	return nil
}

func (p *Processor) update(id string, fn func(md *model.JobMetadata)) error {
	if err := p.jobs.UpdateMetadata(id, fn); err != nil {
		return p.cancelled(id, err)
	}
	return nil
}

// cancelled turns ErrJobTerminal into ErrCancelled when the job was
// cancelled underneath the processor.
func (p *Processor) cancelled(id string, err error) error {
	if errors.Is(err, jobs.ErrJobTerminal) && p.jobs.IsCancelled(id) {
		return ErrCancelled
	}
	return err
}

func (p *Processor) notify(req Request, stage model.JobStatus, percent int, message string) {
	if req.OnProgress == nil {
		return
	}
	job, err := p.jobs.Get(req.JobID)
	if err != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("progress callback panicked",
				zap.String("job_id", req.JobID),
				zap.String("stage", string(stage)),
				zap.Any("panic", r),
			)
		}
	}()
	req.OnProgress(job, stage, percent, message)
}
