package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fibreflow/boq-import/internal/app"
	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/model"
)

func newImportCmd() *cobra.Command {
	var (
		pctx    model.ProcurementContext
		cfg     model.ImportConfig
		dupes   string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Run one import in this process and print its progress",
		Long: `import parses, validates, maps and saves a BOQ file without the API.
It uses the same environment as the server: DB_URL for the save stage and
IMPORT_CATALOG_SEED_PATH or the catalog_items table for mapping.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if err := pctx.Validate(); err != nil {
				return err
			}
			cfg.DuplicateHandling = model.DuplicateHandling(dupes)

			conf, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			deps, err := app.Open(ctx, conf, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			manager := app.NewManager(ctx, conf.Import, deps, logger)
			proc, err := app.NewProcessor(conf, deps, manager, logger)
			if err != nil {
				return err
			}
			if cfg.MinMappingConfidence == 0 {
				cfg.MinMappingConfidence = conf.Import.MinMappingConfidence
			}

			out := cmd.OutOrStdout()
			file := model.FileInfo{Name: filepath.Base(path), Size: info.Size()}
			job := manager.Create(file)
			runErr := proc.Process(ctx, importer.Request{
				JobID: job.ID,
				File:  file,
				Open: func(context.Context) (io.ReadCloser, error) {
					return os.Open(path)
				},
				Context: pctx,
				Config:  cfg,
				OnProgress: func(_ *model.ImportJob, stage model.JobStatus, percent int, message string) {
					if !asJSON {
						fmt.Fprintf(out, "%3d%%  %-10s %s\n", percent, stage, message)
					}
				},
			})

			final, err := manager.Get(job.ID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(final); err != nil {
					return err
				}
			} else {
				printSummary(out, final)
			}
			return runErr
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&pctx.ProjectID, "project", "", "Project id the BOQ belongs to (required)")
	flags.StringVar(&pctx.TenantID, "tenant", "", "Tenant id")
	flags.StringVar(&pctx.UserID, "user", os.Getenv("USER"), "User recorded as the uploader")
	flags.BoolVar(&cfg.StrictValidation, "strict", false, "Reject rows with any missing field")
	flags.BoolVar(&cfg.AutoApprove, "auto-approve", false, "Save the BOQ as approved")
	flags.Float64Var(&cfg.MinMappingConfidence, "min-confidence", 0, "Auto-map threshold (default from IMPORT_MIN_MAPPING_CONFIDENCE)")
	flags.StringVar(&dupes, "duplicates", string(model.DuplicateSkip), "Duplicate handling: skip, update or create_new")
	flags.IntVar(&cfg.HeaderRow, "header-row", 0, "1-based header row (0 detects it)")
	flags.IntVar(&cfg.SkipRows, "skip-rows", 0, "Leading rows to ignore")
	flags.StringToStringVar(&cfg.ColumnMapping, "column", nil, "Explicit column mapping, e.g. --column description=Item")
	flags.BoolVar(&asJSON, "json", false, "Print the final job as JSON")
	flags.DurationVar(&timeout, "timeout", 0, "Abort the import after this long, e.g. 2m")
	return cmd
}

func printSummary(w io.Writer, job *model.ImportJob) {
	md := job.Metadata
	fmt.Fprintf(w, "\njob %s %s\n", job.ID, job.Status)
	fmt.Fprintf(w, "  rows: %d total, %d valid, %d skipped\n", md.TotalRows, md.ValidRows, md.SkippedRows)
	fmt.Fprintf(w, "  mapping: %d auto-mapped, %d exceptions\n", md.AutoMappedItems, md.ExceptionsCount)
	fmt.Fprintf(w, "  timings: parse %dms, mapping %dms, save %dms\n", md.ParseTimeMs, md.MappingTimeMs, md.SaveTimeMs)
	if job.Result != nil {
		fmt.Fprintf(w, "  saved boq %s version %s\n", job.Result.BOQID, job.Result.Version)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", job.Error)
	}
}
