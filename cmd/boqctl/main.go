package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/app"
	"github.com/fibreflow/boq-import/internal/catalog"
	"github.com/fibreflow/boq-import/internal/config"
	"github.com/fibreflow/boq-import/internal/database"
	"github.com/fibreflow/boq-import/internal/logging"
)

var (
	logLevel string
	apiURL   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "boqctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boqctl",
		Short: "BOQ import operator CLI",
		Long: `boqctl runs BOQ imports locally, manages the database schema and the
reference catalog, and inspects jobs on a running import API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for pipeline output")
	cmd.PersistentFlags().StringVar(&apiURL, "api", envOr("BOQ_API_URL", "http://localhost:8080"), "Import API base URL")
	cmd.AddCommand(
		newImportCmd(),
		newMigrateCmd(),
		newCatalogCmd(),
		newJobsCmd(),
	)
	return cmd
}

// loadConfig reads the same environment as the server binaries.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logLevel, "console")
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema (uses DB_URL)",
	}
	dsn := func() (string, error) {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		if cfg.Postgres.URL == "" {
			return "", fmt.Errorf("DB_URL is not set")
		}
		return cfg.Postgres.URL, nil
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := dsn()
				if err != nil {
					return err
				}
				if err := database.MigrateUp(target); err != nil {
					return err
				}
				return printVersion(cmd.OutOrStdout(), target)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := dsn()
				if err != nil {
					return err
				}
				return database.MigrateDown(target)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := dsn()
				if err != nil {
					return err
				}
				return printVersion(cmd.OutOrStdout(), target)
			},
		},
	)
	return cmd
}

func printVersion(w io.Writer, dsn string) error {
	version, dirty, err := database.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Check or load reference catalog seed files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check <seed.yaml>",
			Short: "Validate a YAML catalog seed",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				static, err := catalog.LoadStatic(args[0])
				if err != nil {
					return err
				}
				items, _ := static.Items(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d items ok\n", args[0], len(items))
				return nil
			},
		},
		&cobra.Command{
			Use:   "load <seed.yaml>",
			Short: "Upsert a YAML catalog seed into catalog_items",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				static, err := catalog.LoadStatic(args[0])
				if err != nil {
					return err
				}
				cfg, logger, err := loadConfig()
				if err != nil {
					return err
				}
				deps, err := app.Open(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer deps.Close()
				if deps.DB == nil {
					return fmt.Errorf("DB_URL is not set")
				}
				items, _ := static.Items(ctx)
				if err := catalog.NewPostgres(deps.DB).Upsert(ctx, items); err != nil {
					return err
				}
				if deps.Redis != nil {
					cached := catalog.NewCached(nil, deps.Redis, cfg.Import.CatalogCacheTTL, logger)
					if err := cached.Invalidate(ctx); err != nil {
						logger.Warn("catalog cache not invalidated", zap.Error(err))
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %d catalog items\n", len(items))
				return nil
			},
		},
	)
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs on a running import API",
	}
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List finished jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiGet(cmd, "/imports/history?limit="+strconv.Itoa(limit))
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active jobs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet(cmd, "/imports")
			},
		},
		history,
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet(cmd, "/imports/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show aggregate import statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet(cmd, "/imports/stats")
			},
		},
	)
	return cmd
}

// apiGet fetches path from the API and pretty-prints the JSON body.
func apiGet(cmd *cobra.Command, path string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("api returned %s", resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
