// Package api exposes the import pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fibreflow/boq-import/internal/config"
	"github.com/fibreflow/boq-import/internal/importer"
	"github.com/fibreflow/boq-import/internal/model"
	"github.com/fibreflow/boq-import/internal/signing"
)

const maxFieldBytes = 4 << 10

// ImportService is the part of importer.Service the API needs.
type ImportService interface {
	StartImport(ctx context.Context, up importer.Upload, pctx model.ProcurementContext, cfg model.ImportConfig) (*model.ImportJob, error)
	Retry(ctx context.Context, jobID string) (*model.ImportJob, error)
	Get(ctx context.Context, id string) (*model.ImportJob, error)
	Active(ctx context.Context) ([]*model.ImportJob, error)
	History(ctx context.Context, limit int) ([]*model.ImportJob, error)
	Stats(ctx context.Context) (model.ImportStats, error)
	Cancel(id string) bool
	OpenUpload(ctx context.Context, jobID string) (io.ReadCloser, model.FileInfo, error)
}

// Server exposes HTTP endpoints for uploads and job visibility.
type Server struct {
	cfg     config.HTTPConfig
	svc     ImportService
	logger  *zap.Logger
	router  *mux.Router
	limiter *uploadLimiter
	signer  *signing.Signer
	tempDir string
}

// New constructs a Server and its routes.
func New(cfg config.HTTPConfig, svc ImportService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		logger:  logger,
		router:  mux.NewRouter(),
		limiter: newUploadLimiter(cfg.UploadRate, cfg.UploadBurst),
		tempDir: os.TempDir(),
	}
	if cfg.SigningSecret != "" {
		s.signer, _ = signing.NewSigner([]byte(cfg.SigningSecret))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware, corsMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	imports := s.router.PathPrefix("/imports").Subrouter()
	imports.Handle("", s.limiter.middleware(http.HandlerFunc(s.handleUpload))).Methods(http.MethodPost)
	imports.HandleFunc("", s.handleActive).Methods(http.MethodGet)
	imports.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	imports.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	imports.HandleFunc("/{id}", s.handleGet).Methods(http.MethodGet)
	imports.HandleFunc("/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	imports.HandleFunc("/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	imports.HandleFunc("/{id}/upload-url", s.handleUploadURL).Methods(http.MethodGet)
	imports.HandleFunc("/{id}/upload", s.handleDownload).Methods(http.MethodGet)

	// mux only runs middleware on matched routes; answer CORS preflights here.
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.run(ctx, limiterSweepInterval, limiterIdleTTL)
	go func() {
		<-ctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", zap.String("address", s.cfg.Address))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+64<<10)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	fields, tmp, err := s.readForm(mr)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: limit is %d bytes", importer.ErrFileTooLarge, s.cfg.MaxUploadBytes)
		}
		respondError(w, statusFor(err), err.Error())
		return
	}
	if tmp == nil {
		respondError(w, http.StatusBadRequest, "missing file part")
		return
	}

	pctx := model.ProcurementContext{
		ProjectID: fields["projectId"],
		TenantID:  fields["tenantId"],
		UserID:    fields["userId"],
	}
	if pctx.UserID == "" {
		pctx.UserID = r.Header.Get("X-User-ID")
	}
	cfg, err := importConfig(fields)
	if err != nil {
		os.Remove(tmp.Path)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.svc.StartImport(r.Context(), *tmp, pctx, cfg)
	if err != nil {
		s.logger.Warn("import rejected", zap.String("file", tmp.Name), zap.Error(err))
		body := map[string]string{"error": err.Error()}
		if job != nil {
			body["id"] = job.ID
			body["status"] = string(job.Status)
		}
		respondJSON(w, statusFor(err), body)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

// readForm walks every part: small text fields are collected, the "file"
// part is streamed to disk. Fields may come before or after the file.
func (s *Server) readForm(mr *multipart.Reader) (map[string]string, *importer.Upload, error) {
	fields := make(map[string]string)
	var tmp *importer.Upload
	fail := func(err error) (map[string]string, *importer.Upload, error) {
		if tmp != nil {
			os.Remove(tmp.Path)
		}
		return nil, nil, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return fields, tmp, nil
		}
		if err != nil {
			return fail(fmt.Errorf("read upload: %w", err))
		}
		if part.FormName() == "file" && tmp == nil {
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				return fail(err)
			}
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		part.Close()
		if err != nil {
			return fail(fmt.Errorf("read field %s: %w", part.FormName(), err))
		}
		fields[part.FormName()] = strings.TrimSpace(string(value))
	}
}

func (s *Server) persistTemp(part *multipart.Part) (*importer.Upload, error) {
	name := filepath.Base(part.FileName())
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, errors.New("file part has no file name")
	}
	tmpFile, err := os.CreateTemp(s.tempDir, "boq-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxUploadBytes {
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("%w: limit is %d bytes", importer.ErrFileTooLarge, s.cfg.MaxUploadBytes)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			os.Remove(tmpFile.Name())
			return nil, readErr
		}
	}
	if written == 0 {
		os.Remove(tmpFile.Name())
		return nil, importer.ErrEmptyFile
	}
	return &importer.Upload{
		Name:        name,
		Size:        written,
		ContentType: http.DetectContentType(sniff),
		Path:        tmpFile.Name(),
	}, nil
}

func importConfig(fields map[string]string) (model.ImportConfig, error) {
	cfg := model.ImportConfig{DuplicateHandling: model.DuplicateHandling(fields["duplicateHandling"])}
	var err error
	if cfg.StrictValidation, err = formBool(fields, "strictValidation"); err != nil {
		return cfg, err
	}
	if cfg.AutoApprove, err = formBool(fields, "autoApprove"); err != nil {
		return cfg, err
	}
	if v := fields["minMappingConfidence"]; v != "" {
		if cfg.MinMappingConfidence, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("minMappingConfidence: %w", err)
		}
	}
	if v := fields["headerRow"]; v != "" {
		if cfg.HeaderRow, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("headerRow: %w", err)
		}
	}
	if v := fields["skipRows"]; v != "" {
		if cfg.SkipRows, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("skipRows: %w", err)
		}
	}
	if v := fields["columnMapping"]; v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.ColumnMapping); err != nil {
			return cfg, fmt.Errorf("columnMapping: %w", err)
		}
	}
	return cfg, nil
}

func formBool(fields map[string]string, key string) (bool, error) {
	v := fields[key]
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Active(r.Context())
	if err != nil {
		s.internalError(w, "list active jobs", err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list job history", err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(list))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.internalError(w, "job stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), "import job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": s.svc.Cancel(id)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.svc.Retry(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":      job.ID,
		"status":  string(job.Status),
		"retryOf": id,
	})
}

// handleUploadURL issues an expiring link to the original file of a job.
func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		respondError(w, http.StatusNotFound, "download links are disabled")
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Get(r.Context(), id); err != nil {
		respondError(w, statusFor(err), "import job not found")
		return
	}
	ttl := s.cfg.LinkTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires, signature := s.signer.Issue(id, ttl)
	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expires, 10))
	query.Set("signature", signature)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     "/imports/" + url.PathEscape(id) + "/upload?" + query.Encode(),
		"expires": time.Unix(expires, 0).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		respondError(w, http.StatusNotFound, "download links are disabled")
		return
	}
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	if err := s.signer.Verify(id, q.Get("expires"), q.Get("signature")); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, signing.ErrMalformed) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}
	rc, file, err := s.svc.OpenUpload(r.Context(), id)
	if err != nil {
		if status := statusFor(err); status != http.StatusInternalServerError {
			respondError(w, status, err.Error())
			return
		}
		s.internalError(w, "open upload", err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream upload", zap.String("job_id", id), zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	respondError(w, http.StatusInternalServerError, msg+" failed")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, importer.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, importer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, importer.ErrEmptyFile), errors.Is(err, importer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, importer.ErrNotRetryable), errors.Is(err, importer.ErrRetryUnsupported):
		return http.StatusConflict
	case errors.Is(err, importer.ErrUploadUnavailable):
		return http.StatusGone
	case errors.Is(err, importer.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func nonNil(list []*model.ImportJob) []*model.ImportJob {
	if list == nil {
		return []*model.ImportJob{}
	}
	return list
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
