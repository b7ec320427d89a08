package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/ingest"
	"smartboard-ingest/internal/models"
	"smartboard-ingest/internal/ratelimit"
	"smartboard-ingest/internal/store"
	"smartboard-ingest/internal/telemetry"
)

// Datasets is the write side of the API.
type Datasets interface {
	CreateDataset(ctx context.Context, in ingest.CreateDatasetInput) (ingest.CreateDatasetResult, error)
	ConfirmUpload(ctx context.Context, tenantID, datasetID string) (models.Dataset, error)
}

// Records is the read side of the API.
type Records interface {
	GetDataset(ctx context.Context, tenantID, datasetID string) (models.Dataset, error)
	ListDatasets(ctx context.Context, tenantID string, page, limit int) (models.Page[models.Dataset], error)
	ListJobRecords(ctx context.Context, tenantID, datasetID string) ([]models.JobRecord, error)
	Timeseries(ctx context.Context, q store.TimeseriesQuery) ([]models.TimeseriesPoint, error)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server wires HTTP handlers for the dataset API.
type Server struct {
	cfg      config.Config
	datasets Datasets
	records  Records
	limiter  *ratelimit.TokenBucket
	checks   []HealthCheck
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, datasets Datasets, records Records, limiter *ratelimit.TokenBucket, logger *slog.Logger, checks ...HealthCheck) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		datasets: datasets,
		records:  records,
		limiter:  limiter,
		checks:   checks,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)

		r.With(ratelimit.Middleware(s.limiter, "datasets", tenantFromRequest, telemetry.RateLimitRejects.Inc, s.logger)).
			Post("/datasets", s.handleCreateDataset)
		r.Get("/datasets", s.handleListDatasets)
		r.Get("/datasets/{id}", s.handleGetDataset)
		r.Post("/datasets/{id}/complete", s.handleConfirmUpload)
		r.Get("/datasets/{id}/jobs", s.handleListJobs)
		r.Get("/analytics/timeseries", s.handleTimeseries)
	})
	return r
}

type createDatasetRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	FileType    string  `json:"fileType"`
}

func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.datasets.CreateDataset(r.Context(), ingest.CreateDatasetInput{
		TenantID:    tenantFromRequest(r),
		Name:        req.Name,
		Description: req.Description,
		FileType:    req.FileType,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	limit := queryInt(q.Get("limit"), 50)
	result, err := s.records.ListDatasets(r.Context(), tenantFromRequest(r), page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	d, err := s.records.GetDataset(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	d, err := s.datasets.ConfirmUpload(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusAccepted, d)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	id := chi.URLParam(r, "id")
	if _, err := s.records.GetDataset(r.Context(), tenant, id); err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.records.ListJobRecords(r.Context(), tenant, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, recs)
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	bucket := q.Get("bucket")
	if bucket == "" {
		bucket = "hour"
	}
	metric := q.Get("metric")
	if metric == "" {
		metric = "value"
	}

	points, err := s.records.Timeseries(r.Context(), store.TimeseriesQuery{
		TenantID:  tenantFromRequest(r),
		DatasetID: q.Get("datasetId"),
		Metric:    metric,
		From:      from,
		To:        to,
		Bucket:    bucket,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, points)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "dependency", c.Name, "error", err)
			deps[c.Name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[c.Name] = "up"
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "data": map[string]any{"service": "svc-api", "dependencies": deps}})
}

// fail maps domain errors to status codes. Unexpected errors are logged and masked.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput), errors.Is(err, store.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrDatasetNotFound):
		writeError(w, http.StatusNotFound, "dataset not found")
	case errors.Is(err, ingest.ErrUploadMissing), errors.Is(err, ingest.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(), "request_id", middleware.GetReqID(r.Context()))
	})
}

// requireTenant rejects requests without the gateway-provided tenant header.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantFromRequest(r) == "" {
			writeError(w, http.StatusBadRequest, "missing x-tenant-id header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
