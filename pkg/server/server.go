// Package server exposes the optimizer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

type Analyzer interface {
	Analyze(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.IdleAnalysis, error)
}

type Recommender interface {
	Recommend(ctx context.Context, w models.Workload) (*models.ScalingRecommendation, error)
}

type Executor interface {
	ExecuteAsync(ctx context.Context, rec *models.ScalingRecommendation) (executor.Handle, error)
	Status(id string) (*executor.Attempt, error)
}

type HistoryStore interface {
	ListRecommendations(ctx context.Context, namespace string, limit int) ([]*models.Recommendation, error)
	GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error)
	Ping(ctx context.Context) error
}

type Config struct {
	ClusterID      string
	AnalysisWindow time.Duration
}

type Server struct {
	analyzer    Analyzer
	recommender Recommender
	executor    Executor
	store       HistoryStore
	recorder    *metrics.Recorder
	config      Config
	startTime   time.Time
	logger      *zap.SugaredLogger
}

// New creates a server. store may be nil.
func New(a Analyzer, r Recommender, e Executor, store HistoryStore, recorder *metrics.Recorder, cfg Config, logger *zap.SugaredLogger) *Server {
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = 24 * time.Hour
	}
	return &Server{
		analyzer:    a,
		recommender: r,
		executor:    e,
		store:       store,
		recorder:    recorder,
		config:      cfg,
		startTime:   time.Now(),
		logger:      logger,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/analysis", s.analysisHandler).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/recommendation", s.recommendationHandler).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/scale", s.scaleHandler).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}", s.executionHandler).Methods(http.MethodGet)
	api.HandleFunc("/recommendations", s.historyHandler).Methods(http.MethodGet)
	api.HandleFunc("/recommendations/{id}/audit", s.auditHandler).Methods(http.MethodGet)

	// Prometheus metrics
	r.Handle("/metrics", s.recorder.Handler())

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) workload(r *http.Request) models.Workload {
	vars := mux.Vars(r)
	return models.NewDeployment(vars["namespace"], vars["name"], s.config.ClusterID)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startTime).String(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["storage"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, health)
			return
		}
		health["storage"] = "ok"
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) analysisHandler(w http.ResponseWriter, r *http.Request) {
	wl := s.workload(r)
	window := models.NewAnalysisWindow(time.Now(), s.config.AnalysisWindow)

	analysis, err := s.analyzer.Analyze(r.Context(), wl, window)
	if err != nil {
		var insufficient *models.InsufficientDataError
		if errors.As(err, &insufficient) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.logger.Warnw("Analysis failed", "workload", wl.String(), "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) recommendationHandler(w http.ResponseWriter, r *http.Request) {
	wl := s.workload(r)
	rec, err := s.recommender.Recommend(r.Context(), wl)
	if err != nil {
		s.logger.Warnw("Recommendation failed", "workload", wl.String(), "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) scaleHandler(w http.ResponseWriter, r *http.Request) {
	wl := s.workload(r)
	rec, err := s.recommender.Recommend(r.Context(), wl)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if !rec.ShouldExecute() {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":          "workload is not eligible for scale to zero",
			"recommendation": rec,
		})
		return
	}

	handle, err := s.executor.ExecuteAsync(r.Context(), rec)
	if errors.Is(err, executor.ErrOrchestrationInProgress) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Location", "/api/executions/"+handle.ID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       handle.ID,
		"workload": handle.Workload,
		"status":   "/api/executions/" + handle.ID,
	})
}

func (s *Server) executionHandler(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.executor.Status(mux.Vars(r)["id"])
	if errors.Is(err, executor.ErrUnknownAttempt) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, errors.New("storage is disabled"))
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := s.store.ListRecommendations(r.Context(), r.URL.Query().Get("namespace"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*models.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, errors.New("storage is disabled"))
		return
	}
	entries, err := s.store.GetAuditLog(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
