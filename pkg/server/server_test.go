package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

type stubAnalyzer struct{ err error }

func (a stubAnalyzer) Analyze(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.IdleAnalysis, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &models.IdleAnalysis{Workload: w, Window: window, IdleProbability: 97, Confidence: 93}, nil
}

type stubRecommender struct{ action models.ScalingAction }

func (r stubRecommender) Recommend(ctx context.Context, w models.Workload) (*models.ScalingRecommendation, error) {
	return &models.ScalingRecommendation{Workload: w, Action: r.action, Reason: "test"}, nil
}

type stubExecutor struct {
	busy     bool
	attempts map[string]*executor.Attempt
}

func (e *stubExecutor) ExecuteAsync(ctx context.Context, rec *models.ScalingRecommendation) (executor.Handle, error) {
	if e.busy {
		return executor.Handle{}, executor.ErrOrchestrationInProgress
	}
	e.attempts["a-1"] = &executor.Attempt{ID: "a-1", Workload: rec.Workload, State: models.StateMonitoring}
	return executor.Handle{ID: "a-1", Workload: rec.Workload}, nil
}

func (e *stubExecutor) Status(id string) (*executor.Attempt, error) {
	a, ok := e.attempts[id]
	if !ok {
		return nil, executor.ErrUnknownAttempt
	}
	return a, nil
}

func newServer(a Analyzer, action models.ScalingAction, e *stubExecutor, store HistoryStore) http.Handler {
	if e == nil {
		e = &stubExecutor{attempts: map[string]*executor.Attempt{}}
	}
	s := New(a, stubRecommender{action: action}, e, store, metrics.NewRecorder(), Config{ClusterID: "prod"}, zap.NewNop().Sugar())
	return s.Router()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := newServer(stubAnalyzer{}, models.ActionNoAction, nil, storage.NewMemoryStore())
	rec := do(t, h, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"storage":"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAnalysis(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"insufficient data", &models.InsufficientDataError{Reason: "no samples"}, http.StatusUnprocessableEntity},
		{"collaborator down", errors.New("prometheus down"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(stubAnalyzer{err: tt.err}, models.ActionNoAction, nil, nil)
			rec := do(t, h, http.MethodGet, "/api/workloads/shop/reports/analysis")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.err != nil {
				return
			}
			var got models.IdleAnalysis
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Workload != models.NewDeployment("shop", "reports", "prod") || got.IdleProbability != 97 {
				t.Errorf("analysis = %+v", got)
			}
		})
	}
}

func TestScaleAndStatus(t *testing.T) {
	e := &stubExecutor{attempts: map[string]*executor.Attempt{}}
	h := newServer(stubAnalyzer{}, models.ActionScaleToZero, e, nil)

	rec := do(t, h, http.MethodPost, "/api/workloads/shop/reports/scale")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("scale = %d %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/executions/a-1" {
		t.Errorf("Location = %q", loc)
	}

	rec = do(t, h, http.MethodGet, "/api/executions/a-1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"MONITORING"`) {
		t.Errorf("status = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/executions/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown execution = %d", rec.Code)
	}

	e.busy = true
	if rec := do(t, h, http.MethodPost, "/api/workloads/shop/reports/scale"); rec.Code != http.StatusConflict {
		t.Errorf("busy scale = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/workloads/shop/reports/scale"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET scale = %d, want 405", rec.Code)
	}
}

func TestScaleRefusesIneligible(t *testing.T) {
	h := newServer(stubAnalyzer{}, models.ActionNoAction, nil, nil)
	rec := do(t, h, http.MethodPost, "/api/workloads/shop/api/scale")
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "NO_ACTION") {
		t.Errorf("scale = %d %s", rec.Code, rec.Body.String())
	}
}

func TestHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	w := models.NewDeployment("shop", "reports", "")
	if err := store.SaveRecommendation(context.Background(), &models.Recommendation{ID: "r1", Workload: &w, Action: models.ActionScaleToZero}); err != nil {
		t.Fatal(err)
	}
	h := newServer(stubAnalyzer{}, models.ActionNoAction, nil, store)

	rec := do(t, h, http.MethodGet, "/api/recommendations?namespace=shop&limit=5")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ID":"r1"`) {
		t.Errorf("history = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/recommendations?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/recommendations/r1/audit")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("audit = %d %s", rec.Code, rec.Body.String())
	}

	noStore := newServer(stubAnalyzer{}, models.ActionNoAction, nil, nil)
	if rec := do(t, noStore, http.MethodGet, "/api/recommendations"); rec.Code != http.StatusNotImplemented {
		t.Errorf("history without storage = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServer(stubAnalyzer{}, models.ActionNoAction, nil, nil)
	if rec := do(t, h, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}
