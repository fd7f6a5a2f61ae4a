// Package fake provides an in-memory DataSource for tests.
package fake

import (
	"context"
	"sync"

	"github.com/opscart/k8s-idle-optimizer/pkg/datasource"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// Source returns canned values. Zero values mean "no data".
type Source struct {
	mu sync.Mutex

	Metrics    *models.Metrics
	MetricsErr error

	Requests     []models.RequestRecord
	RequestsErr  error
	RequestsFunc func(w models.Workload, window models.AnalysisWindow) ([]models.RequestRecord, error)

	Inbound     []models.RequestRecord
	InboundErr  error
	InboundFunc func(namespace string, services []string, window models.AnalysisWindow) ([]models.RequestRecord, error)

	Business    *models.BusinessActivity
	BusinessErr error

	Baseline    float64
	BaselineErr error

	Expected    float64
	ExpectedErr error

	Dependencies  map[string]bool
	DependencyErr error

	calls map[string]int
}

var _ datasource.DataSource = (*Source)(nil)

func (s *Source) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name]++
}

// Calls returns how many times a method was invoked
func (s *Source) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Source) GetMetrics(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.Metrics, error) {
	s.record("GetMetrics")
	if s.MetricsErr != nil {
		return nil, s.MetricsErr
	}
	if s.Metrics == nil {
		return &models.Metrics{}, nil
	}
	m := *s.Metrics
	return &m, nil
}

func (s *Source) GetRequestLogs(ctx context.Context, w models.Workload, window models.AnalysisWindow) ([]models.RequestRecord, error) {
	s.record("GetRequestLogs")
	if s.RequestsFunc != nil {
		return s.RequestsFunc(w, window)
	}
	if s.RequestsErr != nil {
		return nil, s.RequestsErr
	}
	return append([]models.RequestRecord(nil), s.Requests...), nil
}

func (s *Source) GetServiceRequests(ctx context.Context, namespace string, services []string, window models.AnalysisWindow) ([]models.RequestRecord, error) {
	s.record("GetServiceRequests")
	if s.InboundFunc != nil {
		return s.InboundFunc(namespace, services, window)
	}
	if s.InboundErr != nil {
		return nil, s.InboundErr
	}
	return append([]models.RequestRecord(nil), s.Inbound...), nil
}

func (s *Source) GetBusinessActivity(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.BusinessActivity, error) {
	s.record("GetBusinessActivity")
	if s.BusinessErr != nil {
		return nil, s.BusinessErr
	}
	if s.Business == nil {
		return nil, datasource.ErrNoData
	}
	return s.Business, nil
}

func (s *Source) GetHistoricalEfficiency(ctx context.Context, w models.Workload, days int) (float64, error) {
	s.record("GetHistoricalEfficiency")
	if s.BaselineErr != nil {
		return 0, s.BaselineErr
	}
	if s.Baseline == 0 {
		return 0, datasource.ErrNoData
	}
	return s.Baseline, nil
}

func (s *Source) GetHistoricalPatterns(ctx context.Context, w models.Workload, window models.AnalysisWindow, days int) (float64, error) {
	s.record("GetHistoricalPatterns")
	if s.ExpectedErr != nil {
		return 0, s.ExpectedErr
	}
	if s.Expected == 0 {
		return 0, datasource.ErrNoData
	}
	return s.Expected, nil
}

func (s *Source) GetDependencyHealth(ctx context.Context, dependency string, window models.AnalysisWindow) (bool, error) {
	s.record("GetDependencyHealth")
	if s.DependencyErr != nil {
		return false, s.DependencyErr
	}
	healthy, ok := s.Dependencies[dependency]
	if !ok {
		return false, datasource.ErrNoData
	}
	return healthy, nil
}

func (s *Source) IsAvailable(ctx context.Context) bool { return true }

func (s *Source) Name() string { return "fake" }
