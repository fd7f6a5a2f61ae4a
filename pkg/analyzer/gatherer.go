package analyzer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/datasource"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DependencyResolver lists the dependencies a workload declares
type DependencyResolver interface {
	DependenciesFor(ctx context.Context, w models.Workload) ([]string, error)
}

// Signals is everything gathered for one workload window. Missing signals
// keep their zero value and the fetch error is kept in Errors.
type Signals struct {
	Metrics      *models.Metrics
	Requests     []models.RequestRecord
	Business     *models.BusinessActivity
	Baseline     float64
	HasBaseline  bool
	Expected     float64
	HasPattern   bool
	Dependencies []models.DependencyStatus
	Errors       map[string]error
}

func (s *Signals) hasMetrics() bool {
	return s.Metrics != nil && (s.Metrics.SampleCount > 0 || len(s.Metrics.CPUSamples) > 0)
}

// GathererConfig sets the history horizons and the per-call timeout
type GathererConfig struct {
	BaselineDays int
	PatternDays  int
	CallTimeout  time.Duration
}

// Gatherer pulls every signal for a workload window concurrently
type Gatherer struct {
	source datasource.DataSource
	deps   DependencyResolver
	config GathererConfig
	logger *zap.SugaredLogger
}

func NewGatherer(source datasource.DataSource, deps DependencyResolver, config GathererConfig, logger *zap.SugaredLogger) *Gatherer {
	if config.BaselineDays <= 0 {
		config.BaselineDays = 30
	}
	if config.PatternDays <= 0 {
		config.PatternDays = 90
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gatherer{source: source, deps: deps, config: config, logger: logger}
}

// Gather fetches all signals. A failed fetch never aborts the others; it
// only returns InsufficientDataError when there are neither metrics nor
// requests to analyze.
func (g *Gatherer) Gather(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*Signals, error) {
	signals := &Signals{Errors: make(map[string]error)}
	var mu sync.Mutex
	fail := func(name string, err error) {
		mu.Lock()
		signals.Errors[name] = err
		mu.Unlock()
		if !errors.Is(err, datasource.ErrNoData) {
			g.logger.Debugw("Signal unavailable", "workload", w.String(), "signal", name, zap.Error(err))
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		m, err := g.source.GetMetrics(cctx, w, window)
		if err != nil {
			fail("metrics", err)
			return nil
		}
		signals.Metrics = m
		return nil
	})

	eg.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		records, err := g.source.GetRequestLogs(cctx, w, window)
		if err != nil {
			fail("requests", err)
			return nil
		}
		signals.Requests = records
		return nil
	})

	eg.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		activity, err := g.source.GetBusinessActivity(cctx, w, window)
		if err != nil {
			fail("business", err)
			return nil
		}
		signals.Business = activity
		return nil
	})

	eg.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		baseline, err := g.source.GetHistoricalEfficiency(cctx, w, g.config.BaselineDays)
		if err != nil {
			fail("baseline", err)
			return nil
		}
		signals.Baseline, signals.HasBaseline = baseline, true
		return nil
	})

	eg.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		defer cancel()
		expected, err := g.source.GetHistoricalPatterns(cctx, w, window, g.config.PatternDays)
		if err != nil {
			fail("pattern", err)
			return nil
		}
		signals.Expected, signals.HasPattern = expected, true
		return nil
	})

	eg.Go(func() error {
		statuses, err := g.dependencies(ctx, w, window)
		if err != nil {
			fail("dependencies", err)
		}
		signals.Dependencies = statuses
		return nil
	})

	_ = eg.Wait()

	if !signals.hasMetrics() && len(signals.Requests) == 0 {
		return signals, &models.InsufficientDataError{
			Workload: w,
			Reason:   "no metrics and no requests in the analysis window",
		}
	}
	return signals, nil
}

// dependencies resolves the declared dependencies and probes each one.
// A probe that fails counts the dependency as unhealthy.
func (g *Gatherer) dependencies(ctx context.Context, w models.Workload, window models.AnalysisWindow) ([]models.DependencyStatus, error) {
	if g.deps == nil {
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	names, err := g.deps.DependenciesFor(cctx, w)
	cancel()
	if err != nil {
		return nil, err
	}

	statuses := make([]models.DependencyStatus, len(names))
	eg, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
			defer cancel()
			healthy, err := g.source.GetDependencyHealth(cctx, name, window)
			if err != nil {
				g.logger.Debugw("Dependency health unknown", "workload", w.String(), "dependency", name, zap.Error(err))
				healthy = false
			}
			statuses[i] = models.DependencyStatus{Name: name, Healthy: healthy}
			return nil
		})
	}
	_ = eg.Wait()
	return statuses, nil
}
