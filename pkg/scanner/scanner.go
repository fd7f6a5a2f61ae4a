package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// WorkloadLister enumerates the deployments to scan
type WorkloadLister interface {
	ListDeployments(ctx context.Context, namespace string) ([]models.Workload, error)
	ListNamespaces(ctx context.Context) ([]string, error)
}

// Recommender produces a recommendation for one deployment
type Recommender interface {
	Recommend(ctx context.Context, w models.Workload) (*models.ScalingRecommendation, error)
}

// Result is the outcome of one scan
type Result struct {
	Namespaces      []string
	Recommendations []*models.ScalingRecommendation
	// Errors is keyed by namespace or workload
	Errors    map[string]error
	StartedAt time.Time
	Duration  time.Duration
}

// ScaleToZero returns the recommendations that ask for a scale-down
func (r *Result) ScaleToZero() []*models.ScalingRecommendation {
	var out []*models.ScalingRecommendation
	for _, rec := range r.Recommendations {
		if rec.ShouldExecute() {
			out = append(out, rec)
		}
	}
	return out
}

type Scanner struct {
	lister         WorkloadLister
	recommender    Recommender
	maxConcurrency int
	logger         *zap.SugaredLogger
}

func New(lister WorkloadLister, recommender Recommender, maxConcurrency int, logger *zap.SugaredLogger) *Scanner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scanner{
		lister:         lister,
		recommender:    recommender,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// Scan recommends every deployment in namespace, or in every namespace when
// allNamespaces is set. A namespace or workload that fails is recorded in
// Result.Errors and does not stop the scan.
func (s *Scanner) Scan(ctx context.Context, namespace string, allNamespaces bool) (*Result, error) {
	result := &Result{
		Errors:    make(map[string]error),
		StartedAt: time.Now(),
	}

	namespaces := []string{namespace}
	if allNamespaces {
		all, err := s.lister.ListNamespaces(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list namespaces: %w", err)
		}
		namespaces = all
		s.logger.Infow("Scanning namespaces", "count", len(namespaces))
	} else {
		s.logger.Infow("Scanning namespace", "namespace", namespace)
	}
	result.Namespaces = namespaces

	var workloads []models.Workload
	for _, ns := range namespaces {
		deployments, err := s.lister.ListDeployments(ctx, ns)
		if err != nil {
			s.logger.Warnw("Error scanning namespace", "namespace", ns, "error", err)
			result.Errors[ns] = err
			continue
		}
		workloads = append(workloads, deployments...)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for _, w := range workloads {
		g.Go(func() error {
			rec, err := s.recommender.Recommend(gctx, w)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warnw("Failed to recommend", "workload", w.String(), "error", err)
				result.Errors[w.String()] = err
				return nil
			}
			result.Recommendations = append(result.Recommendations, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result.Recommendations, func(i, j int) bool {
		return result.Recommendations[i].Workload.String() < result.Recommendations[j].Workload.String()
	})
	result.Duration = time.Since(result.StartedAt)

	s.logger.Infow("Scan finished",
		"workloads", len(workloads),
		"recommendations", len(result.Recommendations),
		"scale_to_zero", len(result.ScaleToZero()),
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	return result, nil
}
