package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// ErrNoData is returned when a query succeeds but has nothing to report,
// for example no 30-day baseline for a workload that is a week old.
var ErrNoData = errors.New("no data")

// DataSource is the metrics and time-series collaborator
type DataSource interface {
	GetMetrics(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.Metrics, error)
	GetRequestLogs(ctx context.Context, workload models.Workload, window models.AnalysisWindow) ([]models.RequestRecord, error)

	// GetServiceRequests counts requests addressed to services as seen by
	// their callers, so it keeps reporting while the workload has no pods.
	GetServiceRequests(ctx context.Context, namespace string, services []string, window models.AnalysisWindow) ([]models.RequestRecord, error)

	GetBusinessActivity(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.BusinessActivity, error)

	// GetHistoricalEfficiency returns the trailing baseline in real requests
	// per hour per CPU core.
	GetHistoricalEfficiency(ctx context.Context, workload models.Workload, days int) (float64, error)

	// GetHistoricalPatterns returns the expected request count for a window
	// of the same length and time of day, averaged over the previous days.
	GetHistoricalPatterns(ctx context.Context, workload models.Workload, window models.AnalysisWindow, days int) (float64, error)

	GetDependencyHealth(ctx context.Context, dependency string, window models.AnalysisWindow) (bool, error)

	IsAvailable(ctx context.Context) bool
	Name() string
}

// MetricsGetter is the subset implemented by instant-only sources
type MetricsGetter interface {
	GetMetrics(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.Metrics, error)
}

type Config struct {
	PrometheusURL    string
	UseMetricsServer bool
	Timeout          time.Duration
}
