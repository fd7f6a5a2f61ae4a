package datasource

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/stats"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// QueryConfig names the series the Prometheus source reads
type QueryConfig struct {
	// RequestMetric is a counter labelled with path, user agent and source IP
	RequestMetric  string
	PathLabel      string
	UserAgentLabel string
	SourceIPLabel  string

	// InboundMetric counts requests addressed to a service. It is reported
	// by the caller's side (mesh sidecar or ingress) so the series keeps
	// moving while the destination has no pods.
	InboundMetric         string
	InboundNamespaceLabel string
	InboundServiceLabel   string
	// InboundMatchers are extra label matchers, for example the reporter
	InboundMatchers string
	// Optional labels carried into the records; empty labels are not grouped
	InboundPathLabel      string
	InboundUserAgentLabel string
	InboundSourceLabel    string

	BusinessMetric string
	RevenueMetric  string

	// DependencyLabel selects a dependency's targets in the "up" series
	DependencyLabel string
	HealthyUpRatio  float64

	NoisePaths []string
	Step       time.Duration
}

// DefaultQueryConfig returns the metric names used by the bundled dashboards
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		RequestMetric:         "http_requests_total",
		PathLabel:             "path",
		UserAgentLabel:        "user_agent",
		SourceIPLabel:         "source_ip",
		InboundMetric:         "istio_requests_total",
		InboundNamespaceLabel: "destination_service_namespace",
		InboundServiceLabel:   "destination_service_name",
		InboundMatchers:       `reporter="source"`,
		BusinessMetric:        "business_transactions_total",
		RevenueMetric:         "business_revenue_correlation",
		DependencyLabel:       "service",
		HealthyUpRatio:        0.95,
		NoisePaths:            []string{"/health", "/ping", "/metrics", "/status", "/ready", "/live"},
		Step:                  5 * time.Minute,
	}
}

// PrometheusSource reads every signal from a Prometheus server
type PrometheusSource struct {
	client   v1.API
	url      string
	queries  QueryConfig
	fallback MetricsGetter
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewPrometheusSource(url string, queries QueryConfig, logger *zap.SugaredLogger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if queries.Step <= 0 {
		queries.Step = 5 * time.Minute
	}

	return &PrometheusSource{
		client:  v1.NewAPI(client),
		url:     url,
		queries: queries,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithMetricsFallback sets the source consulted when Prometheus has no CPU samples
func (p *PrometheusSource) WithMetricsFallback(fallback MetricsGetter) *PrometheusSource {
	p.fallback = fallback
	return p
}

// podSelector matches the pods of a workload. Deployment pods are named
// <deployment>-<replicaset hash>-<pod hash>.
func podSelector(w models.Workload) string {
	if w.Kind == models.KindPod {
		return fmt.Sprintf(`namespace=%q,pod=%q`, w.Namespace, w.Name)
	}
	return fmt.Sprintf(`namespace=%q,pod=~%q`, w.Namespace, regexp.QuoteMeta(w.Name)+"-[a-z0-9]+-[a-z0-9]+")
}

// realTrafficSelector drops the noise paths so baselines count business traffic only
func (p *PrometheusSource) realTrafficSelector(w models.Workload) string {
	sel := podSelector(w)
	if len(p.queries.NoisePaths) == 0 {
		return sel
	}
	quoted := make([]string, len(p.queries.NoisePaths))
	for i, path := range p.queries.NoisePaths {
		quoted[i] = regexp.QuoteMeta(path)
	}
	re := fmt.Sprintf("(%s)(/.*)?", strings.Join(quoted, "|"))
	return fmt.Sprintf(`%s,%s!~%q`, sel, p.queries.PathLabel, re)
}

// promDuration renders a range selector covering at least d, rounded up to
// whole seconds so a range never reaches back before the window start by
// more than a second
func promDuration(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return model.Duration(d).String()
}

// GetMetrics retrieves CPU and memory usage over the window
func (p *PrometheusSource) GetMetrics(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.Metrics, error) {
	sel := podSelector(workload)
	r := v1.Range{Start: window.Start, End: window.End, Step: p.queries.Step}

	cpuQuery := fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{%s,container!="",container!="POD"}[5m]))`, sel)
	cpuSamples, err := p.queryRange(ctx, cpuQuery, r)
	if err != nil {
		return nil, fmt.Errorf("CPU query failed: %w", err)
	}

	if len(cpuSamples) == 0 && p.fallback != nil {
		p.logger.Debugw("No CPU samples in Prometheus, using fallback", "workload", workload.String())
		return p.fallback.GetMetrics(ctx, workload, window)
	}

	// cores to millicores
	for i := range cpuSamples {
		cpuSamples[i].Value *= 1000
	}

	memQuery := fmt.Sprintf(`sum(container_memory_working_set_bytes{%s,container!="",container!="POD"})`, sel)
	memSamples, err := p.queryRange(ctx, memQuery, r)
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}

	// Requests from kube-state-metrics; missing means unknown, not an error
	reqCPU, err := p.querySingle(ctx, fmt.Sprintf(`sum(kube_pod_container_resource_requests{%s,resource="cpu"})`, sel), window.End)
	if err != nil {
		reqCPU = 0
	}
	reqMem, err := p.querySingle(ctx, fmt.Sprintf(`sum(kube_pod_container_resource_requests{%s,resource="memory"})`, sel), window.End)
	if err != nil {
		reqMem = 0
	}

	metrics := &models.Metrics{
		RequestedCPU:    int64(reqCPU * 1000),
		RequestedMemory: int64(reqMem),
		CPUSamples:      cpuSamples,
		SampleCount:     len(cpuSamples) + len(memSamples),
		CollectedAt:     p.now(),
		Duration:        window.Duration(),
		Source:          p.Name(),
	}

	if cpu, err := stats.CalculatePercentiles(cpuSamples); err == nil {
		metrics.AvgCPU = int64(cpu.Average)
		metrics.P95CPU = int64(cpu.P95)
		metrics.MaxCPU = int64(cpu.Peak)
	}
	if mem, err := stats.CalculatePercentiles(memSamples); err == nil {
		metrics.AvgMemory = int64(mem.Average)
		metrics.P95Memory = int64(mem.P95)
		metrics.MaxMemory = int64(mem.Peak)
	}

	return metrics, nil
}

// GetRequestLogs returns one record per (path, agent, source) series of the
// window, weighted by the series' request count and stamped at the end of
// the window.
func (p *PrometheusSource) GetRequestLogs(ctx context.Context, workload models.Workload, window models.AnalysisWindow) ([]models.RequestRecord, error) {
	q := p.queries
	query := fmt.Sprintf(`sum by (%s,%s,%s) (increase(%s{%s}[%s]))`,
		q.PathLabel, q.UserAgentLabel, q.SourceIPLabel,
		q.RequestMetric, podSelector(workload), promDuration(window.Duration()))

	vector, err := p.queryVector(ctx, query, window.End)
	if err != nil {
		return nil, err
	}
	return weightedRecords(vector, q.PathLabel, q.UserAgentLabel, q.SourceIPLabel, window.End), nil
}

// GetServiceRequests counts the requests addressed to the named services
// in the window. The counter is read from the calling side so requests that
// found no pod to serve them are counted too.
func (p *PrometheusSource) GetServiceRequests(ctx context.Context, namespace string, services []string, window models.AnalysisWindow) ([]models.RequestRecord, error) {
	if len(services) == 0 {
		return nil, nil
	}
	q := p.queries

	quoted := make([]string, len(services))
	for i, svc := range services {
		quoted[i] = regexp.QuoteMeta(svc)
	}
	sel := fmt.Sprintf(`%s=%q,%s=~%q`, q.InboundNamespaceLabel, namespace, q.InboundServiceLabel, strings.Join(quoted, "|"))
	if q.InboundMatchers != "" {
		sel += "," + q.InboundMatchers
	}

	var by []string
	for _, label := range []string{q.InboundPathLabel, q.InboundUserAgentLabel, q.InboundSourceLabel} {
		if label != "" {
			by = append(by, label)
		}
	}
	query := fmt.Sprintf(`sum by (%s) (increase(%s{%s}[%s]))`,
		strings.Join(by, ","), q.InboundMetric, sel, promDuration(window.Duration()))

	vector, err := p.queryVector(ctx, query, window.End)
	if err != nil {
		return nil, err
	}
	return weightedRecords(vector, q.InboundPathLabel, q.InboundUserAgentLabel, q.InboundSourceLabel, window.End), nil
}

// weightedRecords turns counter increases into records. Series that round
// to zero requests are dropped.
func weightedRecords(vector model.Vector, pathLabel, agentLabel, sourceLabel string, at time.Time) []models.RequestRecord {
	label := func(m model.Metric, name string) string {
		if name == "" {
			return ""
		}
		return string(m[model.LabelName(name)])
	}

	records := make([]models.RequestRecord, 0, len(vector))
	for _, sample := range vector {
		v := float64(sample.Value)
		if math.IsNaN(v) {
			continue
		}
		count := int(math.Round(v))
		if count < 1 {
			continue
		}
		records = append(records, models.RequestRecord{
			Path:      label(sample.Metric, pathLabel),
			UserAgent: label(sample.Metric, agentLabel),
			SourceIP:  label(sample.Metric, sourceLabel),
			Timestamp: at,
			Count:     count,
		})
	}
	return records
}

// GetBusinessActivity sums business transactions and reads the optional revenue signal
func (p *PrometheusSource) GetBusinessActivity(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.BusinessActivity, error) {
	sel := podSelector(workload)
	dur := promDuration(window.Duration())

	tx, err := p.querySingle(ctx, fmt.Sprintf(`sum(increase(%s{%s}[%s]))`, p.queries.BusinessMetric, sel, dur), window.End)
	if err != nil {
		return nil, err
	}

	activity := &models.BusinessActivity{Transactions: tx}
	if p.queries.RevenueMetric != "" {
		revenue, err := p.querySingle(ctx, fmt.Sprintf(`avg(avg_over_time(%s{%s}[%s]))`, p.queries.RevenueMetric, sel, dur), window.End)
		if err == nil {
			activity.RevenueCorrelation = &revenue
		}
	}
	return activity, nil
}

// GetHistoricalEfficiency returns the trailing requests per hour per CPU core
func (p *PrometheusSource) GetHistoricalEfficiency(ctx context.Context, workload models.Workload, days int) (float64, error) {
	end := p.now()
	span := time.Duration(days) * 24 * time.Hour
	dur := promDuration(span)

	requests, err := p.querySingle(ctx, fmt.Sprintf(`sum(increase(%s{%s}[%s]))`,
		p.queries.RequestMetric, p.realTrafficSelector(workload), dur), end)
	if err != nil {
		return 0, err
	}

	cpu, err := p.querySingle(ctx, fmt.Sprintf(
		`avg_over_time(sum(rate(container_cpu_usage_seconds_total{%s,container!="",container!="POD"}[5m]))[%s:1h])`,
		podSelector(workload), dur), end)
	if err != nil {
		return 0, err
	}
	if cpu <= 0 || requests <= 0 {
		return 0, ErrNoData
	}

	return requests / span.Hours() / cpu, nil
}

// GetHistoricalPatterns evaluates the request count of a window-sized range
// once per day at the same time of day and averages the results.
func (p *PrometheusSource) GetHistoricalPatterns(ctx context.Context, workload models.Workload, window models.AnalysisWindow, days int) (float64, error) {
	if days < 1 {
		return 0, ErrNoData
	}
	query := fmt.Sprintf(`sum(increase(%s{%s}[%s]))`,
		p.queries.RequestMetric, p.realTrafficSelector(workload), promDuration(window.Duration()))

	r := v1.Range{
		Start: window.End.Add(-time.Duration(days) * 24 * time.Hour),
		End:   window.End.Add(-24 * time.Hour),
		Step:  24 * time.Hour,
	}
	samples, err := p.queryRange(ctx, query, r)
	if err != nil {
		return 0, err
	}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if !math.IsNaN(s.Value) {
			values = append(values, s.Value)
		}
	}
	if len(values) == 0 {
		return 0, ErrNoData
	}
	return stats.Mean(values), nil
}

// GetDependencyHealth reports whether a dependency's targets were up for
// at least HealthyUpRatio of the window.
func (p *PrometheusSource) GetDependencyHealth(ctx context.Context, dependency string, window models.AnalysisWindow) (bool, error) {
	query := fmt.Sprintf(`avg(avg_over_time(up{%s=%q}[%s]))`,
		p.queries.DependencyLabel, dependency, promDuration(window.Duration()))
	ratio, err := p.querySingle(ctx, query, window.End)
	if err != nil {
		return false, err
	}
	return ratio >= p.queries.HealthyUpRatio, nil
}

func (p *PrometheusSource) queryVector(ctx context.Context, query string, at time.Time) (model.Vector, error) {
	p.logger.Debugw("Prometheus query", "query", query, "time", at)

	result, warnings, err := p.client.Query(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warnw("Prometheus returned warnings", "query", query, "warnings", warnings)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T for query: %s", result, query)
	}
	return vector, nil
}

func (p *PrometheusSource) querySingle(ctx context.Context, query string, at time.Time) (float64, error) {
	vector, err := p.queryVector(ctx, query, at)
	if err != nil {
		return 0, err
	}
	if len(vector) == 0 {
		return 0, fmt.Errorf("%w for query: %s", ErrNoData, query)
	}

	// Sum all values (in case multiple containers per pod)
	sum := 0.0
	for _, sample := range vector {
		sum += float64(sample.Value)
	}
	return sum, nil
}

func (p *PrometheusSource) queryRange(ctx context.Context, query string, r v1.Range) ([]models.Sample, error) {
	p.logger.Debugw("Prometheus range query", "query", query, "start", r.Start, "end", r.End, "step", r.Step)

	result, warnings, err := p.client.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warnw("Prometheus returned warnings", "query", query, "warnings", warnings)
	}
	return parsePrometheusResult(result)
}

// parsePrometheusResult flattens a matrix into samples
func parsePrometheusResult(result model.Value) ([]models.Sample, error) {
	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}

	var samples []models.Sample
	for _, series := range matrix {
		for _, value := range series.Values {
			samples = append(samples, models.Sample{
				Timestamp: value.Timestamp.Time(),
				Value:     float64(value.Value),
			})
		}
	}
	return samples, nil
}

func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "up", p.now())
	return err == nil
}

func (p *PrometheusSource) Name() string {
	return "Prometheus"
}
