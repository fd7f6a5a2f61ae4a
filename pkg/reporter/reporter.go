package reporter

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// ReportFormat represents the output format
type ReportFormat string

const (
	FormatHTML     ReportFormat = "html"
	FormatMarkdown ReportFormat = "markdown"
	FormatCSV      ReportFormat = "csv"
)

// Report contains all data for generating reports
type Report struct {
	ClusterName      string
	Namespace        string
	GeneratedAt      time.Time
	Recommendations  []*models.ScalingRecommendation
	TotalSavings     float64
	WorkloadCount    int
	ScaleToZeroCount int
	BlockedBySafety  int
	NamespaceStats   []*NamespaceStats
}

// NamespaceStats holds statistics per namespace
type NamespaceStats struct {
	Namespace       string
	WorkloadCount   int
	ScaleToZero     int
	TotalSavings    float64
	AvgIdle         float64
	BlockedBySafety int
}

// Reporter generates idle workload reports
type Reporter struct {
	format ReportFormat
}

// New creates a new reporter
func New(format ReportFormat) *Reporter {
	return &Reporter{
		format: format,
	}
}

// Generate builds a report from recommendations
func (r *Reporter) Generate(recommendations []*models.ScalingRecommendation, clusterName, namespace string) *Report {
	report := &Report{
		ClusterName:     clusterName,
		Namespace:       namespace,
		GeneratedAt:     time.Now(),
		Recommendations: recommendations,
	}
	calculateStats(report)
	return report
}

// Write renders the report in the reporter's format
func (r *Reporter) Write(report *Report, w io.Writer) error {
	switch r.format {
	case FormatCSV:
		return GenerateCSV(report, w)
	case FormatMarkdown:
		return GenerateMarkdown(report, w)
	case FormatHTML:
		return GenerateHTML(report, w)
	default:
		return fmt.Errorf("unknown report format: %s", r.format)
	}
}

// calculateStats computes all statistics for the report
func calculateStats(report *Report) {
	byNamespace := make(map[string]*NamespaceStats)
	idleSum := make(map[string]float64)

	for _, rec := range report.Recommendations {
		report.WorkloadCount++

		ns := rec.Workload.Namespace
		stat, ok := byNamespace[ns]
		if !ok {
			stat = &NamespaceStats{Namespace: ns}
			byNamespace[ns] = stat
		}
		stat.WorkloadCount++
		idleSum[ns] += rec.IdleProbability

		if !rec.Safety.IsSafe {
			report.BlockedBySafety++
			stat.BlockedBySafety++
		}
		if rec.ShouldExecute() {
			report.ScaleToZeroCount++
			stat.ScaleToZero++
			if rec.EstimatedSavings != nil {
				report.TotalSavings += *rec.EstimatedSavings
				stat.TotalSavings += *rec.EstimatedSavings
			}
		}
	}

	for ns, stat := range byNamespace {
		stat.AvgIdle = idleSum[ns] / float64(stat.WorkloadCount)
		report.NamespaceStats = append(report.NamespaceStats, stat)
	}
	sort.Slice(report.NamespaceStats, func(i, j int) bool {
		return report.NamespaceStats[i].Namespace < report.NamespaceStats[j].Namespace
	})
}

func savings(rec *models.ScalingRecommendation) string {
	if rec.EstimatedSavings == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *rec.EstimatedSavings)
}
