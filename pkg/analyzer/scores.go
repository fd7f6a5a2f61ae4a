package analyzer

import (
	"math"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// Fallback scores used when a signal is missing
const (
	NeutralScore = 50.0
	FullyIdle    = 100.0

	minCPUCores = 0.001
)

// BusinessScore scores how little of the traffic is real business traffic.
// A known revenue correlation scales the result.
func BusinessScore(real, total int, activity *models.BusinessActivity) float64 {
	if total == 0 {
		return FullyIdle
	}
	factor := 1.0
	if activity != nil && activity.RevenueCorrelation != nil {
		factor = *activity.RevenueCorrelation
	}
	ratio := float64(real) / float64(total)
	return Clamp((1 - ratio) * factor * 100)
}

// RequestsPerCoreHour is the efficiency unit shared with the historical
// baseline: real requests per hour per CPU core
func RequestsPerCoreHour(real int, avgCPUCores, hours float64) float64 {
	if hours <= 0 {
		hours = 1
	}
	return float64(real) / hours / math.Max(avgCPUCores, minCPUCores)
}

// ResourceScore compares current efficiency with the historical baseline
func ResourceScore(real int, avgCPUCores, hours, baseline float64, hasBaseline bool) float64 {
	if real == 0 {
		return FullyIdle
	}
	if !hasBaseline || baseline <= 0 {
		return NeutralScore
	}
	current := RequestsPerCoreHour(real, avgCPUCores, hours)
	return Clamp((1 - current/baseline) * 100)
}

// TemporalScore buckets current activity against what history expects for
// the same time of day
func TemporalScore(current, expected float64, hasHistory bool) float64 {
	if !hasHistory || expected <= 0 {
		return NeutralScore
	}
	ratio := current / expected
	switch {
	case ratio < 0.1:
		return 90
	case ratio < 0.3:
		return 70
	case ratio < 0.7:
		return 30
	default:
		return 10
	}
}

// DependencyScore is the healthy share of the declared dependencies.
// Healthy dependencies raise the score; with none declared it is 0.
func DependencyScore(deps []models.DependencyStatus) float64 {
	if len(deps) == 0 {
		return 0
	}
	healthy := 0
	for _, d := range deps {
		if d.Healthy {
			healthy++
		}
	}
	return Clamp(float64(healthy) / float64(len(deps)) * 100)
}

// Clamp limits v to [0,100]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
