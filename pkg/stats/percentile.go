package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// Percentiles contains statistical percentiles
type Percentiles struct {
	Average float64
	P50     float64
	P90     float64
	P95     float64
	P99     float64
	Peak    float64
	Min     float64
}

// UsagePattern describes usage behavior
type UsagePattern struct {
	Type       string  // "steady", "moderate", "spiky", "highly-variable", "unknown"
	Variation  float64 // Coefficient of variation
	Confidence float64 // How confident we are (0-1)
}

// MinPatternSamples is the smallest series a pattern is derived from
const MinPatternSamples = 10

// CalculatePercentiles computes P50, P90, P95, P99, and peak from samples
func CalculatePercentiles(samples []models.Sample) (*Percentiles, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples provided")
	}

	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	sort.Float64s(values)

	return &Percentiles{
		Average: Mean(values),
		P50:     calculatePercentile(values, 50),
		P90:     calculatePercentile(values, 90),
		P95:     calculatePercentile(values, 95),
		P99:     calculatePercentile(values, 99),
		Peak:    values[len(values)-1],
		Min:     values[0],
	}, nil
}

// calculatePercentile computes the Nth percentile using linear interpolation
func calculatePercentile(sortedValues []float64, percentile float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}
	if len(sortedValues) == 1 {
		return sortedValues[0]
	}

	n := float64(len(sortedValues))
	rank := (percentile / 100.0) * (n - 1)

	lowerIndex := int(math.Floor(rank))
	upperIndex := int(math.Ceil(rank))
	if lowerIndex == upperIndex {
		return sortedValues[lowerIndex]
	}

	lowerValue := sortedValues[lowerIndex]
	upperValue := sortedValues[upperIndex]
	fraction := rank - float64(lowerIndex)

	return lowerValue + (upperValue-lowerValue)*fraction
}

// Mean computes the mean of values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CalculateCoefficientOfVariation measures the relative variability
// High CV (>0.5) = spiky workload
// Low CV (<0.2) = steady workload
func CalculateCoefficientOfVariation(samples []models.Sample) float64 {
	if len(samples) < 2 {
		return 0
	}

	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}

	mean := Mean(values)
	if mean == 0 {
		return 0
	}

	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	variance := sumSquaredDiff / float64(len(values))
	return math.Sqrt(variance) / mean
}

// AnalyzeUsagePattern determines if workload is steady or spiky
func AnalyzeUsagePattern(samples []models.Sample) UsagePattern {
	if len(samples) < MinPatternSamples {
		return UsagePattern{Type: "unknown"}
	}

	cv := CalculateCoefficientOfVariation(samples)

	var patternType string
	var confidence float64

	if cv < 0.15 {
		patternType = "steady"
		confidence = 0.95
	} else if cv < 0.35 {
		patternType = "moderate"
		confidence = 0.85
	} else if cv < 0.70 {
		patternType = "spiky"
		confidence = 0.80
	} else {
		patternType = "highly-variable"
		confidence = 0.75
	}

	return UsagePattern{
		Type:       patternType,
		Variation:  cv,
		Confidence: confidence,
	}
}

// PatternConsistency maps a series onto [0,1], 1 being perfectly steady.
// ok is false when the series is too short to judge.
func PatternConsistency(samples []models.Sample) (consistency float64, ok bool) {
	if len(samples) < MinPatternSamples {
		return 0, false
	}
	cv := CalculateCoefficientOfVariation(samples)
	return 1 - math.Min(cv, 1), true
}
