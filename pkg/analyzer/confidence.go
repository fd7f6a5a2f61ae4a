package analyzer

import (
	"math"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/stats"
)

const (
	minConfidence = 50.0
	maxConfidence = 99.0
)

// Confidence grades how much data backs an analysis, then nudges the grade
// by up to 10 points for a steady or erratic CPU series
func Confidence(dataPoints, requests int, hours float64, cpuSamples []models.Sample) float64 {
	var base float64
	switch {
	case dataPoints > 1000 && requests > 100 && hours > 24:
		base = 95
	case dataPoints > 500 && requests > 50 && hours > 12:
		base = 85
	case dataPoints > 100 && requests > 10 && hours > 6:
		base = 75
	default:
		base = 60
	}

	if consistency, ok := stats.PatternConsistency(cpuSamples); ok {
		base += (consistency - 0.5) * 20
	}

	return math.Max(minConfidence, math.Min(maxConfidence, base))
}
