// Package analyzer scores how likely a workload is to be idle.
package analyzer

import (
	"context"
	"errors"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/stats"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Thresholds an analysis must exceed to recommend scaling to zero
const (
	ScaleToZeroIdleThreshold       = 95.0
	ScaleToZeroConfidenceThreshold = 90.0
)

// Engine runs the idle scoring pipeline for one workload window
type Engine struct {
	gatherer   *Gatherer
	classifier *RequestClassifier
	combiner   Combiner
	clock      clock.PassiveClock
	logger     *zap.SugaredLogger
}

// Option configures an Engine
type Option func(*Engine)

// WithCombiner replaces the default weighted combiner
func WithCombiner(c Combiner) Option {
	return func(e *Engine) { e.combiner = c }
}

func WithClock(c clock.PassiveClock) Option {
	return func(e *Engine) { e.clock = c }
}

func NewEngine(gatherer *Gatherer, classifier *RequestClassifier, logger *zap.SugaredLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		gatherer:   gatherer,
		classifier: classifier,
		combiner:   DefaultCombiner(),
		clock:      clock.RealClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classifier returns the request classifier the engine scores with
func (e *Engine) Classifier() *RequestClassifier {
	return e.classifier
}

// Analyze gathers the signals for the window and scores them. It fails only
// with InsufficientDataError or a cancelled context.
func (e *Engine) Analyze(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.IdleAnalysis, error) {
	signals, err := e.gatherer.Gather(ctx, w, window)
	if err != nil {
		var insufficient *models.InsufficientDataError
		if errors.As(err, &insufficient) {
			e.logger.Infow("Not enough data to analyze", "workload", w.String(), "reason", insufficient.Reason)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	analysis := e.Score(w, window, signals)
	e.logger.Debugw("Analyzed workload",
		"workload", w.String(),
		"idle", analysis.IdleProbability,
		"confidence", analysis.Confidence,
		"factors", analysis.Factors)
	return analysis, nil
}

// Score computes an analysis from already gathered signals
func (e *Engine) Score(w models.Workload, window models.AnalysisWindow, s *Signals) *models.IdleAnalysis {
	real, total := e.classifier.Count(s.Requests)
	hours := window.Hours()

	var avgCores float64
	var dataPoints int
	var cpuSamples []models.Sample
	if s.Metrics != nil {
		avgCores = s.Metrics.AvgCPUCores()
		dataPoints = s.Metrics.SampleCount
		if len(s.Metrics.CPUSamples) > dataPoints {
			dataPoints = len(s.Metrics.CPUSamples)
		}
		cpuSamples = s.Metrics.CPUSamples
	}

	factors := models.IdleFactorScores{
		Business:   BusinessScore(real, total, s.Business),
		Resource:   ResourceScore(real, avgCores, hours, s.Baseline, s.HasBaseline),
		Temporal:   TemporalScore(float64(real), s.Expected, s.HasPattern),
		Dependency: DependencyScore(s.Dependencies),
	}

	idle := Clamp(e.combiner.CombineScores(factors.Business, factors.Resource, factors.Temporal, factors.Dependency))
	confidence := Confidence(dataPoints, total, hours, cpuSamples)

	action := models.ActionNoAction
	if idle > ScaleToZeroIdleThreshold && confidence > ScaleToZeroConfidenceThreshold {
		action = models.ActionScaleToZero
	}

	return &models.IdleAnalysis{
		Workload:            w,
		Window:              window,
		IdleProbability:     idle,
		Confidence:          confidence,
		Factors:             factors,
		ContributingFactors: Explain(factors),
		UsagePattern:        stats.AnalyzeUsagePattern(cpuSamples).Type,
		RecommendedAction:   action,
		AnalyzedAt:          e.clock.Now(),
	}
}
