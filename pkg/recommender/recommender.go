// Package recommender turns per-pod idle analyses and the safety gate into a
// scaling recommendation for a deployment.
package recommender

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"
)

// Hard cutoffs for scale-to-zero. Both are exclusive.
const (
	IdleThreshold       = 95.0
	ConfidenceThreshold = 90.0
)

// Analyzer scores one pod
type Analyzer interface {
	Analyze(ctx context.Context, w models.Workload, window models.AnalysisWindow) (*models.IdleAnalysis, error)
}

// SafetyValidator gates scale-down
type SafetyValidator interface {
	Validate(ctx context.Context, w models.Workload) models.SafetyCheckResult
}

// PodLister lists the running pods of a workload
type PodLister interface {
	ListPodsForWorkload(ctx context.Context, w models.Workload) ([]corev1.Pod, error)
}

// SavingsEstimator projects the monthly savings of scaling to zero
type SavingsEstimator interface {
	EstimateSavings(ctx context.Context, w models.Workload, pods []corev1.Pod, window models.AnalysisWindow) (float64, error)
}

type Config struct {
	AnalysisWindow time.Duration
	MaxConcurrency int
	CallTimeout    time.Duration
}

type Recommender struct {
	analyzer  Analyzer
	validator SafetyValidator
	pods      PodLister
	savings   SavingsEstimator
	recorder  *metrics.Recorder
	clock     clock.PassiveClock
	config    Config
	logger    *zap.SugaredLogger
}

// New creates a recommender. savings and recorder may be nil.
func New(analyzer Analyzer, validator SafetyValidator, pods PodLister, savings SavingsEstimator, recorder *metrics.Recorder, cfg Config, logger *zap.SugaredLogger) *Recommender {
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = 24 * time.Hour
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recommender{
		analyzer:  analyzer,
		validator: validator,
		pods:      pods,
		savings:   savings,
		recorder:  recorder,
		clock:     clock.RealClock{},
		config:    cfg,
		logger:    logger,
	}
}

// WithClock replaces the clock used for windows and timestamps
func (r *Recommender) WithClock(c clock.PassiveClock) *Recommender {
	r.clock = c
	return r
}

// Recommend analyzes every pod of the workload and decides whether it can
// be scaled to zero
func (r *Recommender) Recommend(ctx context.Context, w models.Workload) (*models.ScalingRecommendation, error) {
	now := r.clock.Now()
	window := models.NewAnalysisWindow(now, r.config.AnalysisWindow)
	rec := &models.ScalingRecommendation{
		Workload:  w,
		Action:    models.ActionNoAction,
		CreatedAt: now,
	}

	rec.Safety = r.validator.Validate(ctx, w)
	if !rec.Safety.IsSafe {
		rec.Reason = rec.Safety.Reason
		rec.Confidence = 0
		r.recorder.ObserveSafetyFailure(rec.Safety.Check)
		r.recorder.ObserveRecommendation(string(rec.Action))
		return rec, nil
	}

	cctx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	pods, err := r.pods.ListPodsForWorkload(cctx, w)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for %s: %w", w, err)
	}
	rec.PodCount = len(pods)
	if len(pods) == 0 {
		rec.Reason = "no running pods"
		r.recorder.ObserveRecommendation(string(rec.Action))
		return rec, nil
	}

	analyses, err := r.analyzePods(ctx, w, pods, window)
	if err != nil {
		return nil, err
	}

	meanIdle, minConfidence := Aggregate(analyses)
	rec.IdleProbability = meanIdle
	rec.Confidence = minConfidence
	rec.Action, rec.Reason = Decide(meanIdle, minConfidence)

	if rec.Action == models.ActionScaleToZero {
		rec.TriggerSpec = httpTrigger(w)
		if r.savings != nil {
			savings, err := r.savings.EstimateSavings(ctx, w, pods, window)
			if err != nil {
				r.logger.Warnw("Cannot estimate savings", "workload", w.String(), zap.Error(err))
			} else {
				rec.EstimatedSavings = &savings
			}
		}
	}

	r.recorder.ObserveRecommendation(string(rec.Action))
	r.logger.Infow("Recommendation ready",
		"workload", w.String(),
		"action", rec.Action,
		"idle", meanIdle,
		"confidence", minConfidence,
		"pods", len(pods))
	return rec, nil
}

// analyzePods fans out one analysis per pod. A failed pod analysis counts
// as not idle with no confidence and never aborts the others.
func (r *Recommender) analyzePods(ctx context.Context, w models.Workload, pods []corev1.Pod, window models.AnalysisWindow) ([]*models.IdleAnalysis, error) {
	analyses := make([]*models.IdleAnalysis, len(pods))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.config.MaxConcurrency)
	for i, pod := range pods {
		eg.Go(func() error {
			podID := models.NewPod(pod.Namespace, pod.Name, w.ClusterID)
			analysis, err := r.analyzer.Analyze(gctx, podID, window)
			if err != nil {
				result := "error"
				var insufficient *models.InsufficientDataError
				if errors.As(err, &insufficient) {
					result = "insufficient_data"
				}
				r.recorder.ObserveAnalysis(result)
				r.logger.Warnw("Pod analysis failed, treating pod as busy", "workload", w.String(), "pod", pod.Name, zap.Error(err))
				analyses[i] = conservative(podID, window, err)
				return nil
			}
			r.recorder.ObserveAnalysis("ok")
			analyses[i] = analysis
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return analyses, nil
}

func conservative(w models.Workload, window models.AnalysisWindow, err error) *models.IdleAnalysis {
	return &models.IdleAnalysis{
		Workload:            w,
		Window:              window,
		IdleProbability:     0,
		Confidence:          0,
		ContributingFactors: []string{fmt.Sprintf("analysis failed: %v", err)},
		RecommendedAction:   models.ActionNoAction,
	}
}

// Aggregate returns the mean idle probability and the minimum confidence.
// One unsure pod is enough to make the whole workload unsure.
func Aggregate(analyses []*models.IdleAnalysis) (meanIdle, minConfidence float64) {
	if len(analyses) == 0 {
		return 0, 0
	}
	minConfidence = math.Inf(1)
	var sum float64
	for _, a := range analyses {
		sum += a.IdleProbability
		minConfidence = math.Min(minConfidence, a.Confidence)
	}
	return sum / float64(len(analyses)), minConfidence
}

// Decide applies the scale-to-zero thresholds
func Decide(meanIdle, minConfidence float64) (models.ScalingAction, string) {
	var unmet []string
	if !(meanIdle > IdleThreshold) {
		unmet = append(unmet, fmt.Sprintf("idle probability %.2f%% is not above %.0f%%", meanIdle, IdleThreshold))
	}
	if !(minConfidence > ConfidenceThreshold) {
		unmet = append(unmet, fmt.Sprintf("confidence %.2f%% is not above %.0f%%", minConfidence, ConfidenceThreshold))
	}
	if len(unmet) > 0 {
		return models.ActionNoAction, strings.Join(unmet, "; ")
	}
	return models.ActionScaleToZero, fmt.Sprintf("workload is idle (%.2f%% idle probability, %.2f%% confidence)", meanIdle, minConfidence)
}

// httpTrigger wakes the workload on the first request to its service
func httpTrigger(w models.Workload) *models.TriggerSpec {
	return &models.TriggerSpec{
		Type: "http",
		Metadata: map[string]string{
			"namespace":   w.Namespace,
			"deployment":  w.Name,
			"targetValue": "1",
		},
	}
}
