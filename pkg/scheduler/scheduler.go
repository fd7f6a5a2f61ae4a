package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opscart/k8s-idle-optimizer/pkg/converter"
	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/scanner"
)

type Scanner interface {
	Scan(ctx context.Context, namespace string, allNamespaces bool) (*scanner.Result, error)
}

type RecommendationStore interface {
	SaveRecommendation(ctx context.Context, rec *models.Recommendation) error
}

type Executor interface {
	ExecuteAsync(ctx context.Context, rec *models.ScalingRecommendation) (executor.Handle, error)
	Recover(ctx context.Context) (*executor.RecoveryReport, error)
}

type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 1h"
	Schedule      string
	Namespace     string
	AllNamespaces bool
	AutoExecute   bool
	// RecoverSchedule replays the journal so plans whose owner died are
	// picked up once their lease expires. Empty disables it.
	RecoverSchedule string
}

// RunSummary describes one scheduled scan
type RunSummary struct {
	Scanned int
	Saved   int
	Started []executor.Handle
	Skipped int
}

type Scheduler struct {
	cron     *cron.Cron
	scanner  Scanner
	store    RecommendationStore
	executor Executor
	config   Config
	logger   *zap.SugaredLogger
}

// New creates a scheduler. store and exec may be nil; without exec,
// AutoExecute has no effect.
func New(s Scanner, store RecommendationStore, exec Executor, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		scanner:  s,
		store:    store,
		executor: exec,
		config:   cfg,
		logger:   logger,
	}
}

// Start registers the scan job when a namespace scope is set and the
// recovery job when RecoverSchedule is set
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Namespace != "" || s.config.AllNamespaces {
		_, err := s.cron.AddFunc(s.config.Schedule, func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Errorw("Scheduled scan failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule scan job: %w", err)
		}
	}
	if s.config.RecoverSchedule != "" && s.executor != nil {
		_, err := s.cron.AddFunc(s.config.RecoverSchedule, func() {
			if _, err := s.RunRecovery(ctx); err != nil {
				s.logger.Errorw("Scheduled recovery failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule recovery job: %w", err)
		}
	}

	s.logger.Infow("Starting scheduler",
		"schedule", s.config.Schedule,
		"recover_schedule", s.config.RecoverSchedule,
		"auto_execute", s.config.AutoExecute)
	s.cron.Start()
	return nil
}

// Stop stops the cron and waits for a running scan to return
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
}

// RunOnce scans, persists every recommendation and, with AutoExecute,
// starts an orchestration for each scale_to_zero result
func (s *Scheduler) RunOnce(ctx context.Context) (*RunSummary, error) {
	result, err := s.scanner.Scan(ctx, s.config.Namespace, s.config.AllNamespaces)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	summary := &RunSummary{Scanned: len(result.Recommendations)}
	for _, rec := range result.Recommendations {
		if s.store != nil {
			record := converter.ToRecord(rec, "")
			if err := s.store.SaveRecommendation(ctx, record); err != nil {
				s.logger.Warnw("Failed to save recommendation", "workload", rec.Workload.String(), "error", err)
			} else {
				rec.ID = record.ID
				summary.Saved++
			}
		}

		if !s.config.AutoExecute || s.executor == nil || !rec.ShouldExecute() {
			continue
		}
		handle, err := s.executor.ExecuteAsync(ctx, rec)
		if errors.Is(err, executor.ErrOrchestrationInProgress) {
			s.logger.Debugw("Orchestration already running", "workload", rec.Workload.String())
			summary.Skipped++
			continue
		}
		if err != nil {
			s.logger.Warnw("Failed to start orchestration", "workload", rec.Workload.String(), "error", err)
			summary.Skipped++
			continue
		}
		s.logger.Infow("Started scale-to-zero", "workload", rec.Workload.String(), "id", handle.ID)
		summary.Started = append(summary.Started, handle)
	}

	s.logger.Infow("Scheduled scan finished",
		"scanned", summary.Scanned,
		"saved", summary.Saved,
		"started", len(summary.Started),
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// RunRecovery replays the journal once
func (s *Scheduler) RunRecovery(ctx context.Context) (*executor.RecoveryReport, error) {
	if s.executor == nil {
		return nil, errors.New("no executor configured")
	}
	report, err := s.executor.Recover(ctx)
	if report != nil && len(report.Resumed)+len(report.RolledBack)+len(report.Failed) > 0 {
		s.logger.Infow("Recovered interrupted scale-downs",
			"resumed", len(report.Resumed),
			"rolled_back", len(report.RolledBack),
			"failed", len(report.Failed))
	}
	return report, err
}
