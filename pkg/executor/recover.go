package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

// RecoveryReport summarizes a Recover pass
type RecoveryReport struct {
	Resumed    []Handle
	RolledBack []*models.ScalingResult
	Failed     []*models.RollbackPlan
	Skipped    []*models.RollbackPlan
}

// Recover replays the journal after a restart. FAILED plans are reported
// and left for a human. Plans leased to another live instance are skipped;
// the rest are claimed first. A claimed plan still inside its monitoring
// window with the deployment at zero resumes monitoring in the background.
// Every other claimed plan is rolled back.
func (e *Executor) Recover(ctx context.Context) (*RecoveryReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	plans, err := e.journal.ListRollbackPlans(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback plans: %w", err)
	}

	report := &RecoveryReport{}
	var errs []error
	for _, plan := range plans {
		if plan.State == models.StateFailed {
			e.logger.Errorw("Rollback plan needs manual intervention",
				"escalate", true,
				"id", plan.ID,
				"workload", plan.Workload.String(),
				"original_replicas", plan.OriginalReplicas,
				"restore_command", RestoreCommand(plan),
				"note", plan.Note,
			)
			report.Failed = append(report.Failed, plan)
			continue
		}

		if e.inFlight(plan.Workload) {
			e.logger.Debugw("Rollback plan is running here", "id", plan.ID, "workload", plan.Workload.String())
			report.Skipped = append(report.Skipped, plan)
			continue
		}
		if err := e.claim(ctx, plan.ID, e.cfg.LeaseDuration+e.rollbackTimeout(plan)); err != nil {
			if errors.Is(err, storage.ErrLeaseHeld) {
				e.logger.Infow("Rollback plan is held by another instance", "id", plan.ID, "workload", plan.Workload.String(), "owner", plan.Owner)
			} else {
				e.logger.Warnw("Failed to claim rollback plan", "id", plan.ID, "error", err)
				errs = append(errs, fmt.Errorf("failed to claim rollback plan %s: %w", plan.ID, err))
			}
			report.Skipped = append(report.Skipped, plan)
			continue
		}

		a, err := e.lock(plan.Workload, "", plan.ID)
		if err != nil {
			e.logger.Warnw("Skipping rollback plan", "id", plan.ID, "error", err)
			report.Skipped = append(report.Skipped, plan)
			continue
		}

		if remaining, ok := e.resumable(ctx, plan); ok {
			e.logger.Infow("Resuming monitoring", "id", plan.ID, "workload", plan.Workload.String(), "remaining", remaining)
			e.transition(a, models.StateMonitoring, "resumed after restart")
			detached := context.WithoutCancel(ctx)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if _, err := e.resume(detached, a, plan, remaining); err != nil {
					e.logger.Errorw("Resumed orchestration failed", "id", a.ID, "error", err)
				}
			}()
			report.Resumed = append(report.Resumed, Handle{ID: a.ID, Workload: a.Workload, Done: a.done})
			continue
		}

		result, err := e.recoverByRollback(ctx, a, plan)
		report.RolledBack = append(report.RolledBack, result)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return report, errors.Join(errs...)
}

func (e *Executor) resumable(ctx context.Context, plan *models.RollbackPlan) (remaining time.Duration, ok bool) {
	if plan.State != models.StateMonitoring || plan.MonitoringStartedAt == nil {
		return 0, false
	}
	window := plan.MonitorWindow
	if window <= 0 {
		window = e.cfg.MonitorWindow
	}
	remaining = plan.MonitoringStartedAt.Add(window).Sub(e.clock.Now())
	if remaining <= 0 {
		return 0, false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	state, err := e.cluster.GetDeploymentState(callCtx, plan.Workload)
	if err != nil || state.Replicas != 0 {
		return 0, false
	}
	return remaining, true
}

func (e *Executor) resume(ctx context.Context, a *attempt, plan *models.RollbackPlan, remaining time.Duration) (*models.ScalingResult, error) {
	defer e.unlock(a)
	started := plan.CapturedAt

	trigger, why := e.monitor(ctx, plan, *plan.MonitoringStartedAt, remaining)
	switch trigger {
	case "":
		return e.complete(ctx, a, started, plan, nil), nil
	case triggerLeaseLost:
		return e.abandon(a, started, plan, why)
	}
	return e.rollbackAndFinish(ctx, a, started, plan, trigger, why)
}

func (e *Executor) recoverByRollback(ctx context.Context, a *attempt, plan *models.RollbackPlan) (*models.ScalingResult, error) {
	defer e.unlock(a)
	why := fmt.Sprintf("recovered %s plan after restart", plan.State)
	return e.rollbackAndFinish(ctx, a, plan.CapturedAt, plan, "recovery", why)
}
