package executor

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/retry"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// rollback restores the deployment from the plan and verifies the replica
// count. It runs detached from ctx's cancellation and is bounded by the
// plan's rollback timeout.
func (e *Executor) rollback(ctx context.Context, plan *models.RollbackPlan) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.rollbackTimeout(plan))
	defer cancel()

	err := retry.OnError(e.backoff, func(err error) bool {
		return rctx.Err() == nil && retriable(err)
	}, func() error {
		callCtx, cancel := context.WithTimeout(rctx, e.cfg.CallTimeout)
		defer cancel()
		return e.cluster.RestoreDeployment(callCtx, plan)
	})
	if err != nil {
		return fmt.Errorf("failed to restore deployment: %w", err)
	}

	callCtx, cancel := context.WithTimeout(rctx, e.cfg.CallTimeout)
	defer cancel()
	state, err := e.cluster.GetDeploymentState(callCtx, plan.Workload)
	if err != nil {
		return fmt.Errorf("failed to verify restore: %w", err)
	}
	if state.Replicas != plan.OriginalReplicas {
		return fmt.Errorf("replicas are %d after restore, want %d", state.Replicas, plan.OriginalReplicas)
	}
	return nil
}

func retriable(err error) bool {
	return apierrors.IsConflict(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) ||
		errors.Is(err, context.DeadlineExceeded)
}
