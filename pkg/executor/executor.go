// Package executor drives a scale-to-zero attempt through its state machine:
// capture a rollback plan, scale to zero, watch for traffic, then either
// complete or restore the deployment.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/opscart/k8s-idle-optimizer/pkg/cluster"
	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

var (
	// ErrOrchestrationInProgress is returned when the workload already has
	// an active attempt
	ErrOrchestrationInProgress = errors.New("orchestration already in progress")

	// ErrNotScaleToZero is returned for recommendations that do not ask for
	// a scale-down
	ErrNotScaleToZero = errors.New("recommendation is not scale_to_zero")

	// ErrUnknownAttempt is returned by Status for an ID it never issued
	ErrUnknownAttempt = errors.New("unknown orchestration attempt")

	// ErrLeaseLost is returned when another instance took over the rollback
	// plan of a running attempt
	ErrLeaseLost = errors.New("rollback plan lease lost to another instance")
)

// DeploymentClient is the part of the cluster collaborator that mutates
// deployments
type DeploymentClient interface {
	GetDeploymentState(ctx context.Context, w models.Workload) (*cluster.DeploymentState, error)
	ScaleDeployment(ctx context.Context, w models.Workload, replicas int32) error
	RestoreDeployment(ctx context.Context, plan *models.RollbackPlan) error
}

// Journal durably records in-flight rollback plans and the audit trail. It
// is shared by every optimizer instance of a cluster: saving a second live
// plan for a workload fails with storage.ErrPlanExists and claiming a plan
// leased to another instance fails with storage.ErrLeaseHeld.
type Journal interface {
	SaveRollbackPlan(ctx context.Context, plan *models.RollbackPlan) error
	ClaimRollbackPlan(ctx context.Context, id, owner string, now, expires time.Time) error
	UpdatePlanState(ctx context.Context, id string, state models.OrchestrationState, note string) error
	ListRollbackPlans(ctx context.Context) ([]*models.RollbackPlan, error)
	DeleteRollbackPlan(ctx context.Context, id string) error
	LogAction(ctx context.Context, entry *models.AuditEntry) error
}

type Config struct {
	MonitorWindow    time.Duration
	TrafficThreshold int
	CallTimeout      time.Duration
	RollbackTimeout  time.Duration

	// ExecutedBy is written to the audit log
	ExecutedBy string

	// Owner identifies this instance on the plans it journals. LeaseDuration
	// is how long a plan stays reserved without a renewal.
	Owner         string
	LeaseDuration time.Duration
}

func (c *Config) setDefaults() {
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = 5 * time.Minute
	}
	if c.TrafficThreshold < 1 {
		c.TrafficThreshold = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = 2 * time.Minute
	}
	if c.ExecutedBy == "" {
		c.ExecutedBy = "idle-optimizer"
	}
	if c.Owner == "" {
		c.Owner = uuid.New().String()
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
}

// Transition is one step of an attempt
type Transition struct {
	State models.OrchestrationState `json:"state"`
	At    time.Time                 `json:"at"`
	Note  string                    `json:"note,omitempty"`
}

// Attempt is the live view of one orchestration
type Attempt struct {
	ID               string                    `json:"id"`
	Workload         models.Workload           `json:"workload"`
	RecommendationID string                    `json:"recommendation_id,omitempty"`
	State            models.OrchestrationState `json:"state"`
	Transitions      []Transition              `json:"transitions"`
	Result           *models.ScalingResult     `json:"result,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Handle identifies an asynchronous attempt. Done is closed when it ends.
type Handle struct {
	ID       string          `json:"id"`
	Workload models.Workload `json:"workload"`
	Done     <-chan struct{} `json:"-"`
}

type attempt struct {
	Attempt
	done chan struct{}
}

type Executor struct {
	cluster  DeploymentClient
	journal  Journal
	traffic  TrafficDetector
	recorder *metrics.Recorder
	cfg      Config
	clock    clock.WithTicker
	backoff  wait.Backoff
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	active   map[string]string
	attempts map[string]*attempt
	wg       sync.WaitGroup
}

type Option func(*Executor)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.WithTicker) Option {
	return func(e *Executor) { e.clock = c }
}

// WithBackoff sets the retry schedule for restoring a deployment
func WithBackoff(b wait.Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

func New(c DeploymentClient, journal Journal, traffic TrafficDetector, recorder *metrics.Recorder, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Executor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Executor{
		cluster:  c,
		journal:  journal,
		traffic:  traffic,
		recorder: recorder,
		cfg:      cfg,
		clock:    clock.RealClock{},
		backoff:  retry.DefaultRetry,
		logger:   logger,
		active:   make(map[string]string),
		attempts: make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt to completion. The returned error is non-nil
// only when the request is rejected or when the rollback itself failed; a
// rolled back attempt is reported through the result.
func (e *Executor) Execute(ctx context.Context, rec *models.ScalingRecommendation) (*models.ScalingResult, error) {
	a, err := e.begin(rec)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, a, rec)
}

// ExecuteAsync starts an attempt in the background. The attempt is not
// bound to ctx's cancellation, only to its values.
func (e *Executor) ExecuteAsync(ctx context.Context, rec *models.ScalingRecommendation) (Handle, error) {
	a, err := e.begin(rec)
	if err != nil {
		return Handle{}, err
	}

	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.run(detached, a, rec); err != nil {
			e.logger.Errorw("Async orchestration failed", "id", a.ID, "workload", a.Workload.String(), "error", err)
		}
	}()

	return Handle{ID: a.ID, Workload: a.Workload, Done: a.done}, nil
}

// Wait blocks until every asynchronous attempt has finished
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Status returns a snapshot of an attempt
func (e *Executor) Status(id string) (*Attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownAttempt)
	}
	snapshot := a.Attempt
	snapshot.Transitions = append([]Transition(nil), a.Transitions...)
	if a.Result != nil {
		result := *a.Result
		snapshot.Result = &result
	}
	return &snapshot, nil
}

// begin validates the request and takes the workload lock
func (e *Executor) begin(rec *models.ScalingRecommendation) (*attempt, error) {
	if !rec.ShouldExecute() {
		return nil, ErrNotScaleToZero
	}
	return e.lock(rec.Workload, rec.ID, uuid.New().String())
}

// inFlight reports whether this process is orchestrating the workload
func (e *Executor) inFlight(w models.Workload) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[w.Key()]
	return ok
}

func (e *Executor) lock(w models.Workload, recommendationID, id string) (*attempt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := w.Key()
	if id, ok := e.active[key]; ok {
		return nil, fmt.Errorf("%s (attempt %s): %w", w, id, ErrOrchestrationInProgress)
	}

	a := &attempt{
		Attempt: Attempt{
			ID:               id,
			Workload:         w,
			RecommendationID: recommendationID,
		},
		done: make(chan struct{}),
	}
	e.active[key] = a.ID
	e.attempts[a.ID] = a
	e.recorder.OrchestrationStarted()
	e.transitionLocked(a, models.StatePending, "")
	return a, nil
}

func (e *Executor) unlock(a *attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[a.Workload.Key()] == a.ID {
		delete(e.active, a.Workload.Key())
	}
	e.recorder.OrchestrationFinished()
	close(a.done)
}

func (e *Executor) transition(a *attempt, state models.OrchestrationState, note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionLocked(a, state, note)
}

func (e *Executor) transitionLocked(a *attempt, state models.OrchestrationState, note string) {
	a.State = state
	a.Transitions = append(a.Transitions, Transition{State: state, At: e.clock.Now(), Note: note})
	e.logger.Debugw("Orchestration transition", "id", a.ID, "workload", a.Workload.String(), "state", state, "note", note)
}

func (e *Executor) run(ctx context.Context, a *attempt, rec *models.ScalingRecommendation) (*models.ScalingResult, error) {
	defer e.unlock(a)
	started := e.clock.Now()
	w := a.Workload

	e.logger.Infow("Starting scale-to-zero", "id", a.ID, "workload", w.String())

	plan, reason, err := e.capture(ctx, a)
	if plan == nil {
		e.logger.Warnw("Scale-to-zero aborted", "id", a.ID, "workload", w.String(), "reason", reason)
		return e.finish(a, started, models.StateAborted, reason, nil, err), err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	err = e.cluster.ScaleDeployment(callCtx, w, 0)
	cancel()
	if err != nil {
		opErr := &models.ScalingOperationError{Workload: w, Op: "scale to zero", Err: err}
		return e.rollbackAndFinish(ctx, a, started, plan, "scale_error", opErr.Error())
	}
	e.transition(a, models.StateScaled, "")
	if err := e.journalState(ctx, plan, models.StateScaled, ""); err != nil {
		return e.rollbackAndFinish(ctx, a, started, plan, "journal_error", err.Error())
	}

	monitorStart := e.clock.Now()
	plan.State = models.StateMonitoring
	plan.MonitoringStartedAt = &monitorStart
	plan.UpdatedAt = monitorStart
	if err := e.savePlan(ctx, plan); err != nil {
		return e.rollbackAndFinish(ctx, a, started, plan, "journal_error", err.Error())
	}
	e.transition(a, models.StateMonitoring, "")

	trigger, why := e.monitor(ctx, plan, monitorStart, e.cfg.MonitorWindow)
	switch trigger {
	case "":
		return e.complete(ctx, a, started, plan, rec.EstimatedSavings), nil
	case triggerLeaseLost:
		return e.abandon(a, started, plan, why)
	}
	return e.rollbackAndFinish(ctx, a, started, plan, trigger, why)
}

// capture snapshots the deployment and journals the plan under this
// instance's lease. A nil plan means the attempt was aborted before
// anything was changed; the error is set when another instance owns the
// workload.
func (e *Executor) capture(ctx context.Context, a *attempt) (*models.RollbackPlan, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	state, err := e.cluster.GetDeploymentState(callCtx, a.Workload)
	cancel()
	if err != nil {
		return nil, fmt.Sprintf("failed to read deployment state: %v", err), nil
	}
	if state.Replicas == 0 {
		return nil, "deployment is already at zero replicas", nil
	}

	now := e.clock.Now()
	plan := &models.RollbackPlan{
		ID:                a.ID,
		Workload:          a.Workload,
		OriginalReplicas:  state.Replicas,
		OriginalResources: state.Resources,
		OriginalLabels:    state.Labels,
		OriginalEnv:       state.Env,
		CapturedAt:        now,
		RollbackTimeout:   e.cfg.RollbackTimeout,
		State:             models.StateRollbackPlanCaptured,
		MonitorWindow:     e.cfg.MonitorWindow,
		UpdatedAt:         now,
		Owner:             e.cfg.Owner,
		LeaseExpiresAt:    now.Add(e.cfg.LeaseDuration),
	}
	if err := e.savePlan(ctx, plan); err != nil {
		if errors.Is(err, storage.ErrPlanExists) {
			return nil, fmt.Sprintf("another instance owns the workload: %v", err), fmt.Errorf("%w: %w", ErrOrchestrationInProgress, err)
		}
		return nil, fmt.Sprintf("failed to journal rollback plan: %v", err), nil
	}

	e.transition(a, models.StateRollbackPlanCaptured, fmt.Sprintf("replicas=%d", state.Replicas))
	return plan, "", nil
}

// claim takes or renews this instance's lease on a plan for hold
func (e *Executor) claim(ctx context.Context, planID string, hold time.Duration) error {
	now := e.clock.Now()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	return e.journal.ClaimRollbackPlan(callCtx, planID, e.cfg.Owner, now, now.Add(hold))
}

// abandon ends an attempt whose plan another instance took over. The
// deployment and the journal now belong to that instance.
func (e *Executor) abandon(a *attempt, started time.Time, plan *models.RollbackPlan, why string) (*models.ScalingResult, error) {
	e.logger.Errorw("Abandoning orchestration",
		"escalate", true,
		"id", a.ID,
		"workload", a.Workload.String(),
		"original_replicas", plan.OriginalReplicas,
		"reason", why,
	)
	err := fmt.Errorf("%s (plan %s): %w", a.Workload, plan.ID, ErrLeaseLost)
	return e.finish(a, started, models.StateFailed, why, nil, err), err
}

func (e *Executor) rollbackTimeout(plan *models.RollbackPlan) time.Duration {
	if plan.RollbackTimeout > 0 {
		return plan.RollbackTimeout
	}
	return e.cfg.RollbackTimeout
}

func (e *Executor) savePlan(ctx context.Context, plan *models.RollbackPlan) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.journal.SaveRollbackPlan(callCtx, plan)
}

func (e *Executor) journalState(ctx context.Context, plan *models.RollbackPlan, state models.OrchestrationState, note string) error {
	plan.State = state
	plan.Note = note
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.journal.UpdatePlanState(callCtx, plan.ID, state, note)
}

func (e *Executor) complete(ctx context.Context, a *attempt, started time.Time, plan *models.RollbackPlan, savings *float64) *models.ScalingResult {
	reason := fmt.Sprintf("no traffic for %s, %s remains at zero replicas", e.cfg.MonitorWindow, a.Workload)
	e.forget(ctx, plan)
	e.audit(ctx, a, models.AuditScaledToZero, models.AuditSuccess, "")
	e.logger.Infow("Scale-to-zero completed", "id", a.ID, "workload", a.Workload.String())
	return e.finish(a, started, models.StateCompleted, reason, savings, nil)
}

func (e *Executor) rollbackAndFinish(ctx context.Context, a *attempt, started time.Time, plan *models.RollbackPlan, trigger, why string) (*models.ScalingResult, error) {
	e.logger.Warnw("Rolling back", "id", a.ID, "workload", a.Workload.String(), "trigger", trigger, "reason", why)

	// hold the plan for the whole restore
	if err := e.claim(ctx, plan.ID, e.cfg.LeaseDuration+e.rollbackTimeout(plan)); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return e.abandon(a, started, plan, fmt.Sprintf("lost the rollback plan before restoring: %v", err))
		}
		e.logger.Warnw("Failed to extend rollback plan lease", "id", plan.ID, "error", err)
	}
	e.recorder.ObserveRollback(trigger)

	if err := e.rollback(ctx, plan); err != nil {
		failure := &models.RollbackFailure{Workload: a.Workload, PlanID: plan.ID, Err: err}
		e.escalate(ctx, a, plan, failure)
		reason := fmt.Sprintf("rollback failed after %s: %v", why, err)
		return e.finish(a, started, models.StateFailed, reason, nil, failure), failure
	}

	e.forget(ctx, plan)
	e.audit(ctx, a, models.AuditRolledBack, models.AuditSuccess, why)
	reason := fmt.Sprintf("rolled back to %d replicas: %s", plan.OriginalReplicas, why)
	return e.finish(a, started, models.StateRolledBack, reason, nil, nil), nil
}

// escalate leaves the journal row in place for a human
func (e *Executor) escalate(ctx context.Context, a *attempt, plan *models.RollbackPlan, failure *models.RollbackFailure) {
	e.recorder.Escalate()
	e.logger.Errorw("Rollback failed, manual intervention required",
		"escalate", true,
		"id", a.ID,
		"workload", a.Workload.String(),
		"original_replicas", plan.OriginalReplicas,
		"restore_command", RestoreCommand(plan),
		"error", failure.Err,
	)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.journal.UpdatePlanState(bg, plan.ID, models.StateFailed, failure.Err.Error()); err != nil {
		e.logger.Errorw("Failed to journal rollback failure", "id", plan.ID, "error", err)
	}
	e.audit(ctx, a, models.AuditRollbackFailed, models.AuditFailed, failure.Err.Error())
}

// forget removes a plan whose attempt reached a clean terminal state
func (e *Executor) forget(ctx context.Context, plan *models.RollbackPlan) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.journal.DeleteRollbackPlan(bg, plan.ID); err != nil {
		e.logger.Warnw("Failed to delete rollback plan", "id", plan.ID, "error", err)
	}
}

func (e *Executor) audit(ctx context.Context, a *attempt, action, status, message string) {
	recID := a.RecommendationID
	if recID == "" {
		recID = a.ID
	}
	entry := &models.AuditEntry{
		RecommendationID: recID,
		Workload:         a.Workload,
		Action:           action,
		Status:           status,
		ErrorMessage:     message,
		ExecutedBy:       e.cfg.ExecutedBy,
		ExecutedAt:       e.clock.Now(),
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.journal.LogAction(bg, entry); err != nil {
		e.logger.Warnw("Failed to write audit entry", "id", a.ID, "action", action, "error", err)
	}
}

func (e *Executor) finish(a *attempt, started time.Time, state models.OrchestrationState, reason string, savings *float64, err error) *models.ScalingResult {
	result := &models.ScalingResult{
		ID:         a.ID,
		Workload:   a.Workload,
		Success:    state == models.StateCompleted,
		State:      state,
		Reason:     reason,
		Savings:    savings,
		StartedAt:  started,
		FinishedAt: e.clock.Now(),
	}

	e.mu.Lock()
	e.transitionLocked(a, state, reason)
	a.Result = result
	if err != nil {
		a.Error = err.Error()
	}
	e.mu.Unlock()

	e.recorder.ObserveOrchestration(string(state))
	return result
}
