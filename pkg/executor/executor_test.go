package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/opscart/k8s-idle-optimizer/pkg/cluster/fake"
	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

var now = time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)

// chanDetector hands the test control over traffic events
type chanDetector struct {
	events     chan TrafficEvent
	errs       chan error
	subscribed chan struct{}
}

func newChanDetector() *chanDetector {
	return &chanDetector{
		events:     make(chan TrafficEvent, 1),
		errs:       make(chan error, 1),
		subscribed: make(chan struct{}, 4),
	}
}

func (d *chanDetector) Subscribe(ctx context.Context, w models.Workload, since time.Time) (<-chan TrafficEvent, <-chan error) {
	d.subscribed <- struct{}{}
	return d.events, d.errs
}

type harness struct {
	cluster  *fake.Cluster
	journal  *storage.MemoryStore
	traffic  *chanDetector
	recorder *metrics.Recorder
	clock    *clocktesting.FakeClock
	cfg      Config
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cluster:  fake.New(),
		journal:  storage.NewMemoryStore(),
		traffic:  newChanDetector(),
		recorder: metrics.NewRecorder(),
		clock:    clocktesting.NewFakeClock(now),
	}
	h.cfg = Config{
		MonitorWindow:    5 * time.Minute,
		TrafficThreshold: 1,
		CallTimeout:      time.Second,
		RollbackTimeout:  5 * time.Second,
		ExecutedBy:       "test",
		Owner:            "optimizer-a",
		LeaseDuration:    time.Minute,
	}
	h.exec = h.newExecutor(h.journal, h.traffic, h.cfg, zap.NewNop().Sugar())
	return h
}

// newExecutor builds another instance over the harness cluster and clock
func (h *harness) newExecutor(journal Journal, traffic TrafficDetector, cfg Config, logger *zap.SugaredLogger) *Executor {
	return New(h.cluster, journal, traffic, h.recorder, cfg, logger,
		WithClock(h.clock),
		WithBackoff(wait.Backoff{Steps: 3, Duration: time.Millisecond}),
	)
}

// waitForTimer blocks until the monitor has armed its timer
func (h *harness) waitForTimer(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !h.clock.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never started its timer")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) plans(t *testing.T) []*models.RollbackPlan {
	t.Helper()
	plans, err := h.journal.ListRollbackPlans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return plans
}

func (h *harness) auditActions(t *testing.T, recID string) []string {
	t.Helper()
	entries, err := h.journal.GetAuditLog(context.Background(), recID)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func scaleRec(w models.Workload) *models.ScalingRecommendation {
	return &models.ScalingRecommendation{
		ID:               "rec-1",
		Workload:         w,
		Action:           models.ActionScaleToZero,
		EstimatedSavings: ptr.To(42.5),
	}
}

type outcome struct {
	result *models.ScalingResult
	err    error
}

func (h *harness) start(ctx context.Context, rec *models.ScalingRecommendation) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		result, err := h.exec.Execute(ctx, rec)
		done <- outcome{result, err}
	}()
	return done
}

func await(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("orchestration did not finish")
		return outcome{}
	}
}

func TestExecuteCompletesWithoutTraffic(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(context.Background(), scaleRec(w))
	h.waitForTimer(t)

	if plans := h.plans(t); len(plans) != 1 || plans[0].State != models.StateMonitoring || plans[0].OriginalReplicas != 3 {
		t.Fatalf("journal during monitoring = %+v", plans)
	}

	h.clock.Step(5 * time.Minute)
	o := await(t, done)

	if o.err != nil {
		t.Fatalf("Execute() error = %v", o.err)
	}
	if !o.result.Success || o.result.State != models.StateCompleted {
		t.Errorf("result = %+v, want COMPLETED", o.result)
	}
	if o.result.Savings == nil || *o.result.Savings != 42.5 {
		t.Errorf("savings = %v, want 42.5", o.result.Savings)
	}
	if o.result.Reason == "" {
		t.Error("result has no reason")
	}
	if got := h.cluster.Replicas(w); got != 0 {
		t.Errorf("replicas = %d, want 0", got)
	}
	if plans := h.plans(t); len(plans) != 0 {
		t.Errorf("journal still holds %d plans", len(plans))
	}
	if got := h.auditActions(t, "rec-1"); len(got) != 1 || got[0] != models.AuditScaledToZero {
		t.Errorf("audit = %v", got)
	}
}

func TestExecuteRollsBackOnTraffic(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(context.Background(), scaleRec(w))
	<-h.traffic.subscribed
	h.traffic.events <- TrafficEvent{Requests: 1, At: now}
	o := await(t, done)

	if o.err != nil {
		t.Fatalf("Execute() error = %v", o.err)
	}
	if o.result.Success || o.result.State != models.StateRolledBack {
		t.Errorf("result = %+v, want ROLLED_BACK", o.result)
	}
	if got := h.cluster.Replicas(w); got != 3 {
		t.Errorf("replicas = %d, want exactly 3 restored", got)
	}
	if got := h.cluster.RestoreCalls(); got != 1 {
		t.Errorf("RestoreDeployment called %d times, want 1", got)
	}
	if plans := h.plans(t); len(plans) != 0 {
		t.Errorf("journal still holds %d plans", len(plans))
	}
	if got := h.auditActions(t, "rec-1"); len(got) != 1 || got[0] != models.AuditRolledBack {
		t.Errorf("audit = %v", got)
	}
}

func TestExecuteRollbackTriggers(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		drive func(h *harness, cancel context.CancelFunc)
	}{
		{
			name: "scale error",
			setup: func(h *harness) {
				h.cluster.Errors["ScaleDeployment"] = errors.New("admission webhook denied")
			},
		},
		{
			name: "monitor error",
			drive: func(h *harness, _ context.CancelFunc) {
				<-h.traffic.subscribed
				h.traffic.errs <- errors.New("prometheus unreachable")
			},
		},
		{
			name: "closed subscription",
			drive: func(h *harness, _ context.CancelFunc) {
				<-h.traffic.subscribed
				close(h.traffic.events)
			},
		},
		{
			name: "cancelled",
			drive: func(h *harness, cancel context.CancelFunc) {
				<-h.traffic.subscribed
				cancel()
			},
		},
		{
			name: "restore conflict is retried",
			setup: func(h *harness) {
				calls := 0
				h.cluster.RestoreFunc = func(*models.RollbackPlan) error {
					calls++
					if calls == 1 {
						return apierrors.NewConflict(schema.GroupResource{Group: "apps", Resource: "deployments"}, "reports", errors.New("modified"))
					}
					return nil
				}
			},
			drive: func(h *harness, _ context.CancelFunc) {
				<-h.traffic.subscribed
				h.traffic.events <- TrafficEvent{Requests: 4}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := models.NewDeployment("shop", "reports", "")
			h.cluster.AddDeployment(w, 2)
			if tt.setup != nil {
				tt.setup(h)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := h.start(ctx, scaleRec(w))
			if tt.drive != nil {
				tt.drive(h, cancel)
			}
			o := await(t, done)

			if o.err != nil {
				t.Fatalf("Execute() error = %v", o.err)
			}
			if o.result.State != models.StateRolledBack || o.result.Reason == "" {
				t.Errorf("result = %+v, want ROLLED_BACK with a reason", o.result)
			}
			if got := h.cluster.Replicas(w); got != 2 {
				t.Errorf("replicas = %d, want 2", got)
			}
		})
	}
}

func TestExecuteRollbackFailureEscalates(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)
	h.cluster.Errors["RestoreDeployment"] = errors.New("apiserver down")

	done := h.start(context.Background(), scaleRec(w))
	<-h.traffic.subscribed
	h.traffic.events <- TrafficEvent{Requests: 1}
	o := await(t, done)

	var failure *models.RollbackFailure
	if !errors.As(o.err, &failure) {
		t.Fatalf("Execute() error = %v, want RollbackFailure", o.err)
	}
	if o.result.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", o.result.State)
	}
	plans := h.plans(t)
	if len(plans) != 1 || plans[0].State != models.StateFailed {
		t.Fatalf("journal = %+v, want the FAILED plan kept", plans)
	}
	if got := h.auditActions(t, "rec-1"); len(got) != 1 || got[0] != models.AuditRollbackFailed {
		t.Errorf("audit = %v", got)
	}
	if got := h.cluster.Replicas(w); got != 0 {
		t.Errorf("replicas = %d, want 0 left for a human", got)
	}

	expected := `
# HELP idle_optimizer_rollback_failures_total Rollbacks that could not restore the workload and need a human
# TYPE idle_optimizer_rollback_failures_total counter
idle_optimizer_rollback_failures_total 1
`
	if err := testutil.GatherAndCompare(h.recorder.Registry(), strings.NewReader(expected), "idle_optimizer_rollback_failures_total"); err != nil {
		t.Errorf("escalation metric: %v", err)
	}
}

func TestExecuteRejects(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 1)

	if _, err := h.exec.Execute(context.Background(), &models.ScalingRecommendation{Workload: w, Action: models.ActionNoAction}); !errors.Is(err, ErrNotScaleToZero) {
		t.Errorf("no_action error = %v, want ErrNotScaleToZero", err)
	}
	if _, err := h.exec.Execute(context.Background(), nil); !errors.Is(err, ErrNotScaleToZero) {
		t.Errorf("nil error = %v, want ErrNotScaleToZero", err)
	}

	done := h.start(context.Background(), scaleRec(w))
	h.waitForTimer(t)

	if _, err := h.exec.Execute(context.Background(), scaleRec(w)); !errors.Is(err, ErrOrchestrationInProgress) {
		t.Errorf("second attempt error = %v, want ErrOrchestrationInProgress", err)
	}
	if calls := h.cluster.ScaleCalls(); len(calls) != 1 {
		t.Errorf("ScaleDeployment called %d times, want 1", len(calls))
	}

	h.clock.Step(5 * time.Minute)
	if o := await(t, done); o.result.State != models.StateCompleted {
		t.Errorf("first attempt state = %s", o.result.State)
	}
}

func TestExecuteAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, w models.Workload)
	}{
		{"already at zero", func(h *harness, w models.Workload) { h.cluster.AddDeployment(w, 0) }},
		{"state unreadable", func(h *harness, w models.Workload) {
			h.cluster.AddDeployment(w, 2)
			h.cluster.Errors["GetDeploymentState"] = errors.New("forbidden")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			w := models.NewDeployment("shop", "reports", "")
			tt.setup(h, w)

			result, err := h.exec.Execute(context.Background(), scaleRec(w))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.State != models.StateAborted || result.Reason == "" {
				t.Errorf("result = %+v, want ABORTED", result)
			}
			if calls := h.cluster.ScaleCalls(); len(calls) != 0 {
				t.Errorf("ScaleDeployment called %v", calls)
			}
		})
	}
}

func TestExecuteAsyncStatus(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	handle, err := h.exec.ExecuteAsync(context.Background(), scaleRec(w))
	if err != nil {
		t.Fatalf("ExecuteAsync() error = %v", err)
	}
	<-h.traffic.subscribed
	h.traffic.events <- TrafficEvent{Requests: 2}
	<-handle.Done

	attempt, err := h.exec.Status(handle.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := []models.OrchestrationState{
		models.StatePending,
		models.StateRollbackPlanCaptured,
		models.StateScaled,
		models.StateMonitoring,
		models.StateRolledBack,
	}
	if len(attempt.Transitions) != len(want) {
		t.Fatalf("transitions = %+v", attempt.Transitions)
	}
	for i, tr := range attempt.Transitions {
		if tr.State != want[i] {
			t.Errorf("transition %d = %s, want %s", i, tr.State, want[i])
		}
	}
	if attempt.Result == nil || attempt.Result.State != models.StateRolledBack {
		t.Errorf("result = %+v", attempt.Result)
	}

	if _, err := h.exec.Status("nope"); !errors.Is(err, ErrUnknownAttempt) {
		t.Errorf("Status(nope) error = %v", err)
	}
	h.exec.Wait()
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failed := models.NewDeployment("shop", "failed", "")
	monitoring := models.NewDeployment("shop", "monitoring", "")
	scaled := models.NewDeployment("shop", "scaled", "")
	h.cluster.AddDeployment(failed, 0)
	h.cluster.AddDeployment(monitoring, 0)
	h.cluster.AddDeployment(scaled, 0)

	started := now.Add(-time.Minute)
	for _, p := range []*models.RollbackPlan{
		{ID: "p-failed", Workload: failed, OriginalReplicas: 1, State: models.StateFailed, CapturedAt: now.Add(-time.Hour)},
		{ID: "p-monitoring", Workload: monitoring, OriginalReplicas: 2, State: models.StateMonitoring, MonitoringStartedAt: &started, MonitorWindow: 5 * time.Minute, CapturedAt: started},
		{ID: "p-scaled", Workload: scaled, OriginalReplicas: 4, State: models.StateScaled, CapturedAt: started},
	} {
		if err := h.journal.SaveRollbackPlan(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.exec.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].ID != "p-failed" {
		t.Errorf("failed = %+v", report.Failed)
	}
	if len(report.RolledBack) != 1 || report.RolledBack[0].State != models.StateRolledBack {
		t.Errorf("rolled back = %+v", report.RolledBack)
	}
	if got := h.cluster.Replicas(scaled); got != 4 {
		t.Errorf("scaled replicas = %d, want 4", got)
	}
	if got := h.cluster.Replicas(failed); got != 0 {
		t.Errorf("failed plan was touched, replicas = %d", got)
	}
	if len(report.Resumed) != 1 {
		t.Fatalf("resumed = %+v", report.Resumed)
	}

	h.waitForTimer(t)
	h.clock.Step(4 * time.Minute)
	<-report.Resumed[0].Done

	attempt, err := h.exec.Status("p-monitoring")
	if err != nil {
		t.Fatal(err)
	}
	if attempt.State != models.StateCompleted {
		t.Errorf("resumed attempt state = %s, want COMPLETED", attempt.State)
	}
	plans := h.plans(t)
	if len(plans) != 1 || plans[0].ID != "p-failed" {
		t.Errorf("journal = %+v, want only the FAILED plan", plans)
	}
	h.exec.Wait()
}

func TestRecoverExpiredWindowRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := models.NewDeployment("shop", "stale", "")
	h.cluster.AddDeployment(w, 0)

	started := now.Add(-10 * time.Minute)
	plan := &models.RollbackPlan{ID: "p", Workload: w, OriginalReplicas: 2, State: models.StateMonitoring, MonitoringStartedAt: &started, MonitorWindow: 5 * time.Minute}
	if err := h.journal.SaveRollbackPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	report, err := h.exec.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Resumed) != 0 || len(report.RolledBack) != 1 {
		t.Errorf("report = %+v", report)
	}
	if got := h.cluster.Replicas(w); got != 2 {
		t.Errorf("replicas = %d, want 2", got)
	}
}

func TestGenerateCommand(t *testing.T) {
	w := models.NewDeployment("shop", "reports", "")
	if got, want := GenerateCommand(scaleRec(w)), "kubectl scale deployment reports -n shop --replicas=0"; got != want {
		t.Errorf("GenerateCommand() = %q, want %q", got, want)
	}
	if got := GenerateCommand(&models.ScalingRecommendation{Workload: w, Action: models.ActionNoAction}); got != "" {
		t.Errorf("GenerateCommand(no_action) = %q", got)
	}
	plan := &models.RollbackPlan{Workload: w, OriginalReplicas: 3}
	if got, want := RestoreCommand(plan), "kubectl scale deployment reports -n shop --replicas=3"; got != want {
		t.Errorf("RestoreCommand() = %q, want %q", got, want)
	}
}

// A second optimizer instance sharing the journal must leave a workload
// alone while the first one is monitoring it
func TestSecondInstanceLeavesLiveAttemptAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(ctx, scaleRec(w))
	h.waitForTimer(t)

	cfg := h.cfg
	cfg.Owner = "optimizer-b"
	other := h.newExecutor(h.journal, newChanDetector(), cfg, zap.NewNop().Sugar())

	report, err := other.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Skipped) != 1 || len(report.Resumed) != 0 || len(report.RolledBack) != 0 {
		t.Errorf("report = %+v, want the live plan skipped", report)
	}
	if got := h.cluster.RestoreCalls(); got != 0 {
		t.Errorf("RestoreDeployment called %d times by the second instance", got)
	}

	// someone scaled the deployment back up by hand; the live plan still owns it
	h.cluster.AddDeployment(w, 3)
	result, err := other.Execute(ctx, scaleRec(w))
	if !errors.Is(err, ErrOrchestrationInProgress) {
		t.Errorf("Execute() error = %v, want ErrOrchestrationInProgress", err)
	}
	if result == nil || result.State != models.StateAborted {
		t.Errorf("result = %+v, want ABORTED", result)
	}
	if calls := h.cluster.ScaleCalls(); len(calls) != 1 {
		t.Errorf("ScaleDeployment called %d times, want 1", len(calls))
	}

	h.clock.Step(5 * time.Minute)
	if o := await(t, done); o.result.State != models.StateCompleted {
		t.Errorf("first attempt state = %s", o.result.State)
	}
}

func TestMonitorRenewsLease(t *testing.T) {
	h := newHarness(t)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(context.Background(), scaleRec(w))
	h.waitForTimer(t)
	if plans := h.plans(t); len(plans) != 1 || plans[0].Owner != "optimizer-a" || !plans[0].LeaseExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("journal = %+v, want the plan leased to optimizer-a for a minute", plans)
	}

	h.clock.Step(20 * time.Second)
	want := now.Add(20*time.Second + time.Minute)
	deadline := time.Now().Add(5 * time.Second)
	for !h.plans(t)[0].LeaseExpiresAt.Equal(want) {
		if time.Now().After(deadline) {
			t.Fatalf("lease expires at %v, want %v", h.plans(t)[0].LeaseExpiresAt, want)
		}
		time.Sleep(time.Millisecond)
	}

	h.clock.Step(5 * time.Minute)
	if o := await(t, done); o.result.State != models.StateCompleted {
		t.Errorf("state = %s", o.result.State)
	}
}

func TestRecoverSkipsOwnRunningAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(ctx, scaleRec(w))
	h.waitForTimer(t)

	report, err := h.exec.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Skipped) != 1 || len(report.RolledBack) != 0 {
		t.Errorf("report = %+v, want the running plan skipped", report)
	}
	if plans := h.plans(t); !plans[0].LeaseExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("lease expires at %v, want it untouched by recovery", plans[0].LeaseExpiresAt)
	}

	h.clock.Step(5 * time.Minute)
	if o := await(t, done); o.result.State != models.StateCompleted {
		t.Errorf("state = %s", o.result.State)
	}
}

func TestRecoverTakesOverExpiredLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 0)

	plan := &models.RollbackPlan{
		ID:                  "p-crashed",
		Workload:            w,
		OriginalReplicas:    2,
		State:               models.StateMonitoring,
		MonitoringStartedAt: &now,
		MonitorWindow:       5 * time.Minute,
		CapturedAt:          now,
		Owner:               "optimizer-crashed",
		LeaseExpiresAt:      now.Add(time.Minute),
	}
	if err := h.journal.SaveRollbackPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}

	report, err := h.exec.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Skipped) != 1 || len(report.Resumed) != 0 {
		t.Fatalf("report = %+v, want the leased plan skipped", report)
	}

	h.clock.Step(2 * time.Minute)
	report, err = h.exec.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(report.Resumed) != 1 {
		t.Fatalf("report = %+v, want the expired plan resumed", report)
	}
	if plans := h.plans(t); plans[0].Owner != "optimizer-a" {
		t.Errorf("owner = %q, want optimizer-a", plans[0].Owner)
	}

	h.waitForTimer(t)
	h.clock.Step(3 * time.Minute)
	<-report.Resumed[0].Done
	if plans := h.plans(t); len(plans) != 0 {
		t.Errorf("journal = %+v, want empty", plans)
	}
	h.exec.Wait()
}

// contestedJournal reports every lease as taken once taken is closed
type contestedJournal struct {
	*storage.MemoryStore
	taken chan struct{}
}

func (j *contestedJournal) ClaimRollbackPlan(ctx context.Context, id, owner string, now, expires time.Time) error {
	select {
	case <-j.taken:
		return fmt.Errorf("rollback plan %s held by optimizer-b: %w", id, storage.ErrLeaseHeld)
	default:
		return j.MemoryStore.ClaimRollbackPlan(ctx, id, owner, now, expires)
	}
}

func TestExecuteAbandonsLostLease(t *testing.T) {
	h := newHarness(t)
	journal := &contestedJournal{MemoryStore: h.journal, taken: make(chan struct{})}
	h.exec = h.newExecutor(journal, h.traffic, h.cfg, zap.NewNop().Sugar())
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(context.Background(), scaleRec(w))
	h.waitForTimer(t)
	close(journal.taken)
	h.clock.Step(20 * time.Second)
	o := await(t, done)

	if !errors.Is(o.err, ErrLeaseLost) {
		t.Fatalf("Execute() error = %v, want ErrLeaseLost", o.err)
	}
	if o.result.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", o.result.State)
	}
	if got := h.cluster.RestoreCalls(); got != 0 {
		t.Errorf("RestoreDeployment called %d times after losing the plan", got)
	}
	if plans := h.plans(t); len(plans) != 1 || plans[0].State != models.StateMonitoring {
		t.Errorf("journal = %+v, want the plan left to its new owner", plans)
	}
}

func TestNewWithoutLogger(t *testing.T) {
	h := newHarness(t)
	h.exec = h.newExecutor(h.journal, h.traffic, h.cfg, nil)
	w := models.NewDeployment("shop", "reports", "")
	h.cluster.AddDeployment(w, 3)

	done := h.start(context.Background(), scaleRec(w))
	<-h.traffic.subscribed
	h.traffic.events <- TrafficEvent{Requests: 1}
	o := await(t, done)
	if o.err != nil || o.result.State != models.StateRolledBack {
		t.Errorf("result = %+v, error = %v", o.result, o.err)
	}
}
