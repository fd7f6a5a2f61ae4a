package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"

	"github.com/opscart/k8s-idle-optimizer/pkg/analyzer"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

// TrafficEvent reports real business requests seen since the scale-down
type TrafficEvent struct {
	Requests int
	At       time.Time
}

// TrafficDetector streams traffic events for a workload until ctx is done.
// An error on the second channel ends the subscription.
type TrafficDetector interface {
	Subscribe(ctx context.Context, w models.Workload, since time.Time) (<-chan TrafficEvent, <-chan error)
}

// InboundRequestSource counts requests addressed to services, read from the
// calling side so the count does not depend on the workload having pods
type InboundRequestSource interface {
	GetServiceRequests(ctx context.Context, namespace string, services []string, window models.AnalysisWindow) ([]models.RequestRecord, error)
}

// ServiceResolver finds the services that route to a workload
type ServiceResolver interface {
	GetServicesFor(ctx context.Context, w models.Workload) ([]corev1.Service, error)
}

// PollingTrafficDetector polls the inbound request counters of the
// workload's services and counts real business requests with the same
// classifier the idle analysis uses
type PollingTrafficDetector struct {
	source      InboundRequestSource
	services    ServiceResolver
	classifier  *analyzer.RequestClassifier
	interval    time.Duration
	threshold   int
	callTimeout time.Duration
	clock       clock.WithTicker
	logger      *zap.SugaredLogger
}

func NewPollingTrafficDetector(source InboundRequestSource, services ServiceResolver, classifier *analyzer.RequestClassifier, interval time.Duration, threshold int, callTimeout time.Duration, logger *zap.SugaredLogger) *PollingTrafficDetector {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PollingTrafficDetector{
		source:      source,
		services:    services,
		classifier:  classifier,
		interval:    interval,
		threshold:   threshold,
		callTimeout: callTimeout,
		clock:       clock.RealClock{},
		logger:      logger,
	}
}

// WithClock replaces the wall clock, for tests
func (d *PollingTrafficDetector) WithClock(c clock.WithTicker) *PollingTrafficDetector {
	d.clock = c
	return d
}

// Subscribe emits one event on the first poll at or above the threshold
// and then stops polling
func (d *PollingTrafficDetector) Subscribe(ctx context.Context, w models.Workload, since time.Time) (<-chan TrafficEvent, <-chan error) {
	events := make(chan TrafficEvent, 1)
	errs := make(chan error, 1)

	go func() {
		ticker := d.clock.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				count, err := d.poll(ctx, w, since, now)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errs <- fmt.Errorf("traffic poll for %s: %w", w, err)
					return
				}
				if count >= d.threshold {
					events <- TrafficEvent{Requests: count, At: now}
					return
				}
			}
		}
	}()

	return events, errs
}

// poll counts real requests in exactly [since, now]. Services are resolved
// on every poll so one created during the window is picked up.
func (d *PollingTrafficDetector) poll(ctx context.Context, w models.Workload, since, now time.Time) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	services, err := d.services.GetServicesFor(callCtx, w)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve services: %w", err)
	}
	if len(services) == 0 {
		d.logger.Debugw("No service routes to workload", "workload", w.String())
		return 0, nil
	}
	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = svc.Name
	}

	records, err := d.source.GetServiceRequests(callCtx, w.Namespace, names, models.AnalysisWindow{Start: since, End: now})
	if err != nil {
		return 0, err
	}
	count, total := d.classifier.Count(records)
	d.logger.Debugw("Traffic poll", "workload", w.String(), "services", names, "real", count, "total", total)
	return count, nil
}

// triggerLeaseLost ends monitoring without a rollback
const triggerLeaseLost = "lease_lost"

// monitor waits out the window, renewing the plan's lease as it goes. It
// returns an empty trigger when the window expired quietly, otherwise the
// rollback trigger and reason.
func (e *Executor) monitor(ctx context.Context, plan *models.RollbackPlan, since time.Time, window time.Duration) (trigger, reason string) {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := e.clock.Now()
	defer func() {
		e.recorder.ObserveMonitoring(e.clock.Since(start).Seconds())
	}()

	events, errs := e.traffic.Subscribe(mctx, plan.Workload, since)
	timer := e.clock.NewTimer(window)
	defer timer.Stop()
	renew := e.clock.NewTicker(e.renewInterval())
	defer renew.Stop()

	for {
		select {
		case <-timer.C():
			return "", ""
		case <-renew.C():
			if err := e.claim(ctx, plan.ID, e.cfg.LeaseDuration); err != nil {
				if errors.Is(err, storage.ErrLeaseHeld) {
					return triggerLeaseLost, fmt.Sprintf("rollback plan taken over: %v", err)
				}
				e.logger.Warnw("Failed to renew rollback plan lease", "id", plan.ID, "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				return "monitor_error", "traffic subscription closed before the window expired"
			}
			if ev.Requests >= e.cfg.TrafficThreshold {
				return "traffic", fmt.Sprintf("detected %d real requests during monitoring", ev.Requests)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return "monitor_error", fmt.Sprintf("traffic monitoring failed: %v", err)
		case <-ctx.Done():
			return "cancelled", fmt.Sprintf("orchestration cancelled: %v", ctx.Err())
		}
	}
}

// renewInterval leaves two missed renewals before the lease runs out
func (e *Executor) renewInterval() time.Duration {
	if d := e.cfg.LeaseDuration / 3; d > 0 {
		return d
	}
	return e.cfg.LeaseDuration
}
