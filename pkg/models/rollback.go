package models

import (
	"time"

	corev1 "k8s.io/api/core/v1"
)

// OrchestrationState is the state of one scale-down attempt
type OrchestrationState string

const (
	StatePending              OrchestrationState = "PENDING"
	StateRollbackPlanCaptured OrchestrationState = "ROLLBACK_PLAN_CAPTURED"
	StateScaled               OrchestrationState = "SCALED"
	StateMonitoring           OrchestrationState = "MONITORING"
	StateCompleted            OrchestrationState = "COMPLETED"
	StateRolledBack           OrchestrationState = "ROLLED_BACK"
	StateFailed               OrchestrationState = "FAILED"

	// StateAborted ends an attempt that never mutated the workload
	StateAborted OrchestrationState = "ABORTED"
)

// IsTerminal reports whether no further transition can happen
func (s OrchestrationState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRolledBack, StateFailed, StateAborted:
		return true
	}
	return false
}

// RollbackPlan is the pre-scaling snapshot of a deployment
type RollbackPlan struct {
	ID                string                                 `json:"id"`
	Workload          Workload                               `json:"workload"`
	OriginalReplicas  int32                                  `json:"original_replicas"`
	OriginalResources map[string]corev1.ResourceRequirements `json:"original_resources"`
	OriginalLabels    map[string]string                      `json:"original_labels"`
	OriginalEnv       map[string][]corev1.EnvVar             `json:"original_env"`
	CapturedAt        time.Time                              `json:"captured_at"`
	RollbackTimeout   time.Duration                          `json:"rollback_timeout"`

	// Journal fields
	State               OrchestrationState `json:"state"`
	MonitoringStartedAt *time.Time         `json:"monitoring_started_at,omitempty"`
	MonitorWindow       time.Duration      `json:"monitor_window"`
	Note                string             `json:"note,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`

	// Owner is the optimizer instance driving the attempt. Another instance
	// may take the plan over only once LeaseExpiresAt has passed.
	Owner          string    `json:"owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// LeaseHeld reports whether an instance other than owner holds a live lease
func (p *RollbackPlan) LeaseHeld(owner string, now time.Time) bool {
	return p.Owner != "" && p.Owner != owner && now.Before(p.LeaseExpiresAt)
}

// ScalingResult is the terminal record of one orchestration attempt
type ScalingResult struct {
	ID         string             `json:"id"`
	Workload   Workload           `json:"workload"`
	Success    bool               `json:"success"`
	State      OrchestrationState `json:"state"`
	Reason     string             `json:"reason"`
	Savings    *float64           `json:"savings,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}
