package models

import "time"

// Recommendation is the persisted history row for a ScalingRecommendation
type Recommendation struct {
	ID          string
	Action      ScalingAction
	Workload    *Workload
	Environment string

	IdleProbability float64
	Confidence      float64
	Reason          string
	SavingsMonthly  float64
	Risk            RiskLevel

	// Generated command
	Command string

	// Metadata
	CreatedAt time.Time
	AppliedAt *time.Time
	AppliedBy string
}

// AuditEntry represents an action taken
type AuditEntry struct {
	ID               string
	RecommendationID string
	Workload         Workload
	Action           string // SCALED_TO_ZERO, ROLLED_BACK, ROLLBACK_FAILED
	Status           string // SUCCESS, FAILED
	ErrorMessage     string
	ExecutedBy       string
	ExecutedAt       time.Time
}

const (
	AuditScaledToZero   = "SCALED_TO_ZERO"
	AuditRolledBack     = "ROLLED_BACK"
	AuditRollbackFailed = "ROLLBACK_FAILED"

	AuditSuccess = "SUCCESS"
	AuditFailed  = "FAILED"
)
