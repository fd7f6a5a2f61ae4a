package models

import (
	"fmt"
	"time"
)

// ScalingAction is the action a recommendation asks for
type ScalingAction string

const (
	ActionNoAction    ScalingAction = "NO_ACTION"
	ActionScaleToZero ScalingAction = "SCALE_TO_ZERO"
)

// IdleFactorScores holds the four independent idle contributions, each in [0,100]
type IdleFactorScores struct {
	Business   float64 `json:"business"`
	Resource   float64 `json:"resource"`
	Temporal   float64 `json:"temporal"`
	Dependency float64 `json:"dependency"`
}

// IdleAnalysis is the result of one analysis. A re-analysis produces a new value.
type IdleAnalysis struct {
	Workload            Workload         `json:"workload"`
	Window              AnalysisWindow   `json:"window"`
	IdleProbability     float64          `json:"idle_probability"`
	Confidence          float64          `json:"confidence"`
	Factors             IdleFactorScores `json:"factors"`
	ContributingFactors []string         `json:"contributing_factors"`
	UsagePattern        string           `json:"usage_pattern,omitempty"`
	RecommendedAction   ScalingAction    `json:"recommended_action"`
	AnalyzedAt          time.Time        `json:"analyzed_at"`
}

// SafetyCheckResult is the outcome of one safety check, or of the whole validator
type SafetyCheckResult struct {
	Check     string    `json:"check,omitempty"`
	IsSafe    bool      `json:"is_safe"`
	Reason    string    `json:"reason"`
	RiskLevel RiskLevel `json:"risk_level"`
}

// TriggerSpec describes how a scaled-to-zero workload is woken up again
type TriggerSpec struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ScalingRecommendation is the output of the decision engine
type ScalingRecommendation struct {
	// ID is set once the recommendation is persisted
	ID               string            `json:"id,omitempty"`
	Workload         Workload          `json:"workload"`
	Action           ScalingAction     `json:"action"`
	Reason           string            `json:"reason"`
	Confidence       float64           `json:"confidence"`
	IdleProbability  float64           `json:"idle_probability"`
	EstimatedSavings *float64          `json:"estimated_savings,omitempty"`
	TriggerSpec      *TriggerSpec      `json:"trigger_spec,omitempty"`
	Safety           SafetyCheckResult `json:"safety"`
	PodCount         int               `json:"pod_count"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ShouldExecute reports whether the recommendation asks for a scale-down
func (r *ScalingRecommendation) ShouldExecute() bool {
	return r != nil && r.Action == ActionScaleToZero
}

func (r *ScalingRecommendation) String() string {
	if r.Action != ActionScaleToZero {
		return fmt.Sprintf("[%s] %s: %s", r.Action, r.Workload, r.Reason)
	}

	savings := "unknown"
	if r.EstimatedSavings != nil {
		savings = fmt.Sprintf("$%.2f/month", *r.EstimatedSavings)
	}
	return fmt.Sprintf(
		"[%s] %s: %s\n"+
			"  Idle probability: %.1f%%\n"+
			"  Confidence: %.1f%%\n"+
			"  Pods: %d\n"+
			"  Savings: %s\n"+
			"  Safety: %s",
		r.Action,
		r.Workload,
		r.Reason,
		r.IdleProbability,
		r.Confidence,
		r.PodCount,
		savings,
		r.Safety.Reason,
	)
}
