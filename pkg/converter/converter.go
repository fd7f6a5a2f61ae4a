package converter

import (
	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// ToRecord converts a ScalingRecommendation into its persisted history row
func ToRecord(rec *models.ScalingRecommendation, environment string) *models.Recommendation {
	w := rec.Workload

	risk := rec.Safety.RiskLevel
	if risk == "" {
		risk = models.RiskNone
	}

	var savings float64
	if rec.EstimatedSavings != nil {
		savings = *rec.EstimatedSavings
	}

	return &models.Recommendation{
		ID:              rec.ID,
		Action:          rec.Action,
		Workload:        &w,
		Environment:     environment,
		IdleProbability: rec.IdleProbability,
		Confidence:      rec.Confidence,
		Reason:          rec.Reason,
		SavingsMonthly:  savings,
		Risk:            risk,
		Command:         executor.GenerateCommand(rec),
		CreatedAt:       rec.CreatedAt,
	}
}

// FromRecord rebuilds the recommendation a history row was made from, so
// a stored recommendation can be executed later
func FromRecord(rec *models.Recommendation) *models.ScalingRecommendation {
	out := &models.ScalingRecommendation{
		ID:              rec.ID,
		Action:          rec.Action,
		Reason:          rec.Reason,
		Confidence:      rec.Confidence,
		IdleProbability: rec.IdleProbability,
		Safety:          models.SafetyCheckResult{IsSafe: rec.Action == models.ActionScaleToZero, RiskLevel: rec.Risk},
		CreatedAt:       rec.CreatedAt,
	}
	if rec.Workload != nil {
		out.Workload = *rec.Workload
	}
	if rec.SavingsMonthly > 0 {
		savings := rec.SavingsMonthly
		out.EstimatedSavings = &savings
	}
	return out
}
