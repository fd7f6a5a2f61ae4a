// Package safety gates scale-to-zero behind an ordered list of checks.
package safety

import (
	"context"
	"fmt"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"go.uber.org/zap"
)

// Check is one independent safety gate
type Check interface {
	Name() string
	Check(ctx context.Context, w models.Workload) models.SafetyCheckResult
}

// Validator runs checks in order and stops at the first failure
type Validator struct {
	checks []Check
	logger *zap.SugaredLogger
}

func NewValidator(logger *zap.SugaredLogger, checks ...Check) *Validator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Validator{checks: checks, logger: logger}
}

// Checks returns the names of the configured checks in order
func (v *Validator) Checks() []string {
	names := make([]string, len(v.checks))
	for i, c := range v.checks {
		names[i] = c.Name()
	}
	return names
}

// Validate returns the first failing check's result, or an aggregate pass.
// A validator without checks fails closed.
func (v *Validator) Validate(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	if len(v.checks) == 0 {
		return unsafe("validator", models.RiskHigh, "no safety checks configured")
	}
	for _, c := range v.checks {
		if err := ctx.Err(); err != nil {
			return unsafe(c.Name(), models.RiskHigh, "validation cancelled: %v", err)
		}
		result := c.Check(ctx, w)
		result.Check = c.Name()
		if !result.IsSafe {
			v.logger.Infow("Safety check failed",
				"workload", w.String(),
				"check", c.Name(),
				"risk", result.RiskLevel,
				"reason", result.Reason)
			return result
		}
	}
	return models.SafetyCheckResult{
		IsSafe:    true,
		Reason:    fmt.Sprintf("all %d safety checks passed", len(v.checks)),
		RiskLevel: models.RiskLow,
	}
}

func safe(name string) models.SafetyCheckResult {
	return models.SafetyCheckResult{Check: name, IsSafe: true, RiskLevel: models.RiskLow}
}

func unsafe(name string, risk models.RiskLevel, format string, args ...interface{}) models.SafetyCheckResult {
	return models.SafetyCheckResult{
		Check:     name,
		IsSafe:    false,
		Reason:    fmt.Sprintf(format, args...),
		RiskLevel: risk,
	}
}

// failClosed reports a check that could not read cluster state
func failClosed(name string, err error) models.SafetyCheckResult {
	return unsafe(name, models.RiskHigh, "%s check could not verify the workload: %v", name, err)
}
