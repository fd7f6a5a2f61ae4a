package analyzer

import (
	"fmt"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// NormalOperation is the explanation when no factor stands out
const NormalOperation = "normal operation"

// Explain lists a clause for every factor past its threshold
func Explain(f models.IdleFactorScores) []string {
	var clauses []string
	if f.Business > 80 {
		clauses = append(clauses, fmt.Sprintf("little real business traffic (business score %.1f)", f.Business))
	}
	if f.Resource > 70 {
		clauses = append(clauses, fmt.Sprintf("serving far fewer requests per core than its baseline (resource score %.1f)", f.Resource))
	}
	if f.Temporal > 60 {
		clauses = append(clauses, fmt.Sprintf("activity well below the usual level for this time (temporal score %.1f)", f.Temporal))
	}
	if f.Dependency < 30 {
		clauses = append(clauses, fmt.Sprintf("dependencies unhealthy or undeclared (dependency score %.1f)", f.Dependency))
	}
	if len(clauses) == 0 {
		return []string{NormalOperation}
	}
	return clauses
}
