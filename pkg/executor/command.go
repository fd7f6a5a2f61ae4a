package executor

import (
	"fmt"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// GenerateCommand returns the kubectl command equivalent to executing rec,
// or an empty string when rec does not ask for a scale-down
func GenerateCommand(rec *models.ScalingRecommendation) string {
	if !rec.ShouldExecute() {
		return ""
	}
	return fmt.Sprintf("kubectl scale deployment %s -n %s --replicas=0", rec.Workload.Name, rec.Workload.Namespace)
}

// RestoreCommand returns the kubectl command that undoes a plan's scale-down
func RestoreCommand(plan *models.RollbackPlan) string {
	return fmt.Sprintf("kubectl scale deployment %s -n %s --replicas=%d",
		plan.Workload.Name, plan.Workload.Namespace, plan.OriginalReplicas)
}
