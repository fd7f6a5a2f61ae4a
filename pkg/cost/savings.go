package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/pricing"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
)

// NodeGetter resolves a node's capacity and pricing identity
type NodeGetter interface {
	GetNode(ctx context.Context, name string) (*models.NodeAllocation, error)
}

// Estimator projects monthly savings for scaling a workload to zero
type Estimator struct {
	nodes      NodeGetter
	calculator *Calculator
	logger     *zap.SugaredLogger
}

func NewEstimator(nodes NodeGetter, calculator *Calculator, logger *zap.SugaredLogger) *Estimator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{nodes: nodes, calculator: calculator, logger: logger}
}

// EstimateSavings returns the monthly cost allocated to the pods. Scaling to
// zero releases the whole allocation, so this is also the saving.
func (e *Estimator) EstimateSavings(ctx context.Context, w models.Workload, pods []corev1.Pod, window models.AnalysisWindow) (float64, error) {
	month := models.NewAnalysisWindow(window.End, time.Duration(pricing.HoursPerMonth*float64(time.Hour)))
	nodes := make(map[string]*models.NodeAllocation)

	var total float64
	priced := 0
	for _, pod := range pods {
		nodeName := pod.Spec.NodeName
		if nodeName == "" {
			continue
		}

		node, ok := nodes[nodeName]
		if !ok {
			var err error
			node, err = e.nodes.GetNode(ctx, nodeName)
			if err != nil {
				e.logger.Warnw("Cannot read node", "workload", w.String(), "node", nodeName, zap.Error(err))
				continue
			}
			nodes[nodeName] = node
		}

		breakdown, err := e.calculator.CalculateCost(ctx, PodAllocation(pod), *node, month, 1)
		if err != nil {
			e.logger.Warnw("Cannot price pod", "workload", w.String(), "pod", pod.Name, zap.Error(err))
			continue
		}
		total += breakdown.AllocatedCost
		priced++
	}

	if priced == 0 {
		return 0, fmt.Errorf("no pod of %s could be priced", w)
	}
	return total, nil
}

// PodAllocation sums the container requests of a pod
func PodAllocation(pod corev1.Pod) models.WorkloadAllocation {
	var alloc models.WorkloadAllocation
	for _, c := range pod.Spec.Containers {
		if cpu, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			alloc.CPUCores += float64(cpu.MilliValue()) / 1000.0
		}
		if mem, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			alloc.MemoryBytes += mem.Value()
		}
	}
	return alloc
}
