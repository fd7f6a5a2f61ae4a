// Package cost attributes node cost to workloads and estimates what scaling
// a workload to zero would save.
package cost

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/pricing"
	"go.uber.org/zap"
)

const (
	cpuWeight    = 0.6
	memoryWeight = 0.4

	// SpecsEstimate is the pricing model recorded when the configured
	// provider could not price the node
	SpecsEstimate = "specs-estimate"
)

// ResourceFraction returns the weighted share of the node the allocation
// claims. CPU counts for 60% and memory for 40%.
func ResourceFraction(alloc models.WorkloadAllocation, node models.NodeAllocation) float64 {
	var cpuFrac, memFrac float64
	if node.CPUCores > 0 {
		cpuFrac = clampUnit(alloc.CPUCores / node.CPUCores)
	}
	if node.MemoryBytes > 0 {
		memFrac = clampUnit(float64(alloc.MemoryBytes) / float64(node.MemoryBytes))
	}
	return cpuWeight*cpuFrac + memoryWeight*memFrac
}

// UtilizationFactor returns how much of its request the workload used over
// the window, weighted the same way as ResourceFraction. A dimension with no
// request counts as fully used.
func UtilizationFactor(m *models.Metrics) float64 {
	if m == nil {
		return 0
	}
	cpu := 1.0
	if m.RequestedCPU > 0 {
		cpu = clampUnit(float64(m.AvgCPU) / float64(m.RequestedCPU))
	}
	mem := 1.0
	if m.RequestedMemory > 0 {
		mem = clampUnit(float64(m.AvgMemory) / float64(m.RequestedMemory))
	}
	return clampUnit(cpuWeight*cpu + memoryWeight*mem)
}

// CalculateBreakdown splits the workload's share of periodCost into used and
// wasted cost
func CalculateBreakdown(periodCost, fraction, utilization float64) models.CostBreakdown {
	utilization = clampUnit(utilization)
	allocated := periodCost * fraction
	actual := allocated * utilization
	return models.CostBreakdown{
		AllocatedCost:     allocated,
		ActualCost:        actual,
		WastedCost:        allocated - actual,
		ResourceFraction:  fraction,
		UtilizationFactor: utilization,
	}
}

// Calculator prices nodes through a provider and falls back to a
// specs-based estimate when the provider has no price
type Calculator struct {
	provider pricing.Provider
	fallback *pricing.DefaultProvider
	logger   *zap.SugaredLogger
}

func NewCalculator(provider pricing.Provider, fallback *pricing.DefaultProvider, logger *zap.SugaredLogger) *Calculator {
	if fallback == nil {
		fallback = pricing.NewDefaultProvider(0, 0)
	}
	if provider == nil {
		provider = fallback
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Calculator{provider: provider, fallback: fallback, logger: logger}
}

// CalculateCost attributes the node's cost over the window to the allocation.
// It returns a PricingUnavailableError only when the fallback estimate fails
// as well.
func (c *Calculator) CalculateCost(ctx context.Context, alloc models.WorkloadAllocation, node models.NodeAllocation, window models.AnalysisWindow, utilization float64) (*models.CostBreakdown, error) {
	pricingModel := node.PricingModel
	if pricingModel == "" {
		pricingModel = pricing.OnDemand
	}

	periodCost, err := c.provider.GetResourceCost(ctx, node, window)
	if err != nil {
		var unavailable *models.PricingUnavailableError
		if !errors.As(err, &unavailable) {
			return nil, fmt.Errorf("pricing node %s: %w", node.Name, err)
		}
		c.logger.Warnw("Provider has no price, using specs estimate",
			"provider", c.provider.Name(), "node", node.Name, "instanceType", node.InstanceType, zap.Error(err))

		periodCost, err = c.fallback.GetResourceCost(ctx, node, window)
		if err != nil {
			return nil, err
		}
		pricingModel = SpecsEstimate
	}

	breakdown := CalculateBreakdown(periodCost, ResourceFraction(alloc, node), utilization)
	breakdown.InstanceType = node.InstanceType
	breakdown.PricingModel = pricingModel
	breakdown.Period = window.Duration()
	return &breakdown, nil
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
