package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// DefaultProvider prices a node from its specs at flat per-core and
// per-GiB monthly rates. It is the fallback for on-prem, unknown clouds and
// instance types missing from a cloud provider's table.
type DefaultProvider struct {
	cpuCost    float64
	memoryCost float64
}

func NewDefaultProvider(cpuCost, memoryCost float64) *DefaultProvider {
	if cpuCost == 0 {
		cpuCost = 23.0 // Conservative default
	}
	if memoryCost == 0 {
		memoryCost = 3.0
	}
	return &DefaultProvider{
		cpuCost:    cpuCost,
		memoryCost: memoryCost,
	}
}

func (d *DefaultProvider) Name() string {
	return "default"
}

func (d *DefaultProvider) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	return &models.CostInfo{
		Provider:         "default",
		Region:           "unknown",
		CPUCostPerCore:   d.cpuCost,
		MemoryCostPerGiB: d.memoryCost,
		Currency:         "USD",
		LastUpdated:      time.Now(),
	}, nil
}

// GetResourceCost estimates the node's cost from its cores and memory
func (d *DefaultProvider) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	if node.CPUCores <= 0 && node.MemoryBytes <= 0 {
		return 0, &models.PricingUnavailableError{
			Provider: d.Name(),
			Node:     node.Name,
			Err:      fmt.Errorf("node reports no capacity"),
		}
	}
	monthly := node.CPUCores*d.cpuCost + node.MemoryGiB()*d.memoryCost
	return monthly / HoursPerMonth * window.Hours(), nil
}
