package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// HoursPerMonth is the billing month used to convert hourly prices
const HoursPerMonth = 730.0

// spotMultiplier is the share of the on-demand price paid for spot capacity
const spotMultiplier = 0.35

// Provider defines the interface for cloud pricing data
type Provider interface {
	// GetResourceCost returns what the node costs over the window
	GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error)
	GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error)
	Name() string
}

type Config struct {
	// Provider pins every node to one provider; empty prices each node by
	// the cloud it reports
	Provider      string
	Region        string
	CacheTTL      time.Duration
	DefaultCPU    float64
	DefaultMemory float64
}

// instanceCost prorates an hourly instance price to the window
func instanceCost(provider string, hourly map[string]float64, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	price, ok := hourly[node.InstanceType]
	if !ok {
		return 0, &models.PricingUnavailableError{
			Provider: provider,
			Node:     node.Name,
			Err:      fmt.Errorf("no price for instance type %q", node.InstanceType),
		}
	}
	return prorate(price, node, window), nil
}

func prorate(hourlyPrice float64, node models.NodeAllocation, window models.AnalysisWindow) float64 {
	cost := hourlyPrice * window.Hours()
	if node.PricingModel == Spot {
		cost *= spotMultiplier
	}
	return cost
}
