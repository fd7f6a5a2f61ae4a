package pricing

import (
	"context"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// gcpOnDemandHourly is us-central1 on-demand pricing
var gcpOnDemandHourly = map[string]float64{
	"e2-medium":     0.0335,
	"e2-standard-2": 0.067,
	"e2-standard-4": 0.134,
	"e2-standard-8": 0.268,
	"n1-standard-1": 0.0475,
	"n1-standard-2": 0.095,
	"n1-standard-4": 0.19,
	"n2-standard-2": 0.0971,
	"n2-standard-4": 0.1942,
	"n2-standard-8": 0.3885,
}

// GCPProvider implements GCP GKE pricing
type GCPProvider struct {
	region string
}

func NewGCPProvider(region string) *GCPProvider {
	return &GCPProvider{region: region}
}

func (g *GCPProvider) Name() string {
	return "gcp"
}

func (g *GCPProvider) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	return &models.CostInfo{
		Provider:         "gcp",
		Region:           region,
		NodeType:         nodeType,
		CPUCostPerCore:   31.0, // e2-medium average
		MemoryCostPerGiB: 4.2,
		NodeCostPerHour:  gcpOnDemandHourly[nodeType],
		Currency:         "USD",
		LastUpdated:      time.Now(),
	}, nil
}

func (g *GCPProvider) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	return instanceCost(g.Name(), gcpOnDemandHourly, node, window)
}
