package pricing

import (
	"context"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// awsOnDemandHourly is us-east-1 Linux on-demand pricing
var awsOnDemandHourly = map[string]float64{
	"t3.medium":  0.0416,
	"t3.large":   0.0832,
	"t3.xlarge":  0.1664,
	"m5.large":   0.096,
	"m5.xlarge":  0.192,
	"m5.2xlarge": 0.384,
	"m5.4xlarge": 0.768,
	"m6i.large":  0.096,
	"m6i.xlarge": 0.192,
	"c5.large":   0.085,
	"c5.xlarge":  0.17,
	"c5.2xlarge": 0.34,
	"r5.large":   0.126,
	"r5.xlarge":  0.252,
}

// AWSProvider implements AWS EKS pricing
type AWSProvider struct {
	region string
}

func NewAWSProvider(region string) *AWSProvider {
	return &AWSProvider{region: region}
}

func (a *AWSProvider) Name() string {
	return "aws"
}

func (a *AWSProvider) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	return &models.CostInfo{
		Provider:         "aws",
		Region:           region,
		NodeType:         nodeType,
		CPUCostPerCore:   33.0, // $/core/month (t3.medium average)
		MemoryCostPerGiB: 4.5,  // $/GiB/month
		NodeCostPerHour:  awsOnDemandHourly[nodeType],
		Currency:         "USD",
		LastUpdated:      time.Now(),
	}, nil
}

func (a *AWSProvider) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	return instanceCost(a.Name(), awsOnDemandHourly, node, window)
}
