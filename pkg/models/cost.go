package models

import (
	"math"
	"time"
)

// CostInfo represents per-resource pricing for a region or node type
type CostInfo struct {
	Provider         string
	Region           string
	NodeType         string
	CPUCostPerCore   float64 // $/core/month
	MemoryCostPerGiB float64 // $/GiB/month
	NodeCostPerHour  float64 // 0 when only per-resource rates are known
	Currency         string
	LastUpdated      time.Time
}

// NodeAllocation is the capacity and identity of the node a pod runs on
type NodeAllocation struct {
	Name         string
	Provider     string // aws, azure, gcp, default
	InstanceType string
	Region       string
	PricingModel string // on-demand, spot
	CPUCores     float64
	MemoryBytes  int64
}

// MemoryGiB returns node memory in GiB
func (n NodeAllocation) MemoryGiB() float64 {
	return float64(n.MemoryBytes) / (1024.0 * 1024.0 * 1024.0)
}

// WorkloadAllocation is the resources a pod requests
type WorkloadAllocation struct {
	CPUCores    float64
	MemoryBytes int64
}

// CostBreakdown attributes a node's cost for a period to one workload.
// ActualCost + WastedCost == AllocatedCost.
type CostBreakdown struct {
	AllocatedCost     float64       `json:"allocated_cost"`
	ActualCost        float64       `json:"actual_cost"`
	WastedCost        float64       `json:"wasted_cost"`
	ResourceFraction  float64       `json:"resource_fraction"`
	UtilizationFactor float64       `json:"utilization_factor"`
	InstanceType      string        `json:"instance_type"`
	PricingModel      string        `json:"pricing_model"`
	Period            time.Duration `json:"period"`
}

const costTolerance = 1e-6

// Verify reports whether the breakdown holds its accounting invariant
func (c CostBreakdown) Verify() bool {
	if c.UtilizationFactor < 0 || c.UtilizationFactor > 1 {
		return false
	}
	return math.Abs(c.ActualCost+c.WastedCost-c.AllocatedCost) <= costTolerance
}
