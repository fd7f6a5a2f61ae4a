package cost

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/pricing"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const gib = 1 << 30

var window = models.NewAnalysisWindow(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), 24*time.Hour)

// fixedProvider prices every node at the same amount
type fixedProvider struct {
	cost float64
	err  error
}

func (p *fixedProvider) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	return p.cost, p.err
}

func (p *fixedProvider) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	return &models.CostInfo{}, nil
}

func (p *fixedProvider) Name() string { return "fixed" }

func TestResourceFraction(t *testing.T) {
	node := models.NodeAllocation{CPUCores: 4, MemoryBytes: 16 * gib}

	tests := []struct {
		name  string
		alloc models.WorkloadAllocation
		node  models.NodeAllocation
		want  float64
	}{
		{"half core one GiB", models.WorkloadAllocation{CPUCores: 0.5, MemoryBytes: gib}, node, 0.1},
		{"whole node", models.WorkloadAllocation{CPUCores: 4, MemoryBytes: 16 * gib}, node, 1},
		{"over request clamps", models.WorkloadAllocation{CPUCores: 8, MemoryBytes: 32 * gib}, node, 1},
		{"no requests", models.WorkloadAllocation{}, node, 0},
		{"zero capacity node", models.WorkloadAllocation{CPUCores: 1, MemoryBytes: gib}, models.NodeAllocation{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResourceFraction(tt.alloc, tt.node)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected fraction %.4f, got %.4f", tt.want, got)
			}
		})
	}
}

func TestUtilizationFactor(t *testing.T) {
	tests := []struct {
		name    string
		metrics *models.Metrics
		want    float64
	}{
		{"nil metrics", nil, 0},
		{"half used", &models.Metrics{AvgCPU: 250, RequestedCPU: 500, AvgMemory: 512, RequestedMemory: 1024}, 0.5},
		{"cpu only", &models.Metrics{AvgCPU: 100, RequestedCPU: 1000, AvgMemory: 0, RequestedMemory: 1024}, 0.06},
		{"no requests", &models.Metrics{AvgCPU: 100}, 1},
		{"over request clamps", &models.Metrics{AvgCPU: 2000, RequestedCPU: 500, AvgMemory: 4096, RequestedMemory: 1024}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UtilizationFactor(tt.metrics)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected utilization %.4f, got %.4f", tt.want, got)
			}
		})
	}
}

func TestCalculateCostExample(t *testing.T) {
	calc := NewCalculator(&fixedProvider{cost: 100}, nil, nil)
	alloc := models.WorkloadAllocation{CPUCores: 0.5, MemoryBytes: gib}
	node := models.NodeAllocation{Name: "node-1", InstanceType: "m5.xlarge", CPUCores: 4, MemoryBytes: 16 * gib}

	breakdown, err := calc.CalculateCost(context.Background(), alloc, node, window, 0.25)
	if err != nil {
		t.Fatalf("CalculateCost failed: %v", err)
	}

	if math.Abs(breakdown.AllocatedCost-10) > 1e-9 {
		t.Errorf("Expected allocated $10.00, got $%.4f", breakdown.AllocatedCost)
	}
	if math.Abs(breakdown.ActualCost-2.5) > 1e-9 {
		t.Errorf("Expected actual $2.50, got $%.4f", breakdown.ActualCost)
	}
	if math.Abs(breakdown.WastedCost-7.5) > 1e-9 {
		t.Errorf("Expected wasted $7.50, got $%.4f", breakdown.WastedCost)
	}
	if breakdown.InstanceType != "m5.xlarge" || breakdown.PricingModel != "on-demand" {
		t.Errorf("Unexpected pricing identity %s/%s", breakdown.InstanceType, breakdown.PricingModel)
	}
	if breakdown.Period != 24*time.Hour {
		t.Errorf("Expected 24h period, got %v", breakdown.Period)
	}
}

func TestCalculateCostFallsBackToSpecs(t *testing.T) {
	unavailable := &models.PricingUnavailableError{Provider: "aws", Node: "node-1", Err: errors.New("unknown type")}
	calc := NewCalculator(&fixedProvider{err: unavailable}, pricing.NewDefaultProvider(23, 3), nil)
	node := models.NodeAllocation{Name: "node-1", InstanceType: "x9.huge", CPUCores: 4, MemoryBytes: 16 * gib}
	month := models.NewAnalysisWindow(window.End, pricing.HoursPerMonth*time.Hour)

	breakdown, err := calc.CalculateCost(context.Background(), models.WorkloadAllocation{CPUCores: 0.5, MemoryBytes: gib}, node, month, 1)
	if err != nil {
		t.Fatalf("CalculateCost failed: %v", err)
	}
	if breakdown.PricingModel != SpecsEstimate {
		t.Errorf("Expected %s pricing model, got %s", SpecsEstimate, breakdown.PricingModel)
	}
	// node estimate is 4*23 + 16*3 = $140/month
	if math.Abs(breakdown.AllocatedCost-14) > 1e-6 {
		t.Errorf("Expected allocated $14.00, got $%.4f", breakdown.AllocatedCost)
	}
}

func TestCalculateCostFallbackFails(t *testing.T) {
	unavailable := &models.PricingUnavailableError{Provider: "aws", Node: "node-1"}
	calc := NewCalculator(&fixedProvider{err: unavailable}, nil, nil)

	_, err := calc.CalculateCost(context.Background(), models.WorkloadAllocation{CPUCores: 1}, models.NodeAllocation{Name: "node-1"}, window, 1)
	var target *models.PricingUnavailableError
	if !errors.As(err, &target) {
		t.Errorf("Expected PricingUnavailableError, got %v", err)
	}
}

func TestCalculateCostProviderError(t *testing.T) {
	calc := NewCalculator(&fixedProvider{err: errors.New("connection refused")}, nil, nil)

	_, err := calc.CalculateCost(context.Background(), models.WorkloadAllocation{CPUCores: 1}, models.NodeAllocation{Name: "n", CPUCores: 2}, window, 1)
	if err == nil {
		t.Error("Expected provider error to surface")
	}
}

func TestBreakdownInvariant(t *testing.T) {
	costs := []float64{0, 0.01, 1, 99.99, 12345.678}
	fractions := []float64{0, 0.1, 0.333333, 1}
	utilizations := []float64{-0.5, 0, 0.17, 0.5, 1, 1.7, math.NaN()}

	for _, c := range costs {
		for _, f := range fractions {
			for _, u := range utilizations {
				b := CalculateBreakdown(c, f, u)
				if !b.Verify() {
					t.Errorf("Invariant broken for cost=%v fraction=%v utilization=%v: %+v", c, f, u, b)
				}
			}
		}
	}
}

type stubNodes map[string]*models.NodeAllocation

func (s stubNodes) GetNode(ctx context.Context, name string) (*models.NodeAllocation, error) {
	if n, ok := s[name]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("node %s not found", name)
}

func pod(name, node, cpu, mem string) corev1.Pod {
	return corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.PodSpec{
			NodeName: node,
			Containers: []corev1.Container{{
				Name: "app",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse(cpu),
						corev1.ResourceMemory: resource.MustParse(mem),
					},
				},
			}},
		},
	}
}

func TestEstimateSavings(t *testing.T) {
	nodes := stubNodes{
		"node-1": {Name: "node-1", CPUCores: 4, MemoryBytes: 16 * gib},
	}
	estimator := NewEstimator(nodes, NewCalculator(pricing.NewDefaultProvider(23, 3), nil, nil), nil)
	w := models.NewDeployment("default", "api", "")

	pods := []corev1.Pod{
		pod("api-1", "node-1", "500m", "1Gi"),
		pod("api-2", "node-1", "500m", "1Gi"),
		pod("api-pending", "", "500m", "1Gi"),
		pod("api-lost", "node-gone", "500m", "1Gi"),
	}

	savings, err := estimator.EstimateSavings(context.Background(), w, pods, window)
	if err != nil {
		t.Fatalf("EstimateSavings failed: %v", err)
	}
	// two pods at 10% of a $140/month node
	if math.Abs(savings-28) > 1e-6 {
		t.Errorf("Expected $28.00/month, got $%.4f", savings)
	}
}

func TestEstimateSavingsNothingPriced(t *testing.T) {
	estimator := NewEstimator(stubNodes{}, NewCalculator(nil, nil, nil), nil)

	_, err := estimator.EstimateSavings(context.Background(), models.NewDeployment("default", "api", ""), []corev1.Pod{pod("p", "", "1", "1Gi")}, window)
	if err == nil {
		t.Error("Expected error when no pod can be priced")
	}
}

func TestPodAllocation(t *testing.T) {
	p := pod("p", "n", "250m", "512Mi")
	p.Spec.Containers = append(p.Spec.Containers, corev1.Container{Name: "sidecar"})

	alloc := PodAllocation(p)
	if math.Abs(alloc.CPUCores-0.25) > 1e-9 {
		t.Errorf("Expected 0.25 cores, got %v", alloc.CPUCores)
	}
	if alloc.MemoryBytes != 512<<20 {
		t.Errorf("Expected 512Mi, got %d", alloc.MemoryBytes)
	}
}
