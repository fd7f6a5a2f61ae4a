package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/cluster"
	"github.com/opscart/k8s-idle-optimizer/pkg/cluster/fake"
	"github.com/opscart/k8s-idle-optimizer/pkg/config"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clocktesting "k8s.io/utils/clock/testing"
)

// Sunday 03:00 UTC, outside any weekday business hours
var now = time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)

var orders = models.NewDeployment("shop", "orders", "")

func newCluster() (*fake.Cluster, *cluster.DeploymentState) {
	c := fake.New()
	state := c.AddDeployment(orders, 2)
	state.Labels = map[string]string{"app": "orders"}
	state.TemplateLabels = map[string]string{"app": "orders"}
	state.Annotations = map[string]string{}
	state.TemplateAnnotations = map[string]string{}
	state.CreatedAt = now.Add(-30 * 24 * time.Hour)
	state.LastChanged = now.Add(-7 * 24 * time.Hour)
	c.Services[fake.Key(orders)] = []corev1.Service{{
		ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "shop"},
		Spec:       corev1.ServiceSpec{Type: corev1.ServiceTypeClusterIP, Selector: map[string]string{"app": "orders"}},
	}}
	return c, state
}

func newValidator(c cluster.Cluster, hours *config.BusinessHours) *Validator {
	return NewValidator(nil, DefaultChecks(c, Options{
		BusinessHours:    hours,
		MinDeploymentAge: 24 * time.Hour,
		Clock:            clocktesting.NewFakePassiveClock(now),
	})...)
}

func TestValidatePassesCleanWorkload(t *testing.T) {
	c, _ := newCluster()
	result := newValidator(c, nil).Validate(context.Background(), orders)

	if !result.IsSafe {
		t.Fatalf("Expected safe, got %+v", result)
	}
	if result.RiskLevel != models.RiskLow {
		t.Errorf("Expected LOW risk, got %s", result.RiskLevel)
	}
	if result.Reason != "all 8 safety checks passed" {
		t.Errorf("Unexpected reason %q", result.Reason)
	}
}

func TestValidateFailures(t *testing.T) {
	weekdays, err := config.ParseBusinessHours("Mon-Fri 09:00-18:00 UTC")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		setup     func(c *fake.Cluster, s *cluster.DeploymentState)
		hours     *config.BusinessHours
		wantCheck string
		wantRisk  models.RiskLevel
	}{
		{
			name:      "critical label",
			setup:     func(c *fake.Cluster, s *cluster.DeploymentState) { s.Labels["criticality"] = "critical" },
			wantCheck: "criticality",
			wantRisk:  models.RiskHigh,
		},
		{
			name:      "critical component label",
			setup:     func(c *fake.Cluster, s *cluster.DeploymentState) { s.TemplateLabels["critical-component"] = "true" },
			wantCheck: "criticality",
			wantRisk:  models.RiskHigh,
		},
		{
			name: "production frontend",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				s.Labels["environment"] = "prod"
				s.Labels["tier"] = "frontend"
			},
			wantCheck: "criticality",
			wantRisk:  models.RiskHigh,
		},
		{
			name: "production namespace database",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.NamespaceLabels["shop"] = map[string]string{"environment": "production"}
				s.Labels["tier"] = "database"
			},
			wantCheck: "criticality",
			wantRisk:  models.RiskHigh,
		},
		{
			name: "load balancer service",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Services["shop/orders"][0].Spec.Type = corev1.ServiceTypeLoadBalancer
			},
			wantCheck: "dependencies",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "external ips",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Services["shop/orders"][0].Spec.ExternalIPs = []string{"198.51.100.4"}
			},
			wantCheck: "dependencies",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "endpoint without pod",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Endpoints["shop/orders"] = &corev1.Endpoints{Subsets: []corev1.EndpointSubset{{
					Addresses: []corev1.EndpointAddress{
						{IP: "10.1.0.4", TargetRef: &corev1.ObjectReference{Kind: "Pod", Name: "orders-1"}},
						{IP: "172.16.0.9"},
					},
				}}}
			},
			wantCheck: "dependencies",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "mesh internal virtual service",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.VirtualServices["shop/orders"] = []cluster.VirtualService{{Name: "orders", Namespace: "shop", Gateways: []string{"mesh"}}}
			},
			wantCheck: "dependencies",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "ingress",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Ingresses["shop/orders"] = []networkingv1.Ingress{{ObjectMeta: metav1.ObjectMeta{Name: "public"}}}
			},
			wantCheck: "ingress",
			wantRisk:  models.RiskHigh,
		},
		{
			name: "persistent volume",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				s.Volumes = []corev1.Volume{{Name: "data", VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "orders-data"},
				}}}
			},
			wantCheck: "persistent-volume",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "hpa",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Autoscalers["shop/orders"] = []autoscalingv2.HorizontalPodAutoscaler{{ObjectMeta: metav1.ObjectMeta{Name: "orders"}}}
			},
			wantCheck: "autoscaler",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "business hours annotation",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				s.Annotations[cluster.BusinessHoursAnnotation] = "daily 00:00-06:00 UTC"
			},
			wantCheck: "business-hours",
			wantRisk:  models.RiskMedium,
		},
		{
			name: "invalid business hours annotation fails closed",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				s.Annotations[cluster.BusinessHoursAnnotation] = "whenever"
			},
			wantCheck: "business-hours",
			wantRisk:  models.RiskHigh,
		},
		{
			name:      "recent deployment",
			setup:     func(c *fake.Cluster, s *cluster.DeploymentState) { s.LastChanged = now.Add(-2 * time.Hour) },
			hours:     weekdays,
			wantCheck: "recent-deployment",
			wantRisk:  models.RiskLow,
		},
		{
			name: "cluster error fails closed",
			setup: func(c *fake.Cluster, s *cluster.DeploymentState) {
				c.Errors["GetServicesFor"] = errors.New("apiserver unavailable")
			},
			wantCheck: "dependencies",
			wantRisk:  models.RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, state := newCluster()
			tt.setup(c, state)

			result := newValidator(c, tt.hours).Validate(context.Background(), orders)
			if result.IsSafe {
				t.Fatalf("Expected unsafe, got %+v", result)
			}
			if result.Check != tt.wantCheck {
				t.Errorf("Expected %s to fail, got %s (%s)", tt.wantCheck, result.Check, result.Reason)
			}
			if result.RiskLevel != tt.wantRisk {
				t.Errorf("Expected %s risk, got %s", tt.wantRisk, result.RiskLevel)
			}
			if result.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestServiceMeshGateway(t *testing.T) {
	tests := []struct {
		name     string
		inject   bool
		wantSafe bool
	}{
		{"injected and exposed", true, false},
		{"not injected", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, state := newCluster()
			if tt.inject {
				state.TemplateAnnotations["sidecar.istio.io/inject"] = "true"
			}
			c.VirtualServices["shop/orders"] = []cluster.VirtualService{{Name: "orders", Namespace: "shop", Gateways: []string{"istio-system/public"}}}

			check := &ServiceMeshCheck{Cluster: c}
			result := check.Check(context.Background(), orders)
			if result.IsSafe != tt.wantSafe {
				t.Errorf("Expected safe=%v, got %+v", tt.wantSafe, result)
			}
			if !result.IsSafe && result.RiskLevel != models.RiskHigh {
				t.Errorf("Expected HIGH risk, got %s", result.RiskLevel)
			}
		})
	}
}

func TestNamespaceInjection(t *testing.T) {
	state := &cluster.DeploymentState{}
	if !sidecarInjected(state, map[string]string{"istio-injection": "enabled"}) {
		t.Error("Expected namespace injection label to count")
	}
	state.TemplateAnnotations = map[string]string{"sidecar.istio.io/inject": "false"}
	if sidecarInjected(state, map[string]string{"istio-injection": "enabled"}) {
		t.Error("Expected pod opt-out to win over namespace injection")
	}
}

func TestValidateShortCircuits(t *testing.T) {
	c, state := newCluster()
	state.Labels["criticality"] = "critical"
	c.Errors["GetIngressesFor"] = errors.New("should not be called")

	result := newValidator(c, nil).Validate(context.Background(), orders)
	if result.Check != "criticality" {
		t.Errorf("Expected the first failure to be reported, got %s", result.Check)
	}
}

func TestValidateReportsFirstFailureInOrder(t *testing.T) {
	c, state := newCluster()
	state.LastChanged = now
	c.Ingresses["shop/orders"] = []networkingv1.Ingress{{ObjectMeta: metav1.ObjectMeta{Name: "public"}}}

	result := newValidator(c, nil).Validate(context.Background(), orders)
	if result.Check != "ingress" {
		t.Errorf("Expected ingress before recent-deployment, got %s", result.Check)
	}
}

func TestValidateWithoutChecksFailsClosed(t *testing.T) {
	result := NewValidator(nil).Validate(context.Background(), orders)
	if result.IsSafe {
		t.Fatalf("Expected an empty validator to refuse, got %+v", result)
	}
	if result.RiskLevel != models.RiskHigh || result.Reason == "" {
		t.Errorf("Expected high risk with a reason, got %+v", result)
	}
}

func TestValidateCancelled(t *testing.T) {
	c, _ := newCluster()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newValidator(c, nil).Validate(ctx, orders)
	if result.IsSafe {
		t.Error("Expected cancelled validation to be unsafe")
	}
}

func TestBusinessHoursDefault(t *testing.T) {
	c, _ := newCluster()
	nightShift, _ := config.ParseBusinessHours("Sun 02:00-04:00 UTC")

	check := &BusinessHoursCheck{Cluster: c, Default: nightShift, Clock: clocktesting.NewFakePassiveClock(now)}
	result := check.Check(context.Background(), orders)
	if result.IsSafe {
		t.Fatalf("Expected default window to apply, got %+v", result)
	}
	if !strings.Contains(result.Reason, "business hours") {
		t.Errorf("Unexpected reason %q", result.Reason)
	}
}

func TestClassifyEnvironment(t *testing.T) {
	tests := []struct {
		name      string
		labels    map[string]string
		nsLabels  map[string]string
		namespace string
		want      Environment
	}{
		{"workload label", map[string]string{"environment": "prd"}, nil, "shop", EnvironmentProduction},
		{"namespace label", nil, map[string]string{"environment": "staging"}, "shop", EnvironmentStaging},
		{"namespace tier label", nil, map[string]string{"tier": "prod"}, "shop", EnvironmentProduction},
		{"name pattern", nil, nil, "payments-prod", EnvironmentProduction},
		{"dev name", nil, nil, "sandbox-1", EnvironmentDevelopment},
		{"unknown", nil, nil, "shop", EnvironmentUnknown},
		{"workload label wins", map[string]string{"environment": "dev"}, map[string]string{"environment": "production"}, "prod", EnvironmentDevelopment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyEnvironment(tt.labels, tt.nsLabels, tt.namespace); got != tt.want {
				t.Errorf("ClassifyEnvironment = %s, want %s", got, tt.want)
			}
		})
	}
}
