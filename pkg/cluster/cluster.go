package cluster

import (
	"context"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
)

const (
	// DependenciesAnnotation lists a workload's dependencies, comma separated
	DependenciesAnnotation = "idle.opscart.io/dependencies"

	// BusinessHoursAnnotation overrides the configured business-hours window
	BusinessHoursAnnotation = "idle.opscart.io/business-hours"

	restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"
)

// Cluster is the cluster collaborator
type Cluster interface {
	ListPodsForWorkload(ctx context.Context, w models.Workload) ([]corev1.Pod, error)
	GetDeploymentState(ctx context.Context, w models.Workload) (*DeploymentState, error)
	ScaleDeployment(ctx context.Context, w models.Workload, replicas int32) error
	RestoreDeployment(ctx context.Context, plan *models.RollbackPlan) error

	GetServicesFor(ctx context.Context, w models.Workload) ([]corev1.Service, error)
	GetVirtualServicesFor(ctx context.Context, w models.Workload) ([]VirtualService, error)
	GetEndpointsFor(ctx context.Context, svc corev1.Service) (*corev1.Endpoints, error)
	GetIngressesFor(ctx context.Context, w models.Workload) ([]networkingv1.Ingress, error)
	GetAutoscalersFor(ctx context.Context, w models.Workload) ([]autoscalingv2.HorizontalPodAutoscaler, error)

	GetNamespaceLabels(ctx context.Context, namespace string) (map[string]string, error)
	GetNode(ctx context.Context, name string) (*models.NodeAllocation, error)
	DependenciesFor(ctx context.Context, w models.Workload) ([]string, error)
	ListDeployments(ctx context.Context, namespace string) ([]models.Workload, error)
	ListNamespaces(ctx context.Context) ([]string, error)
}

// DeploymentState is the mutable state a rollback plan snapshots
type DeploymentState struct {
	Replicas            int32
	Resources           map[string]corev1.ResourceRequirements
	Env                 map[string][]corev1.EnvVar
	Labels              map[string]string
	Annotations         map[string]string
	TemplateLabels      map[string]string
	TemplateAnnotations map[string]string
	Volumes             []corev1.Volume
	CreatedAt           time.Time
	LastChanged         time.Time
}

// VirtualService is the part of an Istio VirtualService the safety checks read
type VirtualService struct {
	Name      string
	Namespace string
	Hosts     []string
	Gateways  []string
}

// ExposedThroughGateway reports whether traffic enters through a gateway
// other than the implicit sidecar "mesh" gateway.
func (vs VirtualService) ExposedThroughGateway() bool {
	for _, g := range vs.Gateways {
		if g != "mesh" {
			return true
		}
	}
	return false
}
