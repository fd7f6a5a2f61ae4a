package safety

import (
	"context"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/cluster"
	"github.com/opscart/k8s-idle-optimizer/pkg/config"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"
)

// Options configures the default checks
type Options struct {
	CriticalTiers    []string
	BusinessHours    *config.BusinessHours
	MinDeploymentAge time.Duration
	Clock            clock.PassiveClock
}

// DefaultChecks returns the checks in their documented order
func DefaultChecks(c cluster.Cluster, opts Options) []Check {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if len(opts.CriticalTiers) == 0 {
		opts.CriticalTiers = config.DefaultPolicy().CriticalTiers
	}
	return []Check{
		&CriticalityCheck{Cluster: c, CriticalTiers: opts.CriticalTiers},
		&DependencyCheck{Cluster: c},
		&ServiceMeshCheck{Cluster: c},
		&IngressCheck{Cluster: c},
		&PersistentVolumeCheck{Cluster: c},
		&AutoscalerCheck{Cluster: c},
		&BusinessHoursCheck{Cluster: c, Default: opts.BusinessHours, Clock: opts.Clock},
		&RecentDeploymentCheck{Cluster: c, MinAge: opts.MinDeploymentAge, Clock: opts.Clock},
	}
}

// CriticalityCheck refuses workloads marked critical, and production
// workloads in a critical tier
type CriticalityCheck struct {
	Cluster       cluster.Cluster
	CriticalTiers []string
}

func (c *CriticalityCheck) Name() string { return "criticality" }

func (c *CriticalityCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	state, err := c.Cluster.GetDeploymentState(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	labels := mergeLabels(state.TemplateLabels, state.Labels)

	if strings.EqualFold(labels["criticality"], "critical") || labels["critical-component"] == "true" {
		return unsafe(c.Name(), models.RiskHigh, "%s is labeled as a critical component", w)
	}

	nsLabels, err := c.Cluster.GetNamespaceLabels(ctx, w.Namespace)
	if err != nil {
		return failClosed(c.Name(), err)
	}

	env := ClassifyEnvironment(labels, nsLabels, w.Namespace)
	tier := strings.ToLower(labels["tier"])
	if env == EnvironmentProduction && tier != "" {
		for _, critical := range c.CriticalTiers {
			if tier == strings.ToLower(critical) {
				return unsafe(c.Name(), models.RiskHigh, "%s is a production %s workload", w, tier)
			}
		}
	}
	return safe(c.Name())
}

// DependencyCheck refuses workloads whose services are reached from
// outside the cluster or through a VirtualService
type DependencyCheck struct {
	Cluster cluster.Cluster
}

func (c *DependencyCheck) Name() string { return "dependencies" }

func (c *DependencyCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	services, err := c.Cluster.GetServicesFor(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}

	for _, svc := range services {
		switch svc.Spec.Type {
		case corev1.ServiceTypeLoadBalancer, corev1.ServiceTypeNodePort, corev1.ServiceTypeExternalName:
			return unsafe(c.Name(), models.RiskMedium, "service %s is exposed as %s", svc.Name, svc.Spec.Type)
		}
		if len(svc.Spec.ExternalIPs) > 0 {
			return unsafe(c.Name(), models.RiskMedium, "service %s has external IPs", svc.Name)
		}

		ep, err := c.Cluster.GetEndpointsFor(ctx, svc)
		if err != nil {
			return failClosed(c.Name(), err)
		}
		if addr, ok := externalAddress(ep); ok {
			return unsafe(c.Name(), models.RiskMedium, "service %s has endpoint %s outside the cluster's pods", svc.Name, addr)
		}
	}

	vss, err := c.Cluster.GetVirtualServicesFor(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	if len(vss) > 0 {
		return unsafe(c.Name(), models.RiskMedium, "virtual service %s/%s routes to %s", vss[0].Namespace, vss[0].Name, w)
	}
	return safe(c.Name())
}

// externalAddress finds an endpoint address that is not a pod
func externalAddress(ep *corev1.Endpoints) (string, bool) {
	if ep == nil {
		return "", false
	}
	for _, subset := range ep.Subsets {
		addresses := append(append([]corev1.EndpointAddress(nil), subset.Addresses...), subset.NotReadyAddresses...)
		for _, addr := range addresses {
			if addr.TargetRef == nil || addr.TargetRef.Kind != "Pod" {
				return addr.IP, true
			}
		}
	}
	return "", false
}

// ServiceMeshCheck refuses sidecar-injected workloads reachable through a
// mesh ingress gateway
type ServiceMeshCheck struct {
	Cluster cluster.Cluster
}

func (c *ServiceMeshCheck) Name() string { return "service-mesh" }

func (c *ServiceMeshCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	state, err := c.Cluster.GetDeploymentState(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	nsLabels, err := c.Cluster.GetNamespaceLabels(ctx, w.Namespace)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	if !sidecarInjected(state, nsLabels) {
		return safe(c.Name())
	}

	vss, err := c.Cluster.GetVirtualServicesFor(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	for _, vs := range vss {
		if vs.ExposedThroughGateway() {
			return unsafe(c.Name(), models.RiskHigh, "virtual service %s/%s exposes %s through gateway %s",
				vs.Namespace, vs.Name, w, strings.Join(vs.Gateways, ","))
		}
	}
	return safe(c.Name())
}

func sidecarInjected(state *cluster.DeploymentState, nsLabels map[string]string) bool {
	switch {
	case state.TemplateAnnotations["sidecar.istio.io/inject"] == "true",
		state.TemplateLabels["sidecar.istio.io/inject"] == "true",
		state.TemplateAnnotations["linkerd.io/inject"] == "enabled":
		return true
	case state.TemplateAnnotations["sidecar.istio.io/inject"] == "false",
		state.TemplateLabels["sidecar.istio.io/inject"] == "false":
		return false
	}
	return nsLabels["istio-injection"] == "enabled" || nsLabels["istio.io/rev"] != ""
}

// IngressCheck refuses workloads behind an Ingress
type IngressCheck struct {
	Cluster cluster.Cluster
}

func (c *IngressCheck) Name() string { return "ingress" }

func (c *IngressCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	ingresses, err := c.Cluster.GetIngressesFor(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	if len(ingresses) > 0 {
		return unsafe(c.Name(), models.RiskHigh, "ingress %s routes external traffic to %s", ingresses[0].Name, w)
	}
	return safe(c.Name())
}

// PersistentVolumeCheck refuses workloads that mount a PVC
type PersistentVolumeCheck struct {
	Cluster cluster.Cluster
}

func (c *PersistentVolumeCheck) Name() string { return "persistent-volume" }

func (c *PersistentVolumeCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	state, err := c.Cluster.GetDeploymentState(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	for _, v := range state.Volumes {
		if v.PersistentVolumeClaim != nil {
			return unsafe(c.Name(), models.RiskMedium, "%s mounts persistent volume claim %s", w, v.PersistentVolumeClaim.ClaimName)
		}
	}
	return safe(c.Name())
}

// AutoscalerCheck refuses workloads an HPA manages
type AutoscalerCheck struct {
	Cluster cluster.Cluster
}

func (c *AutoscalerCheck) Name() string { return "autoscaler" }

func (c *AutoscalerCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	hpas, err := c.Cluster.GetAutoscalersFor(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	if len(hpas) > 0 {
		return unsafe(c.Name(), models.RiskMedium, "%s is managed by HPA %s", w, hpas[0].Name)
	}
	return safe(c.Name())
}

// BusinessHoursCheck refuses scale-down inside the workload's business
// hours. An annotation on the deployment overrides the default window.
type BusinessHoursCheck struct {
	Cluster cluster.Cluster
	Default *config.BusinessHours
	Clock   clock.PassiveClock
}

func (c *BusinessHoursCheck) Name() string { return "business-hours" }

func (c *BusinessHoursCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	state, err := c.Cluster.GetDeploymentState(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}

	hours := c.Default
	spec := state.Annotations[cluster.BusinessHoursAnnotation]
	if spec == "" {
		spec = state.TemplateAnnotations[cluster.BusinessHoursAnnotation]
	}
	if spec != "" {
		hours, err = config.ParseBusinessHours(spec)
		if err != nil {
			return failClosed(c.Name(), err)
		}
	}
	if hours == nil {
		return safe(c.Name())
	}

	now := c.Clock.Now()
	if hours.Contains(now) {
		return unsafe(c.Name(), models.RiskMedium, "%s is inside business hours (%s)", now.Format(time.RFC3339), hours)
	}
	return safe(c.Name())
}

// RecentDeploymentCheck refuses workloads changed within MinAge
type RecentDeploymentCheck struct {
	Cluster cluster.Cluster
	MinAge  time.Duration
	Clock   clock.PassiveClock
}

func (c *RecentDeploymentCheck) Name() string { return "recent-deployment" }

func (c *RecentDeploymentCheck) Check(ctx context.Context, w models.Workload) models.SafetyCheckResult {
	if c.MinAge <= 0 {
		return safe(c.Name())
	}
	state, err := c.Cluster.GetDeploymentState(ctx, w)
	if err != nil {
		return failClosed(c.Name(), err)
	}
	age := c.Clock.Since(state.LastChanged)
	if age < c.MinAge {
		return unsafe(c.Name(), models.RiskLow, "%s changed %s ago, less than %s", w, age.Round(time.Minute), c.MinAge)
	}
	return safe(c.Name())
}

// mergeLabels overlays b on a
func mergeLabels(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
