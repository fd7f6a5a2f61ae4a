// Package fake provides an in-memory Cluster for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opscart/k8s-idle-optimizer/pkg/cluster"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
)

// Cluster serves canned objects keyed by "namespace/name". Errors keyed by
// method name make that method fail.
type Cluster struct {
	mu sync.Mutex

	Deployments     map[string]*cluster.DeploymentState
	Pods            map[string][]corev1.Pod
	Services        map[string][]corev1.Service
	Endpoints       map[string]*corev1.Endpoints
	VirtualServices map[string][]cluster.VirtualService
	Ingresses       map[string][]networkingv1.Ingress
	Autoscalers     map[string][]autoscalingv2.HorizontalPodAutoscaler
	NamespaceLabels map[string]map[string]string
	Nodes           map[string]*models.NodeAllocation
	Dependencies    map[string][]string
	Errors          map[string]error

	// ScaleFunc and RestoreFunc run before the in-memory update and may fail it
	ScaleFunc   func(w models.Workload, replicas int32) error
	RestoreFunc func(plan *models.RollbackPlan) error

	scaleCalls   []int32
	restoreCalls int
}

var _ cluster.Cluster = (*Cluster)(nil)

// New returns an empty cluster
func New() *Cluster {
	return &Cluster{
		Deployments:     make(map[string]*cluster.DeploymentState),
		Pods:            make(map[string][]corev1.Pod),
		Services:        make(map[string][]corev1.Service),
		Endpoints:       make(map[string]*corev1.Endpoints),
		VirtualServices: make(map[string][]cluster.VirtualService),
		Ingresses:       make(map[string][]networkingv1.Ingress),
		Autoscalers:     make(map[string][]autoscalingv2.HorizontalPodAutoscaler),
		NamespaceLabels: make(map[string]map[string]string),
		Nodes:           make(map[string]*models.NodeAllocation),
		Dependencies:    make(map[string][]string),
		Errors:          make(map[string]error),
	}
}

// Key is the map key used for a workload
func Key(w models.Workload) string {
	return w.Namespace + "/" + w.Name
}

// AddDeployment registers a deployment and returns its state for further edits
func (c *Cluster) AddDeployment(w models.Workload, replicas int32) *cluster.DeploymentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := &cluster.DeploymentState{
		Replicas:  replicas,
		Resources: make(map[string]corev1.ResourceRequirements),
		Env:       make(map[string][]corev1.EnvVar),
		Labels:    make(map[string]string),
	}
	c.Deployments[Key(w)] = state
	return state
}

// Replicas returns the current replica count, -1 if the deployment is unknown
func (c *Cluster) Replicas(w models.Workload) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.Deployments[Key(w)]; ok {
		return d.Replicas
	}
	return -1
}

// ScaleCalls returns the replica counts passed to ScaleDeployment
func (c *Cluster) ScaleCalls() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int32(nil), c.scaleCalls...)
}

func (c *Cluster) RestoreCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoreCalls
}

func (c *Cluster) err(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Errors[method]
}

func (c *Cluster) ListPodsForWorkload(ctx context.Context, w models.Workload) ([]corev1.Pod, error) {
	if err := c.err("ListPodsForWorkload"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]corev1.Pod(nil), c.Pods[Key(w)]...), nil
}

func (c *Cluster) GetDeploymentState(ctx context.Context, w models.Workload) (*cluster.DeploymentState, error) {
	if err := c.err("GetDeploymentState"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.Deployments[Key(w)]
	if !ok {
		return nil, fmt.Errorf("deployment %s not found", w)
	}
	state := *d
	return &state, nil
}

func (c *Cluster) ScaleDeployment(ctx context.Context, w models.Workload, replicas int32) error {
	c.mu.Lock()
	c.scaleCalls = append(c.scaleCalls, replicas)
	fn := c.ScaleFunc
	c.mu.Unlock()

	if err := c.err("ScaleDeployment"); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(w, replicas); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.Deployments[Key(w)]
	if !ok {
		return fmt.Errorf("deployment %s not found", w)
	}
	d.Replicas = replicas
	return nil
}

func (c *Cluster) RestoreDeployment(ctx context.Context, plan *models.RollbackPlan) error {
	c.mu.Lock()
	c.restoreCalls++
	fn := c.RestoreFunc
	c.mu.Unlock()

	if err := c.err("RestoreDeployment"); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(plan); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.Deployments[Key(plan.Workload)]
	if !ok {
		return fmt.Errorf("deployment %s not found", plan.Workload)
	}
	d.Replicas = plan.OriginalReplicas
	for name, res := range plan.OriginalResources {
		d.Resources[name] = res
	}
	for name, env := range plan.OriginalEnv {
		d.Env[name] = env
	}
	if plan.OriginalLabels != nil {
		d.Labels = plan.OriginalLabels
	}
	return nil
}

func (c *Cluster) GetServicesFor(ctx context.Context, w models.Workload) ([]corev1.Service, error) {
	if err := c.err("GetServicesFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Services[Key(w)], nil
}

func (c *Cluster) GetVirtualServicesFor(ctx context.Context, w models.Workload) ([]cluster.VirtualService, error) {
	if err := c.err("GetVirtualServicesFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.VirtualServices[Key(w)], nil
}

func (c *Cluster) GetEndpointsFor(ctx context.Context, svc corev1.Service) (*corev1.Endpoints, error) {
	if err := c.err("GetEndpointsFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.Endpoints[svc.Namespace+"/"+svc.Name]; ok {
		return ep, nil
	}
	return &corev1.Endpoints{}, nil
}

func (c *Cluster) GetIngressesFor(ctx context.Context, w models.Workload) ([]networkingv1.Ingress, error) {
	if err := c.err("GetIngressesFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ingresses[Key(w)], nil
}

func (c *Cluster) GetAutoscalersFor(ctx context.Context, w models.Workload) ([]autoscalingv2.HorizontalPodAutoscaler, error) {
	if err := c.err("GetAutoscalersFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Autoscalers[Key(w)], nil
}

func (c *Cluster) GetNamespaceLabels(ctx context.Context, namespace string) (map[string]string, error) {
	if err := c.err("GetNamespaceLabels"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NamespaceLabels[namespace], nil
}

func (c *Cluster) GetNode(ctx context.Context, name string) (*models.NodeAllocation, error) {
	if err := c.err("GetNode"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %s not found", name)
	}
	return n, nil
}

func (c *Cluster) DependenciesFor(ctx context.Context, w models.Workload) ([]string, error) {
	if err := c.err("DependenciesFor"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Dependencies[Key(w)], nil
}

func (c *Cluster) ListDeployments(ctx context.Context, namespace string) ([]models.Workload, error) {
	if err := c.err("ListDeployments"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Workload
	for key := range c.Deployments {
		w := parseKey(key)
		if namespace == "" || w.Namespace == namespace {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return Key(out[i]) < Key(out[j]) })
	return out, nil
}

func (c *Cluster) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := c.err("ListNamespaces"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for key := range c.Deployments {
		ns := parseKey(key).Namespace
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseKey(key string) models.Workload {
	namespace, name, _ := strings.Cut(key, "/")
	return models.NewDeployment(namespace, name, "")
}
