package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/pricing"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// VirtualServiceGVR is the Istio VirtualService resource
var VirtualServiceGVR = schema.GroupVersionResource{
	Group:    "networking.istio.io",
	Version:  "v1beta1",
	Resource: "virtualservices",
}

// KubeCluster implements Cluster with client-go
type KubeCluster struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	logger    *zap.SugaredLogger
}

var _ Cluster = (*KubeCluster)(nil)

// NewKubeCluster returns a cluster collaborator. dynamicClient may be nil,
// in which case no VirtualServices are ever reported.
func NewKubeCluster(clientset kubernetes.Interface, dynamicClient dynamic.Interface, logger *zap.SugaredLogger) *KubeCluster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KubeCluster{
		clientset: clientset,
		dynamic:   dynamicClient,
		logger:    logger,
	}
}

func (k *KubeCluster) getDeployment(ctx context.Context, w models.Workload) (*appsv1.Deployment, error) {
	if w.Kind == models.KindPod {
		return nil, fmt.Errorf("%s is a pod, not a deployment", w)
	}
	deploy, err := k.clientset.AppsV1().Deployments(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", w, err)
	}
	return deploy, nil
}

// podLabels returns the labels that select the workload's pods
func (k *KubeCluster) podLabels(ctx context.Context, w models.Workload) (labels.Set, error) {
	if w.Kind == models.KindPod {
		pod, err := k.clientset.CoreV1().Pods(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s: %w", w, err)
		}
		return labels.Set(pod.Labels), nil
	}
	deploy, err := k.getDeployment(ctx, w)
	if err != nil {
		return nil, err
	}
	return labels.Set(deploy.Spec.Template.Labels), nil
}

func (k *KubeCluster) ListPodsForWorkload(ctx context.Context, w models.Workload) ([]corev1.Pod, error) {
	if w.Kind == models.KindPod {
		pod, err := k.clientset.CoreV1().Pods(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s: %w", w, err)
		}
		return []corev1.Pod{*pod}, nil
	}

	deploy, err := k.getDeployment(ctx, w)
	if err != nil {
		return nil, err
	}
	selector, err := metav1.LabelSelectorAsSelector(deploy.Spec.Selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector on %s: %w", w, err)
	}

	pods, err := k.clientset.CoreV1().Pods(w.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for %s: %w", w, err)
	}

	var running []corev1.Pod
	for _, pod := range pods.Items {
		if pod.DeletionTimestamp != nil {
			continue
		}
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		running = append(running, pod)
	}
	return running, nil
}

func (k *KubeCluster) GetDeploymentState(ctx context.Context, w models.Workload) (*DeploymentState, error) {
	deploy, err := k.getDeployment(ctx, w)
	if err != nil {
		return nil, err
	}

	state := &DeploymentState{
		Replicas:            replicasOf(deploy),
		Resources:           make(map[string]corev1.ResourceRequirements),
		Env:                 make(map[string][]corev1.EnvVar),
		Labels:              copyMap(deploy.Labels),
		Annotations:         copyMap(deploy.Annotations),
		TemplateLabels:      copyMap(deploy.Spec.Template.Labels),
		TemplateAnnotations: copyMap(deploy.Spec.Template.Annotations),
		Volumes:             deploy.Spec.Template.Spec.Volumes,
		CreatedAt:           deploy.CreationTimestamp.Time,
		LastChanged:         lastChanged(deploy),
	}
	for _, c := range deploy.Spec.Template.Spec.Containers {
		state.Resources[c.Name] = *c.Resources.DeepCopy()
		env := make([]corev1.EnvVar, len(c.Env))
		for i := range c.Env {
			c.Env[i].DeepCopyInto(&env[i])
		}
		state.Env[c.Name] = env
	}
	return state, nil
}

// replicasOf defaults a nil replica count to 1, as the API server does
func replicasOf(deploy *appsv1.Deployment) int32 {
	if deploy.Spec.Replicas == nil {
		return 1
	}
	return *deploy.Spec.Replicas
}

// lastChanged is the newest of creation, the last Progressing update and a
// `kubectl rollout restart`
func lastChanged(deploy *appsv1.Deployment) time.Time {
	latest := deploy.CreationTimestamp.Time
	for _, cond := range deploy.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.LastUpdateTime.After(latest) {
			latest = cond.LastUpdateTime.Time
		}
	}
	if ts, ok := deploy.Spec.Template.Annotations[restartedAtAnnotation]; ok {
		if restarted, err := time.Parse(time.RFC3339, ts); err == nil && restarted.After(latest) {
			latest = restarted
		}
	}
	return latest
}

func (k *KubeCluster) ScaleDeployment(ctx context.Context, w models.Workload, replicas int32) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deploy, err := k.getDeployment(ctx, w)
		if err != nil {
			return err
		}
		deploy.Spec.Replicas = &replicas
		_, err = k.clientset.AppsV1().Deployments(w.Namespace).Update(ctx, deploy, metav1.UpdateOptions{})
		return err
	})
}

// RestoreDeployment writes the plan's replicas, container resources, env and
// labels back onto the deployment
func (k *KubeCluster) RestoreDeployment(ctx context.Context, plan *models.RollbackPlan) error {
	w := plan.Workload
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		deploy, err := k.getDeployment(ctx, w)
		if err != nil {
			return err
		}

		replicas := plan.OriginalReplicas
		deploy.Spec.Replicas = &replicas

		containers := deploy.Spec.Template.Spec.Containers
		for i := range containers {
			if res, ok := plan.OriginalResources[containers[i].Name]; ok {
				containers[i].Resources = *res.DeepCopy()
			}
			if env, ok := plan.OriginalEnv[containers[i].Name]; ok {
				containers[i].Env = env
			}
		}
		if plan.OriginalLabels != nil {
			deploy.Labels = copyMap(plan.OriginalLabels)
		}

		_, err = k.clientset.AppsV1().Deployments(w.Namespace).Update(ctx, deploy, metav1.UpdateOptions{})
		return err
	})
}

func (k *KubeCluster) GetServicesFor(ctx context.Context, w models.Workload) ([]corev1.Service, error) {
	podLabels, err := k.podLabels(ctx, w)
	if err != nil {
		return nil, err
	}

	services, err := k.clientset.CoreV1().Services(w.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services in %s: %w", w.Namespace, err)
	}

	var matched []corev1.Service
	for _, svc := range services.Items {
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		if labels.SelectorFromSet(svc.Spec.Selector).Matches(podLabels) {
			matched = append(matched, svc)
		}
	}
	return matched, nil
}

func (k *KubeCluster) GetEndpointsFor(ctx context.Context, svc corev1.Service) (*corev1.Endpoints, error) {
	ep, err := k.clientset.CoreV1().Endpoints(svc.Namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &corev1.Endpoints{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints %s/%s: %w", svc.Namespace, svc.Name, err)
	}
	return ep, nil
}

// GetVirtualServicesFor returns the VirtualServices in any namespace that
// route to one of the workload's services
func (k *KubeCluster) GetVirtualServicesFor(ctx context.Context, w models.Workload) ([]VirtualService, error) {
	if k.dynamic == nil {
		return nil, nil
	}

	services, err := k.GetServicesFor(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, nil
	}

	list, err := k.dynamic.Resource(VirtualServiceGVR).Namespace(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) || meta.IsNoMatchError(err) {
			// Istio is not installed
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list virtual services: %w", err)
	}

	var matched []VirtualService
	for _, item := range list.Items {
		if !routesToAny(item, services) {
			continue
		}
		hosts, _, _ := unstructured.NestedStringSlice(item.Object, "spec", "hosts")
		gateways, _, _ := unstructured.NestedStringSlice(item.Object, "spec", "gateways")
		matched = append(matched, VirtualService{
			Name:      item.GetName(),
			Namespace: item.GetNamespace(),
			Hosts:     hosts,
			Gateways:  gateways,
		})
	}
	return matched, nil
}

func routesToAny(vs unstructured.Unstructured, services []corev1.Service) bool {
	for _, section := range []string{"http", "tcp", "tls"} {
		routes, _, _ := unstructured.NestedSlice(vs.Object, "spec", section)
		for _, r := range routes {
			route, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			destinations, _, _ := unstructured.NestedSlice(route, "route")
			for _, d := range destinations {
				dest, ok := d.(map[string]interface{})
				if !ok {
					continue
				}
				host, _, _ := unstructured.NestedString(dest, "destination", "host")
				for _, svc := range services {
					if hostMatches(host, vs.GetNamespace(), svc) {
						return true
					}
				}
			}
		}
	}
	return false
}

// hostMatches resolves a VirtualService destination host the way Istio does:
// short names are relative to the VirtualService's namespace
func hostMatches(host, vsNamespace string, svc corev1.Service) bool {
	if host == "" {
		return false
	}
	if !strings.Contains(host, ".") {
		return host == svc.Name && vsNamespace == svc.Namespace
	}
	for _, candidate := range []string{
		svc.Name + "." + svc.Namespace,
		svc.Name + "." + svc.Namespace + ".svc",
		svc.Name + "." + svc.Namespace + ".svc.cluster.local",
	} {
		if host == candidate {
			return true
		}
	}
	return false
}

func (k *KubeCluster) GetIngressesFor(ctx context.Context, w models.Workload) ([]networkingv1.Ingress, error) {
	services, err := k.GetServicesFor(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, nil
	}
	names := make(map[string]bool, len(services))
	for _, svc := range services {
		names[svc.Name] = true
	}

	ingresses, err := k.clientset.NetworkingV1().Ingresses(w.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list ingresses in %s: %w", w.Namespace, err)
	}

	var matched []networkingv1.Ingress
	for _, ing := range ingresses.Items {
		if ingressRoutesTo(ing, names) {
			matched = append(matched, ing)
		}
	}
	return matched, nil
}

func ingressRoutesTo(ing networkingv1.Ingress, services map[string]bool) bool {
	if b := ing.Spec.DefaultBackend; b != nil && b.Service != nil && services[b.Service.Name] {
		return true
	}
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			if path.Backend.Service != nil && services[path.Backend.Service.Name] {
				return true
			}
		}
	}
	return false
}

// GetAutoscalersFor returns HPAs targeting the deployment
func (k *KubeCluster) GetAutoscalersFor(ctx context.Context, w models.Workload) ([]autoscalingv2.HorizontalPodAutoscaler, error) {
	hpaList, err := k.clientset.AutoscalingV2().HorizontalPodAutoscalers(w.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list autoscalers in %s: %w", w.Namespace, err)
	}

	var matched []autoscalingv2.HorizontalPodAutoscaler
	for _, hpa := range hpaList.Items {
		if hpa.Spec.ScaleTargetRef.Kind == "Deployment" && hpa.Spec.ScaleTargetRef.Name == w.Name {
			matched = append(matched, hpa)
		}
	}
	return matched, nil
}

func (k *KubeCluster) GetNamespaceLabels(ctx context.Context, namespace string) (map[string]string, error) {
	ns, err := k.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", namespace, err)
	}
	return ns.Labels, nil
}

// GetNode returns the allocatable capacity and pricing identity of a node
func (k *KubeCluster) GetNode(ctx context.Context, name string) (*models.NodeAllocation, error) {
	node, err := k.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", name, err)
	}
	return NodeAllocationFrom(node), nil
}

// NodeAllocationFrom extracts capacity, instance type and where the node is billed
func NodeAllocationFrom(node *corev1.Node) *models.NodeAllocation {
	cloud := pricing.DetectNode(node)
	alloc := &models.NodeAllocation{
		Name:         node.Name,
		Provider:     cloud.Provider,
		InstanceType: firstLabel(node.Labels, "node.kubernetes.io/instance-type", "beta.kubernetes.io/instance-type"),
		Region:       cloud.Region,
		PricingModel: cloud.PricingModel,
	}

	capacity := node.Status.Allocatable
	if len(capacity) == 0 {
		capacity = node.Status.Capacity
	}
	if cpu, ok := capacity[corev1.ResourceCPU]; ok {
		alloc.CPUCores = float64(cpu.MilliValue()) / 1000.0
	}
	if mem, ok := capacity[corev1.ResourceMemory]; ok {
		alloc.MemoryBytes = mem.Value()
	}
	return alloc
}

func firstLabel(m map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// DependenciesFor reads the dependency annotation from the pod, or from the
// deployment and its pod template
func (k *KubeCluster) DependenciesFor(ctx context.Context, w models.Workload) ([]string, error) {
	var value string
	if w.Kind == models.KindPod {
		pod, err := k.clientset.CoreV1().Pods(w.Namespace).Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s: %w", w, err)
		}
		value = pod.Annotations[DependenciesAnnotation]
	} else {
		deploy, err := k.getDeployment(ctx, w)
		if err != nil {
			return nil, err
		}
		value = firstLabel(deploy.Spec.Template.Annotations, DependenciesAnnotation)
		if value == "" {
			value = deploy.Annotations[DependenciesAnnotation]
		}
	}
	return splitList(value), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ListDeployments returns the deployments of a namespace as workloads
func (k *KubeCluster) ListDeployments(ctx context.Context, namespace string) ([]models.Workload, error) {
	deployments, err := k.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments in %s: %w", namespace, err)
	}
	workloads := make([]models.Workload, 0, len(deployments.Items))
	for _, d := range deployments.Items {
		workloads = append(workloads, models.Workload{Namespace: d.Namespace, Name: d.Name, Kind: models.KindDeployment})
	}
	return workloads, nil
}

func (k *KubeCluster) ListNamespaces(ctx context.Context) ([]string, error) {
	nsList, err := k.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	namespaces := make([]string, 0, len(nsList.Items))
	for _, ns := range nsList.Items {
		namespaces = append(namespaces, ns.Name)
	}
	return namespaces, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
