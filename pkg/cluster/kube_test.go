package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

func testDeployment(replicas *int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "orders",
			Namespace:         "shop",
			Labels:            map[string]string{"app": "orders", "team": "checkout"},
			CreationTimestamp: metav1.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "orders"}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      map[string]string{"app": "orders"},
					Annotations: map[string]string{DependenciesAnnotation: "payments, inventory ,"},
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name: "app",
						Env:  []corev1.EnvVar{{Name: "MODE", Value: "live"}},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("500m"),
								corev1.ResourceMemory: resource.MustParse("1Gi"),
							},
						},
					}},
				},
			},
		},
	}
}

func testPod(name string, phase corev1.PodPhase, podLabels map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop", Labels: podLabels},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

var orders = models.NewDeployment("shop", "orders", "")

func TestListPodsForWorkload(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment(ptr.To[int32](2)),
		testPod("orders-1", corev1.PodRunning, map[string]string{"app": "orders"}),
		testPod("orders-2", corev1.PodPending, map[string]string{"app": "orders"}),
		testPod("orders-old", corev1.PodSucceeded, map[string]string{"app": "orders"}),
		testPod("billing-1", corev1.PodRunning, map[string]string{"app": "billing"}),
	)
	k := NewKubeCluster(client, nil, nil)

	pods, err := k.ListPodsForWorkload(context.Background(), orders)
	if err != nil {
		t.Fatalf("ListPodsForWorkload failed: %v", err)
	}

	var names []string
	for _, p := range pods {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"orders-1", "orders-2"}, names); diff != "" {
		t.Errorf("pods mismatch (-want +got):\n%s", diff)
	}
}

func TestGetDeploymentState(t *testing.T) {
	deploy := testDeployment(nil)
	progressed := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	deploy.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:           appsv1.DeploymentProgressing,
		LastUpdateTime: metav1.NewTime(progressed),
	}}
	k := NewKubeCluster(fake.NewSimpleClientset(deploy), nil, nil)

	state, err := k.GetDeploymentState(context.Background(), orders)
	if err != nil {
		t.Fatalf("GetDeploymentState failed: %v", err)
	}
	if state.Replicas != 1 {
		t.Errorf("nil replicas should default to 1, got %d", state.Replicas)
	}
	if !state.LastChanged.Equal(progressed) {
		t.Errorf("Expected last change %v, got %v", progressed, state.LastChanged)
	}
	cpu := state.Resources["app"].Requests[corev1.ResourceCPU]
	if cpu.MilliValue() != 500 {
		t.Errorf("Expected 500m CPU request, got %s", cpu.String())
	}
	if len(state.Env["app"]) != 1 {
		t.Errorf("Expected env to be captured, got %v", state.Env)
	}
}

func TestGetDeploymentStateRejectsPods(t *testing.T) {
	k := NewKubeCluster(fake.NewSimpleClientset(), nil, nil)
	if _, err := k.GetDeploymentState(context.Background(), models.NewPod("shop", "orders-1", "")); err == nil {
		t.Error("Expected error for a pod identifier")
	}
}

func TestScaleAndRestore(t *testing.T) {
	client := fake.NewSimpleClientset(testDeployment(ptr.To[int32](3)))
	k := NewKubeCluster(client, nil, nil)
	ctx := context.Background()

	state, err := k.GetDeploymentState(ctx, orders)
	if err != nil {
		t.Fatalf("GetDeploymentState failed: %v", err)
	}
	plan := &models.RollbackPlan{
		Workload:          orders,
		OriginalReplicas:  state.Replicas,
		OriginalResources: state.Resources,
		OriginalLabels:    state.Labels,
		OriginalEnv:       state.Env,
	}

	if err := k.ScaleDeployment(ctx, orders, 0); err != nil {
		t.Fatalf("ScaleDeployment failed: %v", err)
	}

	// Someone edits the deployment while it is scaled down
	deploy, _ := client.AppsV1().Deployments("shop").Get(ctx, "orders", metav1.GetOptions{})
	if *deploy.Spec.Replicas != 0 {
		t.Fatalf("Expected 0 replicas, got %d", *deploy.Spec.Replicas)
	}
	deploy.Labels["team"] = "someone-else"
	deploy.Spec.Template.Spec.Containers[0].Resources = corev1.ResourceRequirements{}
	if _, err := client.AppsV1().Deployments("shop").Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := k.RestoreDeployment(ctx, plan); err != nil {
		t.Fatalf("RestoreDeployment failed: %v", err)
	}

	restored, err := k.GetDeploymentState(ctx, orders)
	if err != nil {
		t.Fatalf("GetDeploymentState failed: %v", err)
	}
	if restored.Replicas != 3 {
		t.Errorf("Expected 3 replicas restored, got %d", restored.Replicas)
	}
	if restored.Labels["team"] != "checkout" {
		t.Errorf("Expected labels restored, got %v", restored.Labels)
	}
	cpu := restored.Resources["app"].Requests[corev1.ResourceCPU]
	if cpu.MilliValue() != 500 {
		t.Errorf("Expected resources restored, got %v", restored.Resources["app"])
	}
}

func TestGetServicesAndEndpoints(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment(ptr.To[int32](1)),
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "orders"}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "billing", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "billing"}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "headless-external", Namespace: "shop"},
		},
		&corev1.Endpoints{
			ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "shop"},
			Subsets: []corev1.EndpointSubset{{
				Addresses: []corev1.EndpointAddress{{IP: "10.0.0.5", TargetRef: &corev1.ObjectReference{Kind: "Pod", Name: "orders-1"}}},
			}},
		},
	)
	k := NewKubeCluster(client, nil, nil)
	ctx := context.Background()

	services, err := k.GetServicesFor(ctx, orders)
	if err != nil {
		t.Fatalf("GetServicesFor failed: %v", err)
	}
	if len(services) != 1 || services[0].Name != "orders" {
		t.Fatalf("Expected only the orders service, got %v", services)
	}

	ep, err := k.GetEndpointsFor(ctx, services[0])
	if err != nil {
		t.Fatalf("GetEndpointsFor failed: %v", err)
	}
	if len(ep.Subsets) != 1 {
		t.Errorf("Expected one subset, got %d", len(ep.Subsets))
	}

	missing, err := k.GetEndpointsFor(ctx, corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "nope", Namespace: "shop"}})
	if err != nil || len(missing.Subsets) != 0 {
		t.Errorf("Missing endpoints should be empty, got %v, %v", missing, err)
	}
}

func virtualService(name, namespace, host string, gateways ...string) *unstructured.Unstructured {
	gw := make([]interface{}, len(gateways))
	for i, g := range gateways {
		gw[i] = g
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "networking.istio.io/v1beta1",
		"kind":       "VirtualService",
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"spec": map[string]interface{}{
			"hosts":    []interface{}{"orders.example.com"},
			"gateways": gw,
			"http": []interface{}{
				map[string]interface{}{
					"route": []interface{}{
						map[string]interface{}{"destination": map[string]interface{}{"host": host}},
					},
				},
			},
		},
	}}
}

func TestGetVirtualServicesFor(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment(ptr.To[int32](1)),
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "orders"}},
		},
	)
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{VirtualServiceGVR: "VirtualServiceList"},
		virtualService("same-ns-short", "shop", "orders", "istio-system/public"),
		virtualService("other-ns-short", "web", "orders"),
		virtualService("other-ns-fqdn", "web", "orders.shop.svc.cluster.local", "mesh"),
		virtualService("unrelated", "shop", "billing"),
	)
	k := NewKubeCluster(client, dyn, nil)

	vss, err := k.GetVirtualServicesFor(context.Background(), orders)
	if err != nil {
		t.Fatalf("GetVirtualServicesFor failed: %v", err)
	}

	got := map[string]bool{}
	for _, vs := range vss {
		got[vs.Name] = vs.ExposedThroughGateway()
	}
	want := map[string]bool{"same-ns-short": true, "other-ns-fqdn": false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("virtual services mismatch (-want +got):\n%s", diff)
	}
}

func TestGetIngressesFor(t *testing.T) {
	client := fake.NewSimpleClientset(
		testDeployment(ptr.To[int32](1)),
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "shop"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "orders"}},
		},
		&networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "public", Namespace: "shop"},
			Spec: networkingv1.IngressSpec{Rules: []networkingv1.IngressRule{{
				IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:    "/orders",
						Backend: networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{Name: "orders"}},
					}},
				}},
			}}},
		},
		&networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "shop"},
			Spec: networkingv1.IngressSpec{
				DefaultBackend: &networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{Name: "billing"}},
			},
		},
	)
	k := NewKubeCluster(client, nil, nil)

	ingresses, err := k.GetIngressesFor(context.Background(), orders)
	if err != nil {
		t.Fatalf("GetIngressesFor failed: %v", err)
	}
	if len(ingresses) != 1 || ingresses[0].Name != "public" {
		t.Errorf("Expected only the public ingress, got %v", ingresses)
	}
}

func TestNodeAllocationFrom(t *testing.T) {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: "ip-10-0-0-1",
			Labels: map[string]string{
				"node.kubernetes.io/instance-type": "m5.xlarge",
				"topology.kubernetes.io/region":    "us-east-1",
				"eks.amazonaws.com/capacityType":   "SPOT",
			},
		},
		Spec: corev1.NodeSpec{ProviderID: "aws:///us-east-1a/i-0abc"},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("4"),
				corev1.ResourceMemory: resource.MustParse("16Gi"),
			},
		},
	}

	alloc := NodeAllocationFrom(node)
	want := &models.NodeAllocation{
		Name:         "ip-10-0-0-1",
		Provider:     "aws",
		InstanceType: "m5.xlarge",
		Region:       "us-east-1",
		PricingModel: "spot",
		CPUCores:     4,
		MemoryBytes:  16 * 1024 * 1024 * 1024,
	}
	if diff := cmp.Diff(want, alloc); diff != "" {
		t.Errorf("allocation mismatch (-want +got):\n%s", diff)
	}
}

func TestDependenciesFor(t *testing.T) {
	k := NewKubeCluster(fake.NewSimpleClientset(testDeployment(ptr.To[int32](1))), nil, nil)

	deps, err := k.DependenciesFor(context.Background(), orders)
	if err != nil {
		t.Fatalf("DependenciesFor failed: %v", err)
	}
	if diff := cmp.Diff([]string{"payments", "inventory"}, deps); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
}
