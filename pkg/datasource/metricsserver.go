package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
)

// MetricsServerSource reads instantaneous usage from metrics-server.
// It only answers GetMetrics and is used when Prometheus has no samples.
type MetricsServerSource struct {
	clientset     kubernetes.Interface
	metricsClient metricsv.Interface
	now           func() time.Time
}

func NewMetricsServerSource(clientset kubernetes.Interface, metricsClient metricsv.Interface) *MetricsServerSource {
	return &MetricsServerSource{
		clientset:     clientset,
		metricsClient: metricsClient,
		now:           time.Now,
	}
}

// belongsTo reports whether a pod name belongs to the workload
func belongsTo(podName string, w models.Workload) bool {
	if w.Kind == models.KindPod {
		return podName == w.Name
	}
	return strings.HasPrefix(podName, w.Name+"-")
}

func (m *MetricsServerSource) GetMetrics(ctx context.Context, workload models.Workload, window models.AnalysisWindow) (*models.Metrics, error) {
	podMetrics, err := m.metricsClient.MetricsV1beta1().PodMetricses(workload.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod metrics: %w", err)
	}

	var cpu, mem int64
	matched := 0
	for _, pm := range podMetrics.Items {
		if !belongsTo(pm.Name, workload) {
			continue
		}
		matched++
		for _, container := range pm.Containers {
			if q, ok := container.Usage[corev1.ResourceCPU]; ok {
				cpu += q.MilliValue()
			}
			if q, ok := container.Usage[corev1.ResourceMemory]; ok {
				mem += q.Value()
			}
		}
	}
	if matched == 0 {
		return nil, fmt.Errorf("%w: no pod metrics for %s", ErrNoData, workload)
	}

	pods, err := m.clientset.CoreV1().Pods(workload.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var reqCPU, reqMem int64
	for _, pod := range pods.Items {
		if !belongsTo(pod.Name, workload) {
			continue
		}
		for _, container := range pod.Spec.Containers {
			if q, ok := container.Resources.Requests[corev1.ResourceCPU]; ok {
				reqCPU += q.MilliValue()
			}
			if q, ok := container.Resources.Requests[corev1.ResourceMemory]; ok {
				reqMem += q.Value()
			}
		}
	}

	now := m.now()
	return &models.Metrics{
		P95CPU:          cpu,
		MaxCPU:          cpu,
		AvgCPU:          cpu,
		P95Memory:       mem,
		MaxMemory:       mem,
		AvgMemory:       mem,
		RequestedCPU:    reqCPU,
		RequestedMemory: reqMem,
		CPUSamples:      []models.Sample{{Timestamp: now, Value: float64(cpu)}},
		SampleCount:     1,
		CollectedAt:     now,
		Duration:        window.Duration(),
		Source:          "metrics-server",
	}, nil
}
