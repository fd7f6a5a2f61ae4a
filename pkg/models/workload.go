package models

import (
	"fmt"
	"time"
)

// WorkloadKind distinguishes the two targets the optimizer analyzes
type WorkloadKind string

const (
	KindPod        WorkloadKind = "Pod"
	KindDeployment WorkloadKind = "Deployment"
)

// Workload identifies a Pod or Deployment. It is a value type and is used
// as the key for every analysis, lock and journal lookup.
type Workload struct {
	Namespace string
	Name      string
	ClusterID string
	Kind      WorkloadKind
}

// NewDeployment returns the identifier of a deployment
func NewDeployment(namespace, name, clusterID string) Workload {
	return Workload{Namespace: namespace, Name: name, ClusterID: clusterID, Kind: KindDeployment}
}

// NewPod returns the identifier of a single pod
func NewPod(namespace, name, clusterID string) Workload {
	return Workload{Namespace: namespace, Name: name, ClusterID: clusterID, Kind: KindPod}
}

func (w Workload) String() string {
	if w.ClusterID == "" {
		return w.Namespace + "/" + w.Name
	}
	return w.ClusterID + ":" + w.Namespace + "/" + w.Name
}

// Key is unique per kind, so a pod and a deployment sharing a name never collide
func (w Workload) Key() string {
	kind := w.Kind
	if kind == "" {
		kind = KindDeployment
	}
	return fmt.Sprintf("%s/%s", kind, w.String())
}

// AnalysisWindow is the half-open interval [Start, End)
type AnalysisWindow struct {
	Start time.Time
	End   time.Time
}

// NewAnalysisWindow returns the window of length d ending at end
func NewAnalysisWindow(end time.Time, d time.Duration) AnalysisWindow {
	return AnalysisWindow{Start: end.Add(-d), End: end}
}

func (w AnalysisWindow) Duration() time.Duration {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start)
}

func (w AnalysisWindow) Hours() float64 {
	return w.Duration().Hours()
}

// Contains reports whether t falls inside the window
func (w AnalysisWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Metrics represents usage metrics for a workload over a window
type Metrics struct {
	// CPU in millicores
	P95CPU int64
	MaxCPU int64
	AvgCPU int64

	// Memory in bytes
	P95Memory int64
	MaxMemory int64
	AvgMemory int64

	// Current requests
	RequestedCPU    int64
	RequestedMemory int64

	// Raw CPU series, millicores
	CPUSamples []Sample

	// Metadata
	SampleCount int
	CollectedAt time.Time
	Duration    time.Duration
	Source      string
}

// AvgCPUCores returns the average CPU usage in cores
func (m *Metrics) AvgCPUCores() float64 {
	if m == nil {
		return 0
	}
	return float64(m.AvgCPU) / 1000.0
}

// Sample represents a single metric sample
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// RiskLevel represents the risk of acting on a workload
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)
