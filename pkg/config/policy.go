package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Policy holds the tunable lists used to classify traffic and workloads
type Policy struct {
	NoisePaths         []string `json:"noisePaths,omitempty"`
	ProbeMarkers       []string `json:"probeMarkers,omitempty"`
	MonitoringSources  []string `json:"monitoringSources,omitempty"`
	LoadBalancerAgents []string `json:"loadBalancerAgents,omitempty"`
	CriticalTiers      []string `json:"criticalTiers,omitempty"`
	BusinessHours      string   `json:"businessHours,omitempty"`
}

// DefaultPolicy returns the built-in lists
func DefaultPolicy() *Policy {
	return &Policy{
		NoisePaths:   []string{"/health", "/ping", "/metrics", "/status", "/ready", "/live"},
		ProbeMarkers: []string{"kube-probe", "probe", "healthcheck", "health-check"},
		LoadBalancerAgents: []string{
			"ELB-HealthChecker",
			"GoogleHC",
			"Load Balancer Agent",
			"Azure Traffic Manager Endpoint Monitor",
			"HAProxy",
			"Envoy/HC",
		},
		CriticalTiers: []string{"frontend", "api", "database"},
	}
}

// LoadPolicy reads a YAML policy file. Lists present in the file replace
// the corresponding defaults, absent ones keep them.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file Policy
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	if len(file.NoisePaths) > 0 {
		policy.NoisePaths = file.NoisePaths
	}
	if len(file.ProbeMarkers) > 0 {
		policy.ProbeMarkers = file.ProbeMarkers
	}
	if len(file.MonitoringSources) > 0 {
		policy.MonitoringSources = file.MonitoringSources
	}
	if len(file.LoadBalancerAgents) > 0 {
		policy.LoadBalancerAgents = file.LoadBalancerAgents
	}
	if len(file.CriticalTiers) > 0 {
		policy.CriticalTiers = file.CriticalTiers
	}
	if file.BusinessHours != "" {
		if _, err := ParseBusinessHours(file.BusinessHours); err != nil {
			return nil, fmt.Errorf("policy file %s: %w", path, err)
		}
		policy.BusinessHours = file.BusinessHours
	}

	return policy, nil
}
