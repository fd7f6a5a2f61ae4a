package safety

import "strings"

// Environment represents the deployment environment
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentUnknown     Environment = "unknown"
)

// ClassifyEnvironment resolves the environment from the workload's labels,
// then the namespace labels, then the namespace name
func ClassifyEnvironment(workloadLabels, namespaceLabels map[string]string, namespace string) Environment {
	if env, ok := workloadLabels["environment"]; ok {
		if e := normalizeEnvironment(env); e != EnvironmentUnknown {
			return e
		}
	}

	if env, ok := namespaceLabels["environment"]; ok {
		return normalizeEnvironment(env)
	}

	// A namespace tier label names the environment, not the service tier
	if tier, ok := namespaceLabels["tier"]; ok {
		if e := normalizeEnvironment(tier); e != EnvironmentUnknown {
			return e
		}
	}

	return detectEnvironmentFromName(namespace)
}

// normalizeEnvironment converts label value to Environment type
func normalizeEnvironment(label string) Environment {
	label = strings.ToLower(strings.TrimSpace(label))

	switch label {
	case "production", "prod", "prd":
		return EnvironmentProduction
	case "staging", "stage", "stg":
		return EnvironmentStaging
	case "development", "dev", "test", "testing":
		return EnvironmentDevelopment
	default:
		return EnvironmentUnknown
	}
}

// detectEnvironmentFromName tries to detect environment from namespace name
func detectEnvironmentFromName(namespace string) Environment {
	name := strings.ToLower(namespace)

	for _, pattern := range []string{"prod", "production", "prd"} {
		if strings.Contains(name, pattern) {
			return EnvironmentProduction
		}
	}

	for _, pattern := range []string{"staging", "stage", "stg", "uat"} {
		if strings.Contains(name, pattern) {
			return EnvironmentStaging
		}
	}

	for _, pattern := range []string{"dev", "develop", "test", "sandbox", "demo"} {
		if strings.Contains(name, pattern) {
			return EnvironmentDevelopment
		}
	}

	// Default to unknown for ambiguous namespaces
	return EnvironmentUnknown
}
