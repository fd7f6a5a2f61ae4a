package pricing

import (
	"context"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	ProviderAWS     = "aws"
	ProviderAzure   = "azure"
	ProviderGCP     = "gcp"
	ProviderDefault = "default"
)

// Pricing models a node is billed under
const (
	OnDemand = "on-demand"
	Spot     = "spot"
)

// defaultRegions is the region assumed for a cloud node without topology labels
var defaultRegions = map[string]string{
	ProviderAWS:   "us-east-1",
	ProviderAzure: "eastus",
	ProviderGCP:   "us-central1",
}

// NodeCloud is where a node is billed
type NodeCloud struct {
	Provider     string
	Region       string
	PricingModel string
}

// DetectNode reads the provider from the node's provider ID, then from the
// managed node pool labels. Nodes of no known cloud price as ProviderDefault.
func DetectNode(node *corev1.Node) NodeCloud {
	labels := node.Labels
	cloud := NodeCloud{Provider: ProviderDefault, PricingModel: OnDemand}

	switch providerID := node.Spec.ProviderID; {
	case strings.HasPrefix(providerID, "azure://"):
		cloud.Provider = ProviderAzure
	case strings.HasPrefix(providerID, "aws://"):
		cloud.Provider = ProviderAWS
	case strings.HasPrefix(providerID, "gce://"):
		cloud.Provider = ProviderGCP
	case hasLabel(labels, "kubernetes.azure.com/cluster"):
		cloud.Provider = ProviderAzure
	case hasLabel(labels, "eks.amazonaws.com/nodegroup"):
		cloud.Provider = ProviderAWS
	case hasLabel(labels, "cloud.google.com/gke-nodepool"):
		cloud.Provider = ProviderGCP
	}

	cloud.Region = labels["topology.kubernetes.io/region"]
	if cloud.Region == "" {
		cloud.Region = labels["failure-domain.beta.kubernetes.io/region"]
	}
	if cloud.Region == "" {
		cloud.Region = defaultRegions[cloud.Provider]
	}

	switch {
	case strings.EqualFold(labels["eks.amazonaws.com/capacityType"], "SPOT"),
		labels["kubernetes.azure.com/scalesetpriority"] == "spot",
		labels["cloud.google.com/gke-spot"] == "true",
		labels["cloud.google.com/gke-preemptible"] == "true":
		cloud.PricingModel = Spot
	}
	return cloud
}

func hasLabel(labels map[string]string, key string) bool {
	_, ok := labels[key]
	return ok
}

// DetectProvider returns the provider most nodes run on and the region most
// of those nodes are in. An empty cluster reports ProviderDefault.
func DetectProvider(ctx context.Context, clientset kubernetes.Interface) (string, string, error) {
	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return ProviderDefault, "", err
	}

	providers := map[string]int{}
	regions := map[string]map[string]int{}
	for i := range nodes.Items {
		cloud := DetectNode(&nodes.Items[i])
		providers[cloud.Provider]++
		if regions[cloud.Provider] == nil {
			regions[cloud.Provider] = map[string]int{}
		}
		if cloud.Region != "" {
			regions[cloud.Provider][cloud.Region]++
		}
	}
	if len(providers) == 0 {
		return ProviderDefault, "", nil
	}

	provider := mostCommon(providers)
	return provider, mostCommon(regions[provider]), nil
}

// mostCommon breaks ties by name so detection is stable across runs
func mostCommon(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := ""
	for _, k := range keys {
		if best == "" || counts[k] > counts[best] {
			best = k
		}
	}
	return best
}
