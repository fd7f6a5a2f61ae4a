package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

const defaultCacheTTL = time.Hour

// NewProvider builds the pricing for a cluster. Nodes are priced by the
// provider they report; nodes with no known cloud, and every node when
// config.Provider is set, use the configured or detected cluster provider.
func NewProvider(ctx context.Context, clientset kubernetes.Interface, config *Config) (Provider, error) {
	name, region := config.Provider, config.Region
	if name == "" {
		var err error
		name, region, err = DetectProvider(ctx, clientset)
		if err != nil {
			name, region = ProviderDefault, ""
		}
	}

	primary, err := newCloudProvider(name, region, config)
	if err != nil {
		return nil, err
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ClusterPricing{
		primary:   primary,
		pinned:    config.Provider != "",
		config:    config,
		providers: map[string]Provider{name: primary},
		cache:     NewPriceCache(ttl, clock.RealClock{}),
	}, nil
}

func newCloudProvider(name, region string, config *Config) (Provider, error) {
	switch name {
	case ProviderAzure:
		return NewAzureProvider(region), nil
	case ProviderAWS:
		return NewAWSProvider(region), nil
	case ProviderGCP:
		return NewGCPProvider(region), nil
	case ProviderDefault:
		return NewDefaultProvider(config.DefaultCPU, config.DefaultMemory), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ClusterPricing routes each node to its cloud's provider and caches node
// costs per window, so pricing every pod of a scan calls the provider once
// per node.
type ClusterPricing struct {
	primary Provider
	pinned  bool
	config  *Config
	cache   *PriceCache

	mu        sync.Mutex
	providers map[string]Provider
}

func (p *ClusterPricing) Name() string {
	return p.primary.Name()
}

func (p *ClusterPricing) GetCostInfo(ctx context.Context, region, nodeType string) (*models.CostInfo, error) {
	return p.primary.GetCostInfo(ctx, region, nodeType)
}

func (p *ClusterPricing) GetResourceCost(ctx context.Context, node models.NodeAllocation, window models.AnalysisWindow) (float64, error) {
	provider := p.providerFor(node)
	key := NodeKey(provider.Name(), node, window)
	if cost, ok := p.cache.Get(key); ok {
		return cost, nil
	}

	cost, err := provider.GetResourceCost(ctx, node, window)
	if err != nil {
		return 0, err
	}
	p.cache.Set(key, cost)
	return cost, nil
}

func (p *ClusterPricing) providerFor(node models.NodeAllocation) Provider {
	if p.pinned || node.Provider == "" || node.Provider == ProviderDefault {
		return p.primary
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if provider, ok := p.providers[node.Provider]; ok {
		return provider
	}
	provider, err := newCloudProvider(node.Provider, node.Region, p.config)
	if err != nil {
		return p.primary
	}
	p.providers[node.Provider] = provider
	return provider
}
