package pricing

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// PriceKey identifies one cached price. Retail lookups leave Node and the
// window empty; node costs fill every field so a relabeled node is repriced.
type PriceKey struct {
	Provider     string
	Region       string
	InstanceType string
	PricingModel string
	Node         string
	Start, End   int64
}

// NodeKey keys the cost of a node over a window
func NodeKey(provider string, node models.NodeAllocation, window models.AnalysisWindow) PriceKey {
	return PriceKey{
		Provider:     provider,
		Region:       node.Region,
		InstanceType: node.InstanceType,
		PricingModel: node.PricingModel,
		Node:         node.Name,
		Start:        window.Start.UnixNano(),
		End:          window.End.UnixNano(),
	}
}

// PriceCache holds prices until their TTL passes
type PriceCache struct {
	mu    sync.Mutex
	data  map[PriceKey]cacheEntry
	ttl   time.Duration
	clock clock.PassiveClock
}

type cacheEntry struct {
	price     float64
	expiresAt time.Time
}

func NewPriceCache(ttl time.Duration, clk clock.PassiveClock) *PriceCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PriceCache{
		data:  make(map[PriceKey]cacheEntry),
		ttl:   ttl,
		clock: clk,
	}
}

func (c *PriceCache) Get(key PriceKey) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.data, key)
		return 0, false
	}
	return entry.price, true
}

// Set stores a price and drops whatever has expired
func (c *PriceCache) Set(key PriceKey, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, k)
		}
	}
	c.data[key] = cacheEntry{price: price, expiresAt: now.Add(c.ttl)}
}

func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[PriceKey]cacheEntry)
}
