package analyzer

import (
	"fmt"
	"net"
	"strings"

	"github.com/opscart/k8s-idle-optimizer/pkg/config"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// RequestClassifier separates real business requests from health checks,
// probes, monitoring scrapes and load-balancer checks
type RequestClassifier struct {
	noisePaths     []string
	probeMarkers   []string
	lbAgents       []string
	monitoringIPs  []net.IP
	monitoringNets []*net.IPNet
}

// NewRequestClassifier builds a classifier from the policy lists. A nil
// policy uses the built-in defaults.
func NewRequestClassifier(policy *config.Policy) (*RequestClassifier, error) {
	if policy == nil {
		policy = config.DefaultPolicy()
	}

	c := &RequestClassifier{
		noisePaths:   policy.NoisePaths,
		probeMarkers: lowerAll(policy.ProbeMarkers),
		lbAgents:     lowerAll(policy.LoadBalancerAgents),
	}

	for _, source := range policy.MonitoringSources {
		source = strings.TrimSpace(source)
		if strings.Contains(source, "/") {
			_, ipNet, err := net.ParseCIDR(source)
			if err != nil {
				return nil, fmt.Errorf("invalid monitoring source %q: %w", source, err)
			}
			c.monitoringNets = append(c.monitoringNets, ipNet)
			continue
		}
		ip := net.ParseIP(source)
		if ip == nil {
			return nil, fmt.Errorf("invalid monitoring source %q", source)
		}
		c.monitoringIPs = append(c.monitoringIPs, ip)
	}

	return c, nil
}

// IsRealBusinessRequest reports whether a request counts as business traffic
func (c *RequestClassifier) IsRealBusinessRequest(r models.RequestRecord) bool {
	return !c.isNoisePath(r.Path) &&
		!c.isProbe(r.UserAgent) &&
		!c.isMonitoringSource(r.SourceIP) &&
		!c.isLoadBalancerCheck(r.UserAgent)
}

// Count returns the number of real requests and the total, each record
// weighted by the requests it stands for
func (c *RequestClassifier) Count(records []models.RequestRecord) (real, total int) {
	for _, r := range records {
		n := r.Weight()
		total += n
		if c.IsRealBusinessRequest(r) {
			real += n
		}
	}
	return real, total
}

func (c *RequestClassifier) isNoisePath(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, p := range c.noisePaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func (c *RequestClassifier) isProbe(userAgent string) bool {
	return containsAny(strings.ToLower(userAgent), c.probeMarkers)
}

func (c *RequestClassifier) isLoadBalancerCheck(userAgent string) bool {
	return containsAny(strings.ToLower(userAgent), c.lbAgents)
}

func (c *RequestClassifier) isMonitoringSource(sourceIP string) bool {
	if sourceIP == "" {
		return false
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, m := range c.monitoringIPs {
		if m.Equal(ip) {
			return true
		}
	}
	for _, n := range c.monitoringNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
