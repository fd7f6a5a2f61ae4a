package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "IDLE"

// Config holds application configuration
type Config struct {
	// Prometheus
	PrometheusURL string `envconfig:"PROMETHEUS_URL" default:"http://localhost:9090"`

	// Storage
	StorageEnabled bool   `envconfig:"STORAGE_ENABLED" default:"true"`
	StorageDriver  string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"host=localhost port=5432 user=postgres dbname=idleopt sslmode=disable"`

	ClusterID string `envconfig:"CLUSTER_ID" default:"default"`

	// Analysis
	AnalysisWindow time.Duration `envconfig:"ANALYSIS_WINDOW" default:"24h"`
	BaselineDays   int           `envconfig:"BASELINE_DAYS" default:"30"`
	PatternDays    int           `envconfig:"PATTERN_DAYS" default:"90"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"8"`

	// Orchestration
	MonitorWindow       time.Duration `envconfig:"MONITOR_WINDOW" default:"5m"`
	MonitorPollInterval time.Duration `envconfig:"MONITOR_POLL_INTERVAL" default:"15s"`
	TrafficThreshold    int           `envconfig:"TRAFFIC_THRESHOLD" default:"1"`
	CallTimeout         time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	RollbackTimeout     time.Duration `envconfig:"ROLLBACK_TIMEOUT" default:"2m"`

	// InstanceID names this optimizer on the rollback plans it owns. Empty
	// means the host name.
	InstanceID    string        `envconfig:"INSTANCE_ID"`
	LeaseDuration time.Duration `envconfig:"LEASE_DURATION" default:"1m"`

	// Safety
	MinDeploymentAge time.Duration `envconfig:"MIN_DEPLOYMENT_AGE" default:"24h"`
	BusinessHours    string        `envconfig:"BUSINESS_HOURS"`
	PolicyFile       string        `envconfig:"POLICY_FILE"`

	// Pricing
	Provider          string  `envconfig:"PROVIDER"`
	Region            string  `envconfig:"REGION"`
	DefaultCPUCost    float64 `envconfig:"DEFAULT_CPU_COST" default:"23"`
	DefaultMemoryCost float64 `envconfig:"DEFAULT_MEMORY_COST" default:"3"`

	// Service mode
	ScanSchedule string `envconfig:"SCAN_SCHEDULE" default:"@every 1h"`
	AutoExecute  bool   `envconfig:"AUTO_EXECUTE" default:"false"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Output
	OutputFormat string `envconfig:"OUTPUT_FORMAT" default:"text"`
	Verbose      bool   `envconfig:"VERBOSE" default:"false"`
}

// NewConfig loads configuration from IDLE_* environment variables
func NewConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// UseDevPreset shortens every wait so a scale-down can be tried quickly
func (c *Config) UseDevPreset() {
	c.AnalysisWindow = 6 * time.Hour
	c.MonitorWindow = 2 * time.Minute
	c.MonitorPollInterval = 5 * time.Second
	c.MinDeploymentAge = time.Hour
}

// UseProductionPreset restores the documented defaults
func (c *Config) UseProductionPreset() {
	c.AnalysisWindow = 24 * time.Hour
	c.MonitorWindow = 5 * time.Minute
	c.MonitorPollInterval = 15 * time.Second
	c.MinDeploymentAge = 24 * time.Hour
}

// UseCriticalPreset is for clusters where a wrong scale-down is expensive
func (c *Config) UseCriticalPreset() {
	c.AnalysisWindow = 72 * time.Hour
	c.MonitorWindow = 15 * time.Minute
	c.MonitorPollInterval = 10 * time.Second
	c.MinDeploymentAge = 72 * time.Hour
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.StorageEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("IDLE_DATABASE_URL must be set when storage is enabled")
	}
	if c.StorageDriver != "postgres" && c.StorageDriver != "sqlite" {
		return fmt.Errorf("unknown storage driver %q (want postgres or sqlite)", c.StorageDriver)
	}
	if c.AnalysisWindow < time.Hour {
		return fmt.Errorf("analysis window must be at least 1 hour")
	}
	if c.BaselineDays < 1 || c.PatternDays < 1 {
		return fmt.Errorf("baseline and pattern horizons must be at least 1 day")
	}
	if c.MonitorWindow <= 0 {
		return fmt.Errorf("monitor window must be positive")
	}
	if c.MonitorPollInterval <= 0 || c.MonitorPollInterval > c.MonitorWindow {
		return fmt.Errorf("monitor poll interval must be positive and not exceed the monitor window")
	}
	if c.TrafficThreshold < 1 {
		return fmt.Errorf("traffic threshold must be >= 1")
	}
	if c.CallTimeout <= 0 || c.RollbackTimeout <= 0 {
		return fmt.Errorf("call and rollback timeouts must be positive")
	}
	if c.LeaseDuration < 3*time.Second {
		return fmt.Errorf("lease duration must be at least 3s")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be >= 1")
	}
	if c.BusinessHours != "" {
		if _, err := ParseBusinessHours(c.BusinessHours); err != nil {
			return fmt.Errorf("invalid IDLE_BUSINESS_HOURS: %w", err)
		}
	}
	return nil
}
