package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/opscart/k8s-idle-optimizer/pkg/analyzer"
	"github.com/opscart/k8s-idle-optimizer/pkg/cluster"
	"github.com/opscart/k8s-idle-optimizer/pkg/config"
	"github.com/opscart/k8s-idle-optimizer/pkg/cost"
	"github.com/opscart/k8s-idle-optimizer/pkg/datasource"
	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/metrics"
	"github.com/opscart/k8s-idle-optimizer/pkg/pricing"
	"github.com/opscart/k8s-idle-optimizer/pkg/recommender"
	"github.com/opscart/k8s-idle-optimizer/pkg/safety"
	"github.com/opscart/k8s-idle-optimizer/pkg/scanner"
	"github.com/opscart/k8s-idle-optimizer/pkg/storage"
)

// app holds every component built from one configuration
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	engine      *analyzer.Engine
	recommender *recommender.Recommender
	scanner     *scanner.Scanner
	executor    *executor.Executor
	store       storage.Store
	recorder    *metrics.Recorder
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// newApp wires the decision core against the live cluster. persist selects
// the configured database, otherwise the journal lives in memory.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, persist bool) (*app, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	hours := cfg.BusinessHours
	if hours == "" {
		hours = policy.BusinessHours
	}
	var businessHours *config.BusinessHours
	if hours != "" {
		businessHours, err = config.ParseBusinessHours(hours)
		if err != nil {
			return nil, fmt.Errorf("invalid business hours: %w", err)
		}
	}

	clients, err := cluster.NewClients(kubeconfig)
	if err != nil {
		return nil, err
	}
	kube := cluster.NewKubeCluster(clients.Kubernetes, clients.Dynamic, logger.Named("cluster"))

	source, err := datasource.NewPrometheusSource(cfg.PrometheusURL, datasource.DefaultQueryConfig(), logger.Named("prometheus"))
	if err != nil {
		return nil, err
	}
	source.WithMetricsFallback(datasource.NewMetricsServerSource(clients.Kubernetes, clients.Metrics))
	if !source.IsAvailable(ctx) {
		logger.Warnw("Prometheus not reachable, signals will be missing", "url", cfg.PrometheusURL)
	}

	classifier, err := analyzer.NewRequestClassifier(policy)
	if err != nil {
		return nil, err
	}
	gatherer := analyzer.NewGatherer(source, kube, analyzer.GathererConfig{
		BaselineDays: cfg.BaselineDays,
		PatternDays:  cfg.PatternDays,
		CallTimeout:  cfg.CallTimeout,
	}, logger.Named("gatherer"))
	engine := analyzer.NewEngine(gatherer, classifier, logger.Named("analyzer"))

	provider, err := pricing.NewProvider(ctx, clients.Kubernetes, &pricing.Config{
		Provider:      cfg.Provider,
		Region:        cfg.Region,
		DefaultCPU:    cfg.DefaultCPUCost,
		DefaultMemory: cfg.DefaultMemoryCost,
	})
	if err != nil {
		return nil, err
	}
	logger.Infow("Pricing provider selected", "provider", provider.Name())
	calculator := cost.NewCalculator(provider, pricing.NewDefaultProvider(cfg.DefaultCPUCost, cfg.DefaultMemoryCost), logger.Named("cost"))
	estimator := cost.NewEstimator(kube, calculator, logger.Named("savings"))

	validator := safety.NewValidator(logger.Named("safety"), safety.DefaultChecks(kube, safety.Options{
		CriticalTiers:    policy.CriticalTiers,
		BusinessHours:    businessHours,
		MinDeploymentAge: cfg.MinDeploymentAge,
		Clock:            clock.RealClock{},
	})...)

	recorder := metrics.NewRecorder()
	rec := recommender.New(engine, validator, kube, estimator, recorder, recommender.Config{
		AnalysisWindow: cfg.AnalysisWindow,
		MaxConcurrency: cfg.MaxConcurrency,
		CallTimeout:    cfg.CallTimeout,
	}, logger.Named("recommender"))

	storeCfg, err := storeConfig(cfg, persist)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	traffic := executor.NewPollingTrafficDetector(source, kube, engine.Classifier(), cfg.MonitorPollInterval,
		cfg.TrafficThreshold, cfg.CallTimeout, logger.Named("traffic"))
	exec := executor.New(kube, store, traffic, recorder, executor.Config{
		MonitorWindow:    cfg.MonitorWindow,
		TrafficThreshold: cfg.TrafficThreshold,
		CallTimeout:      cfg.CallTimeout,
		RollbackTimeout:  cfg.RollbackTimeout,
		Owner:            instanceID(cfg),
		LeaseDuration:    cfg.LeaseDuration,
	}, logger.Named("executor"))

	return &app{
		cfg:         cfg,
		logger:      logger,
		engine:      engine,
		recommender: rec,
		scanner:     scanner.New(kube, rec, cfg.MaxConcurrency, logger.Named("scanner")),
		executor:    exec,
		store:       store,
		recorder:    recorder,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

var errStorageDisabled = errors.New("storage is disabled (set IDLE_STORAGE_ENABLED=true)")

// storeConfig picks the store for a command. Commands that persist need the
// configured database; a scale-down journaled in memory could not be rolled
// back after a crash, so they fail instead of falling back.
func storeConfig(cfg *config.Config, persist bool) (storage.Config, error) {
	if !persist {
		return storage.Config{Driver: "memory"}, nil
	}
	if !cfg.StorageEnabled {
		return storage.Config{}, errStorageDisabled
	}
	return storage.Config{Driver: cfg.StorageDriver, DSN: cfg.DatabaseURL}, nil
}

// instanceID names this process on the rollback plans it owns
func instanceID(cfg *config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}

// setupStore opens the configured database without touching the cluster
func setupStore() (storage.Store, error) {
	storeCfg, err := storeConfig(cfg, true)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}
