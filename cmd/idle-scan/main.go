package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opscart/k8s-idle-optimizer/pkg/config"
)

var (
	// Scan flags
	namespace     string
	allNamespaces bool
	outputFormat  string
	saveResults   bool
	reportOutput  string

	// Global flags
	kubeconfig string
	clusterID  string
	policyFile string
	preset     string
	verbose    bool

	// Execute flags
	dryRun      bool
	assumeYes   bool
	waitForDone bool

	// History command vars
	historyLimit int

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "idle-scan",
		Short: "Kubernetes idle workload optimizer",
		Long: `Find deployments that serve no real traffic, prove they are safe to stop,
and scale them to zero with a monitored automatic rollback.`,
		PersistentPreRunE: loadConfig,
		RunE:              runScan,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (in-cluster config when empty)")
	rootCmd.PersistentFlags().StringVar(&clusterID, "cluster-id", "", "Cluster identifier (overrides IDLE_CLUSTER_ID)")
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "YAML policy file (overrides IDLE_POLICY_FILE)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "Timing preset: dev, production, critical")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Namespace")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, csv, markdown, html")

	rootCmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false, "Scan all namespaces")
	rootCmd.Flags().BoolVar(&saveResults, "save", false, "Save recommendations to the database")
	rootCmd.Flags().StringVar(&reportOutput, "report-output", "", "Write csv, markdown or html reports to this file instead of stdout")

	analyzeCmd := &cobra.Command{
		Use:   "analyze <deployment>",
		Short: "Score how idle a deployment is",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}

	recommendCmd := &cobra.Command{
		Use:   "recommend <deployment>",
		Short: "Produce a scaling recommendation for a deployment",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecommend,
	}

	executeCmd := &cobra.Command{
		Use:   "execute <deployment>",
		Short: "Scale an idle deployment to zero and monitor it",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}
	executeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the kubectl command instead of scaling")
	executeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume or roll back scale-downs interrupted by a restart",
		Args:  cobra.NoArgs,
		RunE:  runRecover,
	}
	recoverCmd.Flags().BoolVar(&waitForDone, "wait", true, "Wait for resumed monitoring windows to finish")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled scanner",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false, "Scan all namespaces on schedule")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "View past recommendations",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of recommendations to show")

	auditCmd := &cobra.Command{
		Use:   "audit <recommendation-id>",
		Short: "View audit log",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}

	rootCmd.AddCommand(analyzeCmd, recommendCmd, executeCmd, recoverCmd, serveCmd, historyCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewConfig()
	if err != nil {
		return err
	}

	switch preset {
	case "":
	case "dev":
		cfg.UseDevPreset()
	case "production":
		cfg.UseProductionPreset()
	case "critical":
		cfg.UseCriticalPreset()
	default:
		return fmt.Errorf("unknown preset %q (want dev, production or critical)", preset)
	}

	if clusterID != "" {
		cfg.ClusterID = clusterID
	}
	if policyFile != "" {
		cfg.PolicyFile = policyFile
	}
	if outputFormat == "" {
		outputFormat = cfg.OutputFormat
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg.Validate()
}
