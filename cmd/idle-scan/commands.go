package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opscart/k8s-idle-optimizer/pkg/converter"
	"github.com/opscart/k8s-idle-optimizer/pkg/executor"
	"github.com/opscart/k8s-idle-optimizer/pkg/models"
	"github.com/opscart/k8s-idle-optimizer/pkg/output"
	"github.com/opscart/k8s-idle-optimizer/pkg/reporter"
	"github.com/opscart/k8s-idle-optimizer/pkg/scheduler"
	"github.com/opscart/k8s-idle-optimizer/pkg/server"
)

func setup(ctx context.Context, persist bool) (*app, error) {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, persist)
}

func requireNamespace() error {
	if namespace == "" {
		return errors.New("--namespace is required")
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	if namespace == "" && !allNamespaces {
		return errors.New("either --namespace or --all-namespaces must be specified")
	}

	ctx := cmd.Context()
	a, err := setup(ctx, saveResults)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.scanner.Scan(ctx, namespace, allNamespaces)
	if err != nil {
		return err
	}
	for key, scanErr := range result.Errors {
		a.logger.Warnw("Workload skipped", "workload", key, "error", scanErr)
	}
	a.logger.Infow("Scan complete",
		"namespaces", len(result.Namespaces),
		"recommendations", len(result.Recommendations),
		"duration", result.Duration.Round(time.Millisecond))

	if saveResults {
		for _, rec := range result.Recommendations {
			record := converter.ToRecord(rec, a.cfg.ClusterID)
			if err := a.store.SaveRecommendation(ctx, record); err != nil {
				return fmt.Errorf("failed to save recommendation for %s: %w", rec.Workload, err)
			}
			rec.ID = record.ID
		}
	}

	switch reporter.ReportFormat(outputFormat) {
	case reporter.FormatCSV, reporter.FormatMarkdown, reporter.FormatHTML:
		return writeReport(result.Recommendations, reporter.ReportFormat(outputFormat))
	}

	handler, err := output.New(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := handler.DisplayRecommendations(ctx, result.Recommendations); err != nil {
		return err
	}
	total := 0.0
	for _, rec := range result.ScaleToZero() {
		if rec.EstimatedSavings != nil {
			total += *rec.EstimatedSavings
		}
	}
	return handler.DisplaySummary(ctx, total, len(result.ScaleToZero()))
}

func writeReport(recs []*models.ScalingRecommendation, format reporter.ReportFormat) error {
	r := reporter.New(format)
	scope := namespace
	if allNamespaces {
		scope = "all"
	}
	report := r.Generate(recs, cfg.ClusterID, scope)

	var w io.Writer = os.Stdout
	if reportOutput != "" {
		f, err := os.Create(reportOutput)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return r.Write(report, w)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if err := requireNamespace(); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	w := models.NewDeployment(namespace, args[0], cfg.ClusterID)
	analysis, err := a.engine.Analyze(ctx, w, models.NewAnalysisWindow(time.Now(), cfg.AnalysisWindow))
	if err != nil {
		return err
	}
	handler, err := output.New(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return handler.DisplayAnalysis(ctx, analysis)
}

func runRecommend(cmd *cobra.Command, args []string) error {
	if err := requireNamespace(); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.recommender.Recommend(ctx, models.NewDeployment(namespace, args[0], cfg.ClusterID))
	if err != nil {
		return err
	}
	handler, err := output.New(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return handler.DisplayRecommendations(ctx, []*models.ScalingRecommendation{rec})
}

func runExecute(cmd *cobra.Command, args []string) error {
	if err := requireNamespace(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, !dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.recommender.Recommend(ctx, models.NewDeployment(namespace, args[0], cfg.ClusterID))
	if err != nil {
		return err
	}
	command := executor.GenerateCommand(rec)
	if command == "" {
		return fmt.Errorf("%s is not eligible for scale to zero: %s", rec.Workload, rec.Reason)
	}

	if dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), command)
		return nil
	}
	if !assumeYes && !confirm(cmd, fmt.Sprintf("Scale %s to zero? %s", rec.Workload, rec.Reason)) {
		return errors.New("aborted")
	}

	record := converter.ToRecord(rec, cfg.ClusterID)
	if err := a.store.SaveRecommendation(ctx, record); err != nil {
		return fmt.Errorf("failed to save recommendation: %w", err)
	}
	rec.ID = record.ID

	result, err := a.executor.Execute(ctx, rec)
	if result != nil {
		handler, herr := output.New(outputFormat, cmd.OutOrStdout())
		if herr != nil {
			return herr
		}
		if herr := handler.DisplayResult(ctx, result); herr != nil {
			return herr
		}
	}
	return err
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.executor.Recover(ctx)
	printRecovery(cmd.OutOrStdout(), report)
	if waitForDone && report != nil && len(report.Resumed) > 0 {
		a.executor.Wait()
	}
	return err
}

func printRecovery(out io.Writer, report *executor.RecoveryReport) {
	if report == nil {
		return
	}
	for _, h := range report.Resumed {
		fmt.Fprintf(out, "resumed     %s  attempt %s\n", h.Workload, h.ID)
	}
	for _, r := range report.RolledBack {
		fmt.Fprintf(out, "%-11s %s  %s\n", strings.ToLower(string(r.State)), r.Workload, r.Reason)
	}
	for _, p := range report.Failed {
		fmt.Fprintf(out, "FAILED      %s  restore with: %s\n", p.Workload, executor.RestoreCommand(p))
	}
	for _, p := range report.Skipped {
		fmt.Fprintf(out, "skipped     %s  state %s  held by %s until %s\n",
			p.Workload, p.State, p.Owner, p.LeaseExpiresAt.Format(time.RFC3339))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.executor.Recover(ctx)
	if err != nil {
		a.logger.Errorw("Recovery incomplete", "error", err)
	} else {
		a.logger.Infow("Recovery complete",
			"resumed", len(report.Resumed),
			"rolled_back", len(report.RolledBack),
			"failed", len(report.Failed))
	}

	sched := scheduler.New(a.scanner, a.store, a.executor, scheduler.Config{
		Schedule:        cfg.ScanSchedule,
		Namespace:       namespace,
		AllNamespaces:   allNamespaces,
		AutoExecute:     cfg.AutoExecute,
		RecoverSchedule: fmt.Sprintf("@every %s", cfg.LeaseDuration),
	}, a.logger.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := server.New(a.engine, a.recommender, a.executor, a.store, a.recorder, server.Config{
		ClusterID:      cfg.ClusterID,
		AnalysisWindow: cfg.AnalysisWindow,
	}, a.logger.Named("server"))
	err = srv.ListenAndServe(ctx, cfg.ListenAddr)

	// in-flight scale-downs keep their own deadlines
	a.executor.Wait()
	return err
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setupStore()
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.ListRecommendations(ctx, namespace, historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recommendations found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKLOAD\tACTION\tIDLE\tCONFIDENCE\tSAVINGS\tCREATED")
	for _, r := range recs {
		name := ""
		if r.Workload != nil {
			name = r.Workload.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%.1f\t$%.2f\t%s\n",
			r.ID, name, r.Action, r.IdleProbability, r.Confidence, r.SavingsMonthly,
			r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setupStore()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.GetAuditLog(ctx, args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tWORKLOAD\tACTION\tSTATUS\tBY\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ExecutedAt.Format(time.RFC3339), e.Workload, e.Action, e.Status, e.ExecutedBy, e.ErrorMessage)
	}
	return tw.Flush()
}
