package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// TextHandler renders human readable output
type TextHandler struct {
	w io.Writer
}

func NewTextHandler(w io.Writer) *TextHandler {
	return &TextHandler{w: w}
}

func (h *TextHandler) Format() string { return "text" }

func (h *TextHandler) DisplayRecommendations(_ context.Context, recommendations []*models.ScalingRecommendation) error {
	if len(recommendations) == 0 {
		_, err := fmt.Fprintln(h.w, "[INFO] No workloads analyzed")
		return err
	}

	fmt.Fprintf(h.w, "=== Idle Workload Recommendations ===\n\n")
	for i, rec := range recommendations {
		fmt.Fprintf(h.w, "%d. %s\n", i+1, indent(rec.String()))
		fmt.Fprintln(h.w)
	}
	return nil
}

func (h *TextHandler) DisplayAnalysis(_ context.Context, a *models.IdleAnalysis) error {
	fmt.Fprintf(h.w, "Workload: %s\n", a.Workload)
	fmt.Fprintf(h.w, "Window: %s - %s\n", a.Window.Start.Format("2006-01-02 15:04"), a.Window.End.Format("2006-01-02 15:04"))
	fmt.Fprintf(h.w, "Idle probability: %.1f%%\n", a.IdleProbability)
	fmt.Fprintf(h.w, "Confidence: %.1f%%\n", a.Confidence)
	fmt.Fprintf(h.w, "Factors: business=%.1f resource=%.1f temporal=%.1f dependency=%.1f\n",
		a.Factors.Business, a.Factors.Resource, a.Factors.Temporal, a.Factors.Dependency)
	fmt.Fprintf(h.w, "Contributing: %s\n", strings.Join(a.ContributingFactors, "; "))
	if a.UsagePattern != "" {
		fmt.Fprintf(h.w, "CPU usage pattern: %s\n", a.UsagePattern)
	}
	_, err := fmt.Fprintf(h.w, "Recommended action: %s\n", a.RecommendedAction)
	return err
}

func (h *TextHandler) DisplayResult(_ context.Context, r *models.ScalingResult) error {
	status := "FAILED"
	if r.Success {
		status = "OK"
	}
	fmt.Fprintf(h.w, "[%s] %s: %s\n", status, r.Workload, r.State)
	fmt.Fprintf(h.w, "   Reason: %s\n", r.Reason)
	if r.Savings != nil {
		fmt.Fprintf(h.w, "   Savings: $%.2f/month\n", *r.Savings)
	}
	_, err := fmt.Fprintf(h.w, "   Duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	return err
}

func (h *TextHandler) DisplaySummary(_ context.Context, totalSavings float64, count int) error {
	_, err := fmt.Fprintf(h.w, "Scale-to-zero candidates: %d\nTotal potential savings: $%.2f/month\n", count, totalSavings)
	return err
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}
