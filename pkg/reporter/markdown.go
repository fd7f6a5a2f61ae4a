package reporter

import (
	"fmt"
	"io"
	"strings"
)

// GenerateMarkdown creates a Markdown report
func GenerateMarkdown(report *Report, w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Idle Workload Report: %s\n\n", report.ClusterName)
	scope := report.Namespace
	if scope == "" {
		scope = "all namespaces"
	}
	fmt.Fprintf(&b, "Generated %s for %s.\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"), scope)

	b.WriteString("## Summary\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Workloads analyzed | %d |\n", report.WorkloadCount)
	fmt.Fprintf(&b, "| Scale-to-zero candidates | %d |\n", report.ScaleToZeroCount)
	fmt.Fprintf(&b, "| Blocked by safety checks | %d |\n", report.BlockedBySafety)
	fmt.Fprintf(&b, "| Estimated monthly savings | $%.2f |\n\n", report.TotalSavings)

	if len(report.NamespaceStats) > 0 {
		b.WriteString("## Namespaces\n\n")
		b.WriteString("| Namespace | Workloads | Scale-to-zero | Avg idle | Savings |\n|---|---:|---:|---:|---:|\n")
		for _, stat := range report.NamespaceStats {
			fmt.Fprintf(&b, "| %s | %d | %d | %.1f%% | $%.2f |\n",
				stat.Namespace, stat.WorkloadCount, stat.ScaleToZero, stat.AvgIdle, stat.TotalSavings)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recommendations\n\n")
	if len(report.Recommendations) == 0 {
		b.WriteString("No workloads were analyzed.\n")
	} else {
		b.WriteString("| Workload | Action | Idle | Confidence | Savings | Reason |\n|---|---|---:|---:|---:|---|\n")
		for _, rec := range report.Recommendations {
			cost := "-"
			if s := savings(rec); s != "" {
				cost = "$" + s
			}
			fmt.Fprintf(&b, "| %s | %s | %.1f%% | %.1f%% | %s | %s |\n",
				rec.Workload, rec.Action, rec.IdleProbability, rec.Confidence, cost, escapePipes(rec.Reason))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
