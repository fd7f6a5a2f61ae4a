package reporter

import (
	"encoding/csv"
	"fmt"
	"io"
)

// GenerateCSV creates a CSV report
func GenerateCSV(report *Report, writer io.Writer) error {
	w := csv.NewWriter(writer)

	header := []string{
		"Namespace",
		"Deployment",
		"Action",
		"Idle Probability (%)",
		"Confidence (%)",
		"Pods",
		"Monthly Savings ($)",
		"Safe",
		"Risk",
		"Reason",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range report.Recommendations {
		row := []string{
			rec.Workload.Namespace,
			rec.Workload.Name,
			string(rec.Action),
			fmt.Sprintf("%.1f", rec.IdleProbability),
			fmt.Sprintf("%.1f", rec.Confidence),
			fmt.Sprintf("%d", rec.PodCount),
			savings(rec),
			fmt.Sprintf("%t", rec.Safety.IsSafe),
			string(rec.Safety.RiskLevel),
			rec.Reason,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	// Summary rows
	w.Write([]string{})
	w.Write([]string{"SUMMARY"})
	w.Write([]string{"Total Workloads", fmt.Sprintf("%d", report.WorkloadCount)})
	w.Write([]string{"Scale-to-zero Candidates", fmt.Sprintf("%d", report.ScaleToZeroCount)})
	w.Write([]string{"Blocked by Safety", fmt.Sprintf("%d", report.BlockedBySafety)})
	w.Write([]string{"Total Monthly Savings", fmt.Sprintf("$%.2f", report.TotalSavings)})

	w.Write([]string{})
	w.Write([]string{"NAMESPACE BREAKDOWN"})
	w.Write([]string{"Namespace", "Workloads", "Scale-to-zero", "Avg Idle (%)", "Savings"})
	for _, stat := range report.NamespaceStats {
		w.Write([]string{
			stat.Namespace,
			fmt.Sprintf("%d", stat.WorkloadCount),
			fmt.Sprintf("%d", stat.ScaleToZero),
			fmt.Sprintf("%.1f", stat.AvgIdle),
			fmt.Sprintf("$%.2f", stat.TotalSavings),
		})
	}

	w.Flush()
	return w.Error()
}
