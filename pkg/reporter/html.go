package reporter

import (
	"fmt"
	"html/template"
	"io"
	"strings"
)

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>Idle Workload Report - {{.ClusterName}}</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, Arial, sans-serif; background: #f5f7fa; color: #333; margin: 0; padding: 20px; }
main { max-width: 1200px; margin: 0 auto; background: #fff; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,.1); }
header { background: #326ce5; color: #fff; padding: 32px 40px; border-radius: 8px 8px 0 0; }
section { padding: 24px 40px; }
.cards { display: flex; gap: 16px; }
.card { flex: 1; background: #f8f9fa; border-radius: 6px; padding: 16px; }
.card .value { font-size: 1.8em; font-weight: 700; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 8px; border-bottom: 1px solid #e8eaed; }
.badge { padding: 3px 8px; border-radius: 4px; font-size: .75em; font-weight: 600; }
.action-scale_to_zero { background: #e6f4ea; color: #1e8e3e; }
.action-no_action { background: #f1f3f4; color: #5f6368; }
.risk-high { background: #fce8e6; color: #d93025; }
.risk-medium { background: #fef7e0; color: #b06000; }
.risk-low, .risk-none { background: #f1f3f4; color: #5f6368; }
</style>
</head>
<body>
<main>
<header>
<h1>Idle Workload Report</h1>
<p>Cluster: {{.ClusterName}} | Namespace: {{if .Namespace}}{{.Namespace}}{{else}}all namespaces{{end}}</p>
<p>Generated: {{.GeneratedAt.Format "January 2, 2006 15:04:05 MST"}}</p>
</header>
<section class="cards">
<div class="card"><div>Estimated monthly savings</div><div class="value">${{printf "%.2f" .TotalSavings}}</div></div>
<div class="card"><div>Workloads analyzed</div><div class="value">{{.WorkloadCount}}</div></div>
<div class="card"><div>Scale-to-zero candidates</div><div class="value">{{.ScaleToZeroCount}}</div></div>
<div class="card"><div>Blocked by safety</div><div class="value">{{.BlockedBySafety}}</div></div>
</section>
{{if .NamespaceStats}}
<section>
<h2>By Namespace</h2>
<table>
<thead><tr><th>Namespace</th><th>Workloads</th><th>Scale-to-zero</th><th>Avg idle</th><th>Savings</th></tr></thead>
<tbody>
{{range .NamespaceStats}}<tr><td>{{.Namespace}}</td><td>{{.WorkloadCount}}</td><td>{{.ScaleToZero}}</td><td>{{printf "%.1f" .AvgIdle}}%</td><td>${{printf "%.2f" .TotalSavings}}</td></tr>
{{end}}</tbody>
</table>
</section>
{{end}}
<section>
<h2>Recommendations</h2>
<table>
<thead><tr><th>Workload</th><th>Action</th><th>Idle</th><th>Confidence</th><th>Savings/Month</th><th>Risk</th><th>Reason</th></tr></thead>
<tbody>
{{range .Recommendations}}<tr>
<td><strong>{{.Workload.Namespace}}/{{.Workload.Name}}</strong></td>
<td><span class="badge action-{{.Action | lower}}">{{.Action}}</span></td>
<td>{{printf "%.1f" .IdleProbability}}%</td>
<td>{{printf "%.1f" .Confidence}}%</td>
<td>{{money .EstimatedSavings}}</td>
<td><span class="badge risk-{{.Safety.RiskLevel | lower}}">{{.Safety.RiskLevel}}</span></td>
<td>{{.Reason}}</td>
</tr>
{{end}}</tbody>
</table>
</section>
</main>
</body>
</html>
`

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": func(s interface{}) string {
		return strings.ToLower(fmt.Sprintf("%v", s))
	},
	"money": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("$%.2f", *v)
	},
}).Parse(htmlTemplate))

// GenerateHTML creates an HTML report
func GenerateHTML(report *Report, writer io.Writer) error {
	if err := reportTemplate.Execute(writer, report); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}
