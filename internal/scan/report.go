package scan

import "time"

// BuildReport aggregates processed findings into a report. Pure and
// order-independent over the input set.
func BuildReport(processed []ProcessedVulnerability, generatedAt time.Time) SecurityReport {
	report := SecurityReport{
		TotalIssues: len(processed),
		GeneratedAt: generatedAt,
	}
	for _, p := range processed {
		if p.Severity == SeverityCritical {
			report.CriticalIssues++
		}
	}
	return report
}
