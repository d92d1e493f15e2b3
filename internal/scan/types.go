// Package scan defines the security-scan saga: scan a repository, process
// each finding concurrently, compile a report, and alert on critical issues.
// The scanner itself is an external collaborator behind the Scanner
// interface.
package scan

import "time"

// Severity classifies a vulnerability. Severities are totally ordered;
// compare with Rank.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the severity's position in the total order, lowest first.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Vulnerability is one finding from the external scan operation. The
// signature and snippet fields feed the auto-fix pipeline when present.
type Vulnerability struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	CVEID       string    `json:"cveId,omitempty"`
	Name        string    `json:"name,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	Signature   []float32 `json:"signature,omitempty"`
}

// ProcessedVulnerability is a finding annotated by the fan-out step.
type ProcessedVulnerability struct {
	Vulnerability
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processedAt"`
}

// StatusAnalyzed is the terminal status of a processed finding.
const StatusAnalyzed = "analyzed"

// SecurityReport aggregates processed findings. Derived deterministically
// from the set of findings with no ordering dependency.
type SecurityReport struct {
	TotalIssues    int       `json:"totalIssues"`
	CriticalIssues int       `json:"criticalIssues"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// Output is the scan run's terminal output.
type Output struct {
	ScanID               string         `json:"scanId"`
	VulnerabilitiesFound int            `json:"vulnerabilitiesFound"`
	Report               SecurityReport `json:"report"`
}
