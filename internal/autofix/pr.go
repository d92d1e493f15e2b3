package autofix

import (
	"fmt"
	"strings"
	"time"
)

// branchName derives the fix branch for a run. The run's creation timestamp
// keeps concurrent runs for the same CVE from colliding while staying stable
// across retries of one run.
func branchName(cveID string, runCreatedAt time.Time) string {
	return fmt.Sprintf("fix/%s-%d", cveID, runCreatedAt.UnixMilli())
}

// prTitle renders the pull request title for a fix.
func prTitle(cveID, vulnerabilityName string) string {
	return fmt.Sprintf("[Security] Fix %s - %s", cveID, vulnerabilityName)
}

// prBody renders the pull request body: a short header, the vulnerability
// name, and the proposed patch in a diff fence.
func prBody(cveID, vulnerabilityName, patchText string) string {
	var b strings.Builder
	b.WriteString("## Security Fix\n\n")
	fmt.Fprintf(&b, "This pull request addresses **%s** (%s).\n\n", vulnerabilityName, cveID)
	b.WriteString("### Proposed patch\n\n")
	b.WriteString("```diff\n")
	b.WriteString(patchText)
	if !strings.HasSuffix(patchText, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n")
	b.WriteString("Generated automatically. Review carefully before merging.\n")
	return b.String()
}
