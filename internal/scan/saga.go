package scan

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
)

// Step names, in execution order.
const (
	StepGenerateScanID         = "generate-scan-id"
	StepExecuteScan            = "execute-scan"
	StepProcessVulnerabilities = "process-vulnerabilities"
	StepGenerateReport         = "generate-report"
	StepSendCriticalAlert      = "send-critical-alert"
)

// Scanner is the external scan operation. Implementations run the actual
// vulnerability analysis; the saga only orchestrates it.
type Scanner interface {
	Scan(ctx context.Context, repoURL, branch, scanType string) ([]Vulnerability, error)
}

// CriticalAlert is the payload pushed to the alert sink when a scan finds
// critical issues.
type CriticalAlert struct {
	ScanID  string
	RepoURL string
	Report  SecurityReport
}

// AlertSink delivers critical-issue notifications. Delivery is best-effort:
// sink failures are recorded on the run but never fail it.
type AlertSink interface {
	SendCriticalAlert(ctx context.Context, alert CriticalAlert) error
}

const scanIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newScanID derives a scan identifier of the form scan_<unixms>_<suffix>.
// The random suffix is generated once per run; memoization keeps it stable
// across re-entries.
func newScanID(createdAt time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = scanIDAlphabet[rand.IntN(len(scanIDAlphabet))]
	}
	return fmt.Sprintf("scan_%d_%s", createdAt.UnixMilli(), suffix)
}

// NewDefinition builds the scan saga over the given collaborators.
func NewDefinition(scanner Scanner, alerts AlertSink, logger *logging.Logger) saga.Definition {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("scan")

	return saga.Definition{
		Type: saga.TypeScan,
		Steps: []saga.Step{
			{
				Name: StepGenerateScanID,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					return newScanID(f.CreatedAt()), nil
				},
			},
			{
				Name: StepExecuteScan,
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					var trigger TriggerEvent
					if err := f.Trigger(&trigger); err != nil {
						return nil, saga.Terminal(fmt.Errorf("decode trigger: %w", err))
					}
					trigger.ApplyDefaults()

					vulns, err := scanner.Scan(ctx, trigger.RepoURL, trigger.Branch, trigger.ScanType)
					if err != nil {
						return nil, fmt.Errorf("scan %s: %w", trigger.RepoURL, err)
					}
					logger.Info(ctx, "scan completed",
						zap.String("repo_url", trigger.RepoURL),
						zap.String("scan_type", trigger.ScanType),
						zap.Int("vulnerabilities", len(vulns)),
					)
					return vulns, nil
				},
			},
			{
				Name: StepProcessVulnerabilities,
				FanOut: func(f *saga.Flow) ([]saga.SubStep, error) {
					var vulns []Vulnerability
					if err := f.Result(StepExecuteScan, &vulns); err != nil {
						return nil, err
					}
					subs := make([]saga.SubStep, len(vulns))
					for i, v := range vulns {
						subs[i] = saga.SubStep{
							Key: v.ID,
							Run: func(ctx context.Context, f *saga.Flow) (any, error) {
								return ProcessedVulnerability{
									Vulnerability: v,
									Status:        StatusAnalyzed,
									ProcessedAt:   time.Now().UTC(),
								}, nil
							},
						}
					}
					return subs, nil
				},
			},
			{
				Name: StepGenerateReport,
				// Pure aggregation, nothing to gain from retrying.
				Retry: &saga.RetryPolicy{MaxAttempts: 1},
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					var processed map[string]ProcessedVulnerability
					if err := f.Result(StepProcessVulnerabilities, &processed); err != nil {
						return nil, err
					}
					all := make([]ProcessedVulnerability, 0, len(processed))
					for _, p := range processed {
						all = append(all, p)
					}
					return BuildReport(all, time.Now().UTC()), nil
				},
			},
			{
				Name:       StepSendCriticalAlert,
				BestEffort: true,
				Retry:      &saga.RetryPolicy{MaxAttempts: 2},
				Condition: func(f *saga.Flow) (bool, error) {
					var report SecurityReport
					if err := f.Result(StepGenerateReport, &report); err != nil {
						return false, err
					}
					return report.CriticalIssues > 0, nil
				},
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					var (
						scanID  string
						report  SecurityReport
						trigger TriggerEvent
					)
					if err := f.Result(StepGenerateScanID, &scanID); err != nil {
						return nil, err
					}
					if err := f.Result(StepGenerateReport, &report); err != nil {
						return nil, err
					}
					if err := f.Trigger(&trigger); err != nil {
						return nil, saga.Terminal(fmt.Errorf("decode trigger: %w", err))
					}
					if err := alerts.SendCriticalAlert(ctx, CriticalAlert{
						ScanID:  scanID,
						RepoURL: trigger.RepoURL,
						Report:  report,
					}); err != nil {
						return nil, err
					}
					logger.Info(ctx, "critical alert sent",
						zap.String("scan_id", scanID),
						zap.Int("critical_issues", report.CriticalIssues),
					)
					return "sent", nil
				},
			},
		},
		Output: func(f *saga.Flow) (any, error) {
			var out Output
			if err := f.Result(StepGenerateScanID, &out.ScanID); err != nil {
				return nil, err
			}
			var vulns []Vulnerability
			if err := f.Result(StepExecuteScan, &vulns); err != nil {
				return nil, err
			}
			out.VulnerabilitiesFound = len(vulns)
			if err := f.Result(StepGenerateReport, &out.Report); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}
