package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
)

// LogSink records critical alerts in the daemon log. It stands in when no
// webhook is configured so scan runs still surface critical findings.
type LogSink struct {
	logger *logging.Logger
}

var _ scan.AlertSink = (*LogSink)(nil)

// NewLogSink creates the sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger.Named("alert")}
}

// SendCriticalAlert logs the alert at warn level.
func (s *LogSink) SendCriticalAlert(ctx context.Context, alert scan.CriticalAlert) error {
	s.logger.Warn(ctx, "critical vulnerabilities found",
		zap.String("scan.id", alert.ScanID),
		zap.String("repo_url", alert.RepoURL),
		zap.Int("critical_issues", alert.Report.CriticalIssues),
		zap.Int("total_issues", alert.Report.TotalIssues),
	)
	return nil
}
