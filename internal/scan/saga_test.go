package scan

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ratelimit"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/saga/ledger"
)

type fakeScanner struct {
	vulns []Vulnerability
	err   error
	calls atomic.Int32
}

func (s *fakeScanner) Scan(ctx context.Context, repoURL, branch, scanType string) ([]Vulnerability, error) {
	s.calls.Add(1)
	return s.vulns, s.err
}

type fakeAlertSink struct {
	alerts []CriticalAlert
	err    error
}

func (s *fakeAlertSink) SendCriticalAlert(ctx context.Context, alert CriticalAlert) error {
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func newScanRunner(t *testing.T, scanner Scanner, sink AlertSink) *saga.Runner {
	t.Helper()
	r, err := saga.NewRunner(saga.DefaultRunnerConfig(), ledger.NewMemoryStore(),
		ratelimit.NewLimiter(ratelimit.DefaultConfig()), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Register(NewDefinition(scanner, sink, logging.NewNop())))
	return r
}

func testTrigger() TriggerEvent {
	return TriggerEvent{RepoURL: "https://github.com/acme/api", UserID: "user-1"}
}

func TestScanSagaEndToEnd(t *testing.T) {
	scanner := &fakeScanner{vulns: []Vulnerability{
		{ID: "v1", Severity: SeverityLow, Description: "outdated dep"},
		{ID: "v2", Severity: SeverityCritical, Description: "sql injection"},
	}}
	sink := &fakeAlertSink{}
	r := newScanRunner(t, scanner, sink)

	run, err := r.Execute(context.Background(), saga.TypeScan, "user-1", testTrigger())
	require.NoError(t, err)
	require.Equal(t, saga.RunSucceeded, run.Status)

	var out Output
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.True(t, strings.HasPrefix(out.ScanID, "scan_"), "scan id %q", out.ScanID)
	assert.Equal(t, 2, out.VulnerabilitiesFound)
	assert.Equal(t, 2, out.Report.TotalIssues)
	assert.Equal(t, 1, out.Report.CriticalIssues)

	require.Len(t, sink.alerts, 1, "exactly one alert for the critical finding")
	assert.Equal(t, out.ScanID, sink.alerts[0].ScanID)
	assert.Equal(t, "https://github.com/acme/api", sink.alerts[0].RepoURL)
	assert.Equal(t, int32(1), scanner.calls.Load())
}

func TestScanSagaNoCriticalSkipsAlert(t *testing.T) {
	scanner := &fakeScanner{vulns: []Vulnerability{
		{ID: "v1", Severity: SeverityMedium, Description: "weak cipher"},
	}}
	sink := &fakeAlertSink{}
	r := newScanRunner(t, scanner, sink)

	run, err := r.Execute(context.Background(), saga.TypeScan, "user-1", testTrigger())
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	assert.Empty(t, sink.alerts)
}

func TestScanSagaEmptyScan(t *testing.T) {
	r := newScanRunner(t, &fakeScanner{}, &fakeAlertSink{})

	run, err := r.Execute(context.Background(), saga.TypeScan, "user-1", testTrigger())
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.Equal(t, 0, out.VulnerabilitiesFound)
	assert.Equal(t, 0, out.Report.CriticalIssues)
}

func TestScanSagaAlertFailureDoesNotFailRun(t *testing.T) {
	scanner := &fakeScanner{vulns: []Vulnerability{
		{ID: "v1", Severity: SeverityCritical, Description: "rce"},
	}}
	sink := &fakeAlertSink{err: errors.New("webhook down")}
	r := newScanRunner(t, scanner, sink)

	run, err := r.Execute(context.Background(), saga.TypeScan, "user-1", testTrigger())
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	require.Len(t, run.StepErrors, 1)
	assert.Contains(t, run.StepErrors[0], StepSendCriticalAlert)
}

func TestScanSagaScannerFailureFailsRun(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("clone failed")}
	store := ledger.NewMemoryStore()
	r, err := saga.NewRunner(saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second},
	}, store, ratelimit.NewLimiter(ratelimit.DefaultConfig()), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Register(NewDefinition(scanner, &fakeAlertSink{}, logging.NewNop())))

	run, execErr := r.Execute(context.Background(), saga.TypeScan, "user-1", testTrigger())
	require.Error(t, execErr)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, StepExecuteScan, run.FailedStep)
	assert.Equal(t, saga.KindStepFailure, run.ErrorKind)
	assert.Equal(t, int32(2), scanner.calls.Load())
}

func TestBuildReportCounts(t *testing.T) {
	now := time.Now().UTC()
	processed := []ProcessedVulnerability{
		{Vulnerability: Vulnerability{ID: "a", Severity: SeverityLow}},
		{Vulnerability: Vulnerability{ID: "b", Severity: SeverityCritical}},
		{Vulnerability: Vulnerability{ID: "c", Severity: SeverityCritical}},
		{Vulnerability: Vulnerability{ID: "d", Severity: SeverityMedium}},
	}
	report := BuildReport(processed, now)
	assert.Equal(t, 4, report.TotalIssues)
	assert.Equal(t, 2, report.CriticalIssues)
	assert.Equal(t, now, report.GeneratedAt)
}

func TestSeverityOrdering(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Less(t, Severity("bogus").Rank(), SeverityLow.Rank())
}

func TestTriggerEventValidation(t *testing.T) {
	e := TriggerEvent{}
	assert.Error(t, e.Validate(), "missing repoUrl")

	e = TriggerEvent{RepoURL: "not a url"}
	assert.Error(t, e.Validate())

	e = TriggerEvent{RepoURL: "https://github.com/acme/api", ScanType: "everything"}
	assert.Error(t, e.Validate(), "unknown scan type")

	e = TriggerEvent{RepoURL: "https://github.com/acme/api"}
	require.NoError(t, e.Validate())
	e.ApplyDefaults()
	assert.Equal(t, "main", e.Branch)
	assert.Equal(t, ScanTypeFull, e.ScanType)
	assert.Equal(t, "anonymous", e.Key())

	e.UserID = "user-9"
	assert.Equal(t, "user-9", e.Key())
}

func TestScanIDFormat(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	id := newScanID(createdAt)
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "scan", parts[0])
	assert.Equal(t, strconv.FormatInt(createdAt.UnixMilli(), 10), parts[1])
	assert.Len(t, parts[2], 6)
}
