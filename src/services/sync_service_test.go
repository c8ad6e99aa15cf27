package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
	"github.com/username/ledgerdash/backend/src/processors"
)

type fakeAccounts struct {
	records []models.TokenRecord
}

func (f *fakeAccounts) ListConnectedAccounts(ctx context.Context, userID int64) ([]models.TokenRecord, error) {
	var out []models.TokenRecord
	for _, r := range f.records {
		if userID == 0 || r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// scriptedFetcher returns the queued errors for realm/report in order, then a
// one-line report of the requested type.
type scriptedFetcher struct {
	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{script: map[string][]error{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) fail(realmID string, rt models.ReportType, errs ...error) {
	f.script[realmID+"/"+string(rt)] = errs
}

func (f *scriptedFetcher) callsFor(realmID string, rt models.ReportType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[realmID+"/"+string(rt)]
}

func (f *scriptedFetcher) Fetch(ctx context.Context, account models.AccountRef, rt models.ReportType, startDate, endDate string) (*FetchedReport, error) {
	f.mu.Lock()
	key := account.RealmID + "/" + string(rt)
	n := f.calls[key]
	f.calls[key]++
	var err error
	if queued := f.script[key]; n < len(queued) {
		err = queued[n]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	raw := []byte(fmt.Sprintf(`{"Header":{"ReportName":%q,"ReportBasis":"Accrual","StartPeriod":%q,"EndPeriod":%q,"Currency":"USD"},
		"Rows":{"Row":[{"type":"Data","ColData":[{"value":"Sales","id":"1"},{"value":"250.00"}]}]}}`, rt, startDate, endDate))
	report, perr := parsers.ParseReport(raw)
	if perr != nil {
		return nil, perr
	}
	return &FetchedReport{Report: report, Raw: raw, FetchedAt: time.Now().UTC()}, nil
}

type memorySyncLog struct {
	mu       sync.Mutex
	outcomes []models.SyncOutcome
}

func (m *memorySyncLog) Append(ctx context.Context, outcome *models.SyncOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, *outcome)
	return nil
}

type countingCache struct {
	mu    sync.Mutex
	users []int64
}

func (c *countingCache) InvalidateUser(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, userID)
}

type syncFixture struct {
	svc     *syncServiceImpl
	fetcher *scriptedFetcher
	logs    *memorySyncLog
	cache   *countingCache
	sleeps  []time.Duration
}

func newSyncFixture(t *testing.T, maxAttempts int, realms ...string) *syncFixture {
	t.Helper()
	db := newTestDB(t)
	accounts := &fakeAccounts{}
	for i, realm := range realms {
		accounts.records = append(accounts.records, models.TokenRecord{ID: int64(i + 1), UserID: 1, RealmID: realm})
	}
	f := &syncFixture{fetcher: newScriptedFetcher(), logs: &memorySyncLog{}, cache: &countingCache{}}
	svc := NewSyncService(accounts, f.fetcher, NewReportWriter(db, DefaultBatchSize), processors.NewKpiProcessor(),
		nil, f.logs, f.cache, SyncOptions{MaxAttempts: maxAttempts, BaseDelay: 10 * time.Millisecond, Concurrency: 2}).(*syncServiceImpl)
	var mu sync.Mutex
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.svc = svc
	return f
}

func plRequest() models.SyncRequest {
	return models.SyncRequest{
		InitiatedBy: "user:1",
		ReportTypes: []models.ReportType{models.ReportProfitAndLoss, models.ReportCashFlow},
		StartDate:   "2024-01-01",
		EndDate:     "2024-01-31",
	}
}

func outcomeFor(t *testing.T, outcomes []models.SyncOutcome, realmID string) models.SyncOutcome {
	t.Helper()
	for _, o := range outcomes {
		if o.Account.RealmID == realmID {
			return o
		}
	}
	t.Fatalf("no outcome for realm %s", realmID)
	return models.SyncOutcome{}
}

func TestRunCompletesEveryReport(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")

	outcomes, err := f.svc.Run(context.Background(), plRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	o := outcomeFor(t, outcomes, "realm-a")
	if o.Status != models.SyncCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", o.Status, o.Error)
	}
	if len(o.Reports) != 2 {
		t.Fatalf("expected 2 report outcomes, got %d", len(o.Reports))
	}
	for _, r := range o.Reports {
		if r.Status != models.SyncCompleted || r.ReportID == 0 || r.RowsCount != 1 || r.Attempts != 1 {
			t.Errorf("unexpected report outcome: %+v", r)
		}
	}
	if o.RunID == "" {
		t.Error("expected a run id")
	}
	if len(f.logs.outcomes) != 1 {
		t.Errorf("expected one sync log row, got %d", len(f.logs.outcomes))
	}
	if len(f.cache.users) != 1 || f.cache.users[0] != 1 {
		t.Errorf("expected cache invalidation for user 1, got %v", f.cache.users)
	}
	if s := f.svc.Stats(); s.Runs != 1 || s.AccountsCompleted != 1 || s.ReportsPersisted != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRunRetriesTransientFailuresUpToTheBound(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")
	transient := &models.TransientNetworkError{Op: "fetch", StatusCode: 503, Err: errors.New("service unavailable")}
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss, transient, transient, transient, transient)

	outcomes, err := f.svc.Run(context.Background(), plRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	o := outcomeFor(t, outcomes, "realm-a")
	if o.Status != models.SyncFailed {
		t.Fatalf("expected FAILED, got %s", o.Status)
	}
	pl := o.Reports[0]
	if pl.Status != models.SyncFailed || pl.Attempts != 3 {
		t.Errorf("expected 3 attempts then FAILED, got %+v", pl)
	}
	if got := f.fetcher.callsFor("realm-a", models.ReportProfitAndLoss); got != 3 {
		t.Errorf("expected 3 fetch calls, got %d", got)
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != 10*time.Millisecond || f.sleeps[1] != 20*time.Millisecond {
		t.Errorf("expected linear backoff of 10ms, 20ms, got %v", f.sleeps)
	}
	if o.Reports[1].Status != models.SyncCompleted {
		t.Errorf("cash flow should still complete, got %+v", o.Reports[1])
	}
	if strings.Contains(pl.Error, "503") {
		t.Errorf("report error leaks internal detail: %q", pl.Error)
	}
}

func TestRunRecoversAfterTransientFailure(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss, errors.New("read tcp: connection reset by peer"))

	outcomes, _ := f.svc.Run(context.Background(), plRequest())
	o := outcomeFor(t, outcomes, "realm-a")
	if o.Status != models.SyncCompleted {
		t.Fatalf("expected COMPLETED after retry, got %s (%s)", o.Status, o.Error)
	}
	if o.Reports[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", o.Reports[0].Attempts)
	}
	if f.svc.Stats().FetchRetries != 1 {
		t.Errorf("expected 1 retry in stats, got %d", f.svc.Stats().FetchRetries)
	}
}

func TestRunDoesNotRetryNonTransientFailures(t *testing.T) {
	f := newSyncFixture(t, 5, "realm-a")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss,
		&models.MappingError{ReportType: models.ReportProfitAndLoss, Reason: "unexpected payload"})

	outcomes, _ := f.svc.Run(context.Background(), plRequest())
	o := outcomeFor(t, outcomes, "realm-a")
	if got := f.fetcher.callsFor("realm-a", models.ReportProfitAndLoss); got != 1 {
		t.Errorf("expected a single fetch, got %d", got)
	}
	if len(f.sleeps) != 0 {
		t.Errorf("expected no backoff, got %v", f.sleeps)
	}
	if o.Reports[0].Status != models.SyncFailed || !strings.Contains(o.Reports[0].Error, "unexpected format") {
		t.Errorf("unexpected report outcome: %+v", o.Reports[0])
	}
}

func TestRunStopsAccountOnAuthFailure(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss,
		&models.AuthRefreshError{RealmID: "realm-a", Reason: "invalid_grant"})

	outcomes, _ := f.svc.Run(context.Background(), plRequest())
	o := outcomeFor(t, outcomes, "realm-a")
	if o.Status != models.SyncFailed {
		t.Fatalf("expected FAILED, got %s", o.Status)
	}
	if got := f.fetcher.callsFor("realm-a", models.ReportCashFlow); got != 0 {
		t.Errorf("cash flow should not be fetched after an auth failure, got %d calls", got)
	}
	if len(o.Reports) != 2 || o.Reports[1].Status != models.SyncFailed {
		t.Errorf("skipped report should be recorded as failed: %+v", o.Reports)
	}
	if len(f.cache.users) != 0 {
		t.Errorf("nothing was persisted, cache should not be invalidated: %v", f.cache.users)
	}
}

func TestRunOutcomeErrorHidesInternalDetail(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss,
		errors.New("insert trial_balance_lines rows 0-999: SQL logic error: no such table: secret_internal_table"))

	outcomes, err := f.svc.Run(context.Background(), plRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	o := outcomeFor(t, outcomes, "realm-a")
	if o.Status != models.SyncFailed {
		t.Fatalf("expected FAILED, got %s", o.Status)
	}
	if o.Error != "ProfitAndLoss: report sync failed" {
		t.Errorf("unexpected account error %q", o.Error)
	}
	if len(f.logs.outcomes) != 1 {
		t.Fatalf("expected one sync log row, got %d", len(f.logs.outcomes))
	}
	for _, msg := range []string{o.Error, f.logs.outcomes[0].Error} {
		for _, internal := range []string{"secret_internal_table", "SQL logic error", "error occurred"} {
			if strings.Contains(msg, internal) {
				t.Errorf("outcome error leaks %q: %q", internal, msg)
			}
		}
	}
}

func TestRunAuthFailureNamesSkippedReports(t *testing.T) {
	f := newSyncFixture(t, 3, "realm-a")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss,
		&models.AuthRefreshError{RealmID: "realm-a", Reason: "invalid_grant: token tok_123 revoked"})

	outcomes, _ := f.svc.Run(context.Background(), plRequest())
	o := outcomeFor(t, outcomes, "realm-a")
	want := "ProfitAndLoss: QuickBooks authorization expired, reconnect the company; " +
		"CashFlow: skipped, account requires re-authorization"
	if o.Error != want {
		t.Errorf("account error = %q, want %q", o.Error, want)
	}
}

func TestRunLogsReportTypeOncePerRecord(t *testing.T) {
	var buf bytes.Buffer
	saved := logger.L
	logger.L = logger.New(&buf, "info")
	t.Cleanup(func() { logger.L = saved })

	f := newSyncFixture(t, 1, "realm-a")
	if _, err := f.svc.Run(context.Background(), plRequest()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	persisted := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, `"msg":"Report persisted"`) {
			continue
		}
		persisted++
		if n := strings.Count(line, `"reportType":`); n != 1 {
			t.Errorf("expected reportType once, got %d in %s", n, line)
		}
	}
	if persisted != 2 {
		t.Errorf("expected 2 persisted records, got %d", persisted)
	}
}

func TestRunIsolatesAccountFailures(t *testing.T) {
	f := newSyncFixture(t, 2, "realm-a", "realm-b")
	f.fetcher.fail("realm-a", models.ReportProfitAndLoss, &models.AuthRefreshError{RealmID: "realm-a", Reason: "revoked"})

	outcomes, err := f.svc.Run(context.Background(), plRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if a := outcomeFor(t, outcomes, "realm-a"); a.Status != models.SyncFailed {
		t.Errorf("realm-a: expected FAILED, got %s", a.Status)
	}
	if b := outcomeFor(t, outcomes, "realm-b"); b.Status != models.SyncCompleted {
		t.Errorf("realm-b: expected COMPLETED, got %s (%s)", b.Status, b.Error)
	}
	if len(f.logs.outcomes) != 2 {
		t.Errorf("expected one sync log row per account, got %d", len(f.logs.outcomes))
	}
	if s := f.svc.Stats(); s.AccountsFailed != 1 || s.AccountsCompleted != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	f := newSyncFixture(t, 1, "realm-a")
	tests := []struct {
		name string
		req  models.SyncRequest
	}{
		{"missing initiator", models.SyncRequest{StartDate: "2024-01-01", EndDate: "2024-01-31"}},
		{"bad start", models.SyncRequest{InitiatedBy: "x", StartDate: "01/01/2024", EndDate: "2024-01-31"}},
		{"end before start", models.SyncRequest{InitiatedBy: "x", StartDate: "2024-02-01", EndDate: "2024-01-31"}},
		{"unknown type", models.SyncRequest{InitiatedBy: "x", StartDate: "2024-01-01", EndDate: "2024-01-31",
			ReportTypes: []models.ReportType{"GeneralLedger"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Run(context.Background(), tt.req); !errors.Is(err, ErrInvalidSyncRequest) {
				t.Errorf("expected ErrInvalidSyncRequest, got %v", err)
			}
		})
	}
}

func TestDBSyncLogAppends(t *testing.T) {
	db := newTestDB(t)
	store := NewDBSyncLog(db)
	outcome := &models.SyncOutcome{
		RunID:       "run-1",
		Account:     models.AccountRef{UserID: 7, RealmID: "realm-a"},
		InitiatedBy: "cron",
		Status:      models.SyncCompleted,
		Reports:     []models.ReportOutcome{{ReportType: models.ReportCashFlow, Status: models.SyncCompleted, Attempts: 1}},
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	}
	if err := store.Append(context.Background(), outcome); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	logs, err := model.ListSyncLogs(context.Background(), db, 7, 10)
	if err != nil {
		t.Fatalf("ListSyncLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].RunID != "run-1" || len(logs[0].Reports) != 1 {
		t.Errorf("unexpected sync logs: %+v", logs)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &models.TransientNetworkError{Op: "fetch", Err: errors.New("x")}, true},
		{"wrapped typed", fmt.Errorf("outer: %w", &models.TransientNetworkError{Op: "fetch"}), true},
		{"auth", &models.AuthRefreshError{RealmID: "r", Reason: "invalid_grant", Err: errors.New("timeout")}, false},
		{"deadline text", errors.New("context deadline exceeded"), true},
		{"reset text", errors.New("connection reset by peer"), true},
		{"canceled", context.Canceled, false},
		{"mapping", &models.MappingError{ReportType: models.ReportCashFlow, Reason: "bad"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
