// backend/src/services/sync_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/username/ledgerdash/backend/src/archive"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/processors"
	"github.com/username/ledgerdash/backend/src/utils"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// InitiatorCron labels runs started by the scheduler.
const InitiatorCron = "cron"

// ErrInvalidSyncRequest wraps every request validation failure of Run.
var ErrInvalidSyncRequest = errors.New("invalid sync request")

// AccountLister yields the connected accounts a run fans out over.
type AccountLister interface {
	ListConnectedAccounts(ctx context.Context, userID int64) ([]models.TokenRecord, error)
}

// SyncLogStore receives one outcome record per account run.
type SyncLogStore interface {
	Append(ctx context.Context, outcome *models.SyncOutcome) error
}

// CacheInvalidator is told when a user's stored reports changed.
type CacheInvalidator interface {
	InvalidateUser(userID int64)
}

type SyncOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Concurrency int
}

// SyncStats are process-lifetime counters.
type SyncStats struct {
	Runs              int64 `json:"runs"`
	AccountsCompleted int64 `json:"accounts_completed"`
	AccountsFailed    int64 `json:"accounts_failed"`
	ReportsPersisted  int64 `json:"reports_persisted"`
	FetchRetries      int64 `json:"fetch_retries"`
}

type SyncService interface {
	// Run syncs every connected account (or one user's) and waits for all of them.
	Run(ctx context.Context, req models.SyncRequest) ([]models.SyncOutcome, error)
	Stats() SyncStats
	// StartScheduler runs Run every interval over the trailing lookback window
	// until ctx is done.
	StartScheduler(ctx context.Context, interval, lookback time.Duration)
}

type syncServiceImpl struct {
	accounts AccountLister
	fetcher  ReportFetcher
	writer   ReportWriter
	kpi      processors.KpiAggregator
	archiver archive.RawArchiver
	logs     SyncLogStore
	cache    CacheInvalidator
	opts     SyncOptions

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	runs              atomic.Int64
	accountsCompleted atomic.Int64
	accountsFailed    atomic.Int64
	reportsPersisted  atomic.Int64
	fetchRetries      atomic.Int64
}

func NewSyncService(
	accounts AccountLister,
	fetcher ReportFetcher,
	writer ReportWriter,
	kpi processors.KpiAggregator,
	archiver archive.RawArchiver,
	logs SyncLogStore,
	cache CacheInvalidator,
	opts SyncOptions,
) SyncService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if archiver == nil {
		archiver = archive.NewNoopArchiver()
	}
	return &syncServiceImpl{
		accounts: accounts,
		fetcher:  fetcher,
		writer:   writer,
		kpi:      kpi,
		archiver: archiver,
		logs:     logs,
		cache:    cache,
		opts:     opts,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func (s *syncServiceImpl) Run(ctx context.Context, req models.SyncRequest) ([]models.SyncOutcome, error) {
	if err := normalizeRequest(&req); err != nil {
		return nil, err
	}
	records, err := s.accounts.ListConnectedAccounts(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", err)
	}

	runID := uuid.NewString()
	s.runs.Inc()
	logger.L.Info("Sync run started", "runID", runID, "initiatedBy", req.InitiatedBy,
		"accounts", len(records), "reportTypes", req.ReportTypes, "start", req.StartDate, "end", req.EndDate)

	// Goroutines never return errors: one account failing must not cancel
	// the others.
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	outcomes := make([]models.SyncOutcome, len(records))
	for i, rec := range records {
		i, account := i, rec.Account()
		g.Go(func() error {
			outcomes[i] = s.syncAccount(ctx, runID, account, req)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Status == models.SyncFailed {
			failed++
		}
	}
	logger.L.Info("Sync run finished", "runID", runID, "accounts", len(outcomes), "failed", failed)
	return outcomes, nil
}

func (s *syncServiceImpl) syncAccount(ctx context.Context, runID string, account models.AccountRef, req models.SyncRequest) (outcome models.SyncOutcome) {
	log := logger.L.With("runID", runID, "userID", account.UserID, "realmID", account.RealmID)
	ctx = logger.WithContext(ctx, log)

	outcome = models.SyncOutcome{
		RunID:       runID,
		Account:     account,
		InitiatedBy: req.InitiatedBy,
		Status:      models.SyncPending,
		StartedAt:   s.now().UTC(),
	}

	var errs *multierror.Error
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic during account sync", "panic", r)
			errs = multierror.Append(errs, fmt.Errorf("internal error: %v", r))
		}
		s.finishAccount(ctx, log, &outcome, errs)
	}()

	persisted := false
	for i, rt := range req.ReportTypes {
		ro, err := s.syncReport(ctx, account, rt, req)
		outcome.Reports = append(outcome.Reports, ro)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", rt, err))
			if models.IsAuthRefreshError(err) {
				// Every remaining report would fail the same way.
				for _, skipped := range req.ReportTypes[i+1:] {
					outcome.Reports = append(outcome.Reports, models.ReportOutcome{
						ReportType: skipped,
						Status:     models.SyncFailed,
						Error:      fmt.Sprintf("%s: skipped, account requires re-authorization", skipped),
					})
				}
				break
			}
			continue
		}
		persisted = true
	}

	if persisted && s.cache != nil {
		s.cache.InvalidateUser(account.UserID)
	}
	return outcome
}

func (s *syncServiceImpl) finishAccount(ctx context.Context, log *slog.Logger, outcome *models.SyncOutcome, errs *multierror.Error) {
	outcome.FinishedAt = s.now().UTC()
	if err := errs.ErrorOrNil(); err != nil {
		outcome.Status = models.SyncFailed
		outcome.Error = accountErrorMessage(outcome.Reports)
		s.accountsFailed.Inc()
		log.Warn("Account sync failed", "errors", len(errs.Errors), "error", err, "duration", outcome.FinishedAt.Sub(outcome.StartedAt))
	} else {
		outcome.Status = models.SyncCompleted
		s.accountsCompleted.Inc()
		log.Info("Account sync completed", "reports", len(outcome.Reports), "duration", outcome.FinishedAt.Sub(outcome.StartedAt))
	}

	if s.logs == nil {
		return
	}
	// The outcome is recorded even when the run's context is already done.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.logs.Append(logCtx, outcome); err != nil {
		log.Error("Failed to append sync log", "error", err)
	}
}

// syncReport walks one report type through FETCHING, MAPPING and PERSISTING.
func (s *syncServiceImpl) syncReport(ctx context.Context, account models.AccountRef, rt models.ReportType, req models.SyncRequest) (models.ReportOutcome, error) {
	log := logger.FromContext(ctx).With("reportType", rt)
	ctx = logger.WithContext(ctx, log)
	ro := models.ReportOutcome{ReportType: rt, Status: models.SyncPending}

	fail := func(err error) (models.ReportOutcome, error) {
		log.Warn("Report sync failed", "state", ro.Status, "attempts", ro.Attempts, "error", err)
		ro.Status = models.SyncFailed
		ro.Error = userFacingError(rt, err)
		return ro, err
	}

	ro.Status = models.SyncFetching
	fetched, attempts, err := s.fetchWithRetry(ctx, account, rt, req)
	ro.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	ro.Status = models.SyncMapping
	flattener, err := processors.GetFlattener(rt)
	if err != nil {
		return fail(err)
	}
	flat, err := flattener.Flatten(fetched.Report)
	if err != nil {
		return fail(err)
	}
	tree := s.kpi.Aggregate(rt, flat.Lines, flat.Summaries)

	ro.Status = models.SyncPersisting
	if uri, err := s.archiver.Archive(ctx, account, rt, req.StartDate, req.EndDate, fetched.Raw); err != nil {
		log.Warn("Raw archive failed, continuing", "error", err)
	} else if uri != "" {
		log.Debug("Raw payload archived", "uri", uri)
	}

	saved, err := s.writer.Save(ctx, &models.ReportData{
		Document:  buildDocument(account, rt, fetched, tree, req),
		Flattened: flat,
	})
	if err != nil {
		return fail(err)
	}

	s.reportsPersisted.Inc()
	ro.Status = models.SyncCompleted
	ro.ReportID = saved.ReportID
	ro.RowsCount = saved.RowsCount
	return ro, nil
}

// fetchWithRetry retries transient failures with a delay of base × attempt.
// Anything else fails on the spot.
func (s *syncServiceImpl) fetchWithRetry(ctx context.Context, account models.AccountRef, rt models.ReportType, req models.SyncRequest) (*FetchedReport, int, error) {
	log := logger.FromContext(ctx)
	for attempt := 1; ; attempt++ {
		fetched, err := s.fetcher.Fetch(ctx, account, rt, req.StartDate, req.EndDate)
		if err == nil {
			return fetched, attempt, nil
		}
		if !IsTransient(err) || attempt >= s.opts.MaxAttempts {
			return nil, attempt, err
		}

		delay := s.opts.BaseDelay * time.Duration(attempt)
		log.Warn("Transient fetch failure, retrying", "attempt", attempt, "maxAttempts", s.opts.MaxAttempts, "delay", delay, "error", err)
		s.fetchRetries.Inc()
		if err := s.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

func (s *syncServiceImpl) Stats() SyncStats {
	return SyncStats{
		Runs:              s.runs.Load(),
		AccountsCompleted: s.accountsCompleted.Load(),
		AccountsFailed:    s.accountsFailed.Load(),
		ReportsPersisted:  s.reportsPersisted.Load(),
		FetchRetries:      s.fetchRetries.Load(),
	}
}

func (s *syncServiceImpl) StartScheduler(ctx context.Context, interval, lookback time.Duration) {
	if interval <= 0 {
		return
	}
	logger.L.Info("Sync scheduler started", "interval", interval, "lookback", lookback)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.L.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
			start, end := utils.TrailingWindow(s.now(), lookback)
			req := models.SyncRequest{
				InitiatedBy: InitiatorCron,
				StartDate:   start,
				EndDate:     end,
			}
			if _, err := s.Run(ctx, req); err != nil {
				logger.L.Error("Scheduled sync failed", "error", err)
			}
		}
	}
}

// IsTransient reports whether a failure is worth retrying: typed transient
// errors, network timeouts, or messages that read like one.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if models.IsAuthRefreshError(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var transient *models.TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"deadline exceeded",
	"temporarily unavailable",
	"broken pipe",
	"unexpected eof",
}

// userFacingError names the report type and the failure class, never
// internal detail.
func userFacingError(rt models.ReportType, err error) string {
	var (
		authErr    *models.AuthRefreshError
		mappingErr *models.MappingError
		persistErr *models.PersistenceError
	)
	switch {
	case errors.As(err, &authErr):
		return fmt.Sprintf("%s: QuickBooks authorization expired, reconnect the company", rt)
	case IsTransient(err):
		return fmt.Sprintf("%s: QuickBooks could not be reached", rt)
	case errors.As(err, &mappingErr):
		return fmt.Sprintf("%s: report had an unexpected format", rt)
	case errors.As(err, &persistErr):
		return fmt.Sprintf("%s: report could not be saved", rt)
	default:
		return fmt.Sprintf("%s: report sync failed", rt)
	}
}

// accountErrorMessage joins the per-report messages, which are already
// stripped of internal detail.
func accountErrorMessage(reports []models.ReportOutcome) string {
	var parts []string
	for _, ro := range reports {
		if ro.Status == models.SyncFailed && ro.Error != "" {
			parts = append(parts, ro.Error)
		}
	}
	if len(parts) == 0 {
		return "account sync failed"
	}
	return strings.Join(parts, "; ")
}

func buildDocument(account models.AccountRef, rt models.ReportType, fetched *FetchedReport, tree *models.KpiTree, req models.SyncRequest) models.ReportDocument {
	h := fetched.Report.Header
	doc := models.ReportDocument{
		UserID:      account.UserID,
		RealmID:     account.RealmID,
		ReportType:  rt,
		ReportName:  h.ReportName,
		Basis:       h.ReportBasis,
		StartPeriod: h.StartPeriod,
		EndPeriod:   h.EndPeriod,
		Currency:    h.Currency,
		GeneratedAt: fetched.FetchedAt,
		RawPayload:  fetched.Raw,
		KpiSummary:  tree,
	}
	if doc.ReportName == "" {
		doc.ReportName = string(rt)
	}
	if doc.StartPeriod == "" {
		doc.StartPeriod = req.StartDate
	}
	if doc.EndPeriod == "" {
		doc.EndPeriod = req.EndDate
	}
	if t, err := time.Parse(time.RFC3339, h.Time); err == nil {
		doc.GeneratedAt = t
	}
	return doc
}

func normalizeRequest(req *models.SyncRequest) error {
	if req.InitiatedBy == "" {
		return fmt.Errorf("%w: missing initiator", ErrInvalidSyncRequest)
	}
	if len(req.ReportTypes) == 0 {
		req.ReportTypes = models.AllReportTypes
	}
	for _, rt := range req.ReportTypes {
		if rt.Slug() == "" {
			return fmt.Errorf("%w: %w: %q", ErrInvalidSyncRequest, models.ErrUnknownReportType, rt)
		}
	}
	start, err := utils.ParseDate(req.StartDate)
	if err != nil {
		return fmt.Errorf("%w: start date: %w", ErrInvalidSyncRequest, err)
	}
	end, err := utils.ParseDate(req.EndDate)
	if err != nil {
		return fmt.Errorf("%w: end date: %w", ErrInvalidSyncRequest, err)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidSyncRequest, req.EndDate, req.StartDate)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type dbSyncLog struct {
	db *sql.DB
}

// NewDBSyncLog appends outcomes to the sync_logs table.
func NewDBSyncLog(db *sql.DB) SyncLogStore {
	return &dbSyncLog{db: db}
}

func (l *dbSyncLog) Append(ctx context.Context, outcome *models.SyncOutcome) error {
	return model.InsertSyncLog(ctx, l.db, outcome)
}
