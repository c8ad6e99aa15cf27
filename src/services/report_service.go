// backend/src/services/report_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/processors"
)

const (
	// Latest document per user, report type and realm.
	ckLatestReport = "latest_report_user_%d_%s_%s"

	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

// ErrNoColumns is returned for column queries on report types without a
// column registry.
var ErrNoColumns = errors.New("report type has no column registry")

// ReportService is the read side of the stored reports. Every call is scoped
// to the requesting user.
type ReportService interface {
	GetLatest(ctx context.Context, userID int64, reportType models.ReportType, realmID string) (*models.ReportDocument, error)
	GetLines(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportLine, error)
	GetSummaries(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportSummary, error)
	GetColumns(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportColumn, error)
	// RecomputeKpi rebuilds a stored document's KPI summary from its lines.
	RecomputeKpi(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) (*models.KpiTree, error)
	// GetRawPayload returns the API payload a document was built from, byte for byte.
	GetRawPayload(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]byte, error)
	ListSyncLogs(ctx context.Context, userID int64, limit int) ([]models.SyncOutcome, error)
	InvalidateUser(userID int64)
}

type reportServiceImpl struct {
	db          *sql.DB
	writer      ReportWriter
	kpi         processors.KpiAggregator
	reportCache *cache.Cache
}

func NewReportService(db *sql.DB, writer ReportWriter, kpi processors.KpiAggregator, reportCache *cache.Cache) ReportService {
	return &reportServiceImpl{db: db, writer: writer, kpi: kpi, reportCache: reportCache}
}

func (s *reportServiceImpl) GetLatest(ctx context.Context, userID int64, reportType models.ReportType, realmID string) (*models.ReportDocument, error) {
	cacheKey := fmt.Sprintf(ckLatestReport, userID, reportType.Slug(), realmID)
	if cached, found := s.reportCache.Get(cacheKey); found {
		logger.L.Debug("Cache hit for latest report", "userID", userID, "reportType", reportType, "realmID", realmID)
		return cached.(*models.ReportDocument).Clone(), nil
	}

	doc, err := model.GetLatestReport(ctx, s.db, reportType, userID, realmID)
	if err != nil {
		return nil, err
	}
	// Callers get their own copy; the cached document is never handed out.
	s.reportCache.Set(cacheKey, doc, DefaultCacheExpiration)
	return doc.Clone(), nil
}

func (s *reportServiceImpl) GetLines(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportLine, error) {
	if err := s.checkOwner(ctx, userID, reportType, reportID); err != nil {
		return nil, err
	}
	return model.ListReportLines(ctx, s.db, reportType, reportID)
}

func (s *reportServiceImpl) GetSummaries(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportSummary, error) {
	if err := s.checkOwner(ctx, userID, reportType, reportID); err != nil {
		return nil, err
	}
	return model.ListReportSummaries(ctx, s.db, reportType, reportID)
}

func (s *reportServiceImpl) GetColumns(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]models.ReportColumn, error) {
	if !reportType.HasColumns() {
		return nil, ErrNoColumns
	}
	if err := s.checkOwner(ctx, userID, reportType, reportID); err != nil {
		return nil, err
	}
	return model.ListReportColumns(ctx, s.db, reportID)
}

func (s *reportServiceImpl) RecomputeKpi(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) (*models.KpiTree, error) {
	if err := s.checkOwner(ctx, userID, reportType, reportID); err != nil {
		return nil, err
	}
	lines, err := model.ListReportLines(ctx, s.db, reportType, reportID)
	if err != nil {
		return nil, err
	}
	summaries, err := model.ListReportSummaries(ctx, s.db, reportType, reportID)
	if err != nil {
		return nil, err
	}

	tree := s.kpi.Aggregate(reportType, lines, summaries)
	if err := s.writer.UpdateKpiSummary(ctx, reportType, reportID, tree); err != nil {
		return nil, err
	}
	s.InvalidateUser(userID)
	logger.L.Info("KPI summary recomputed", "userID", userID, "reportType", reportType, "reportID", reportID,
		"lines", len(lines), "unmatched", len(tree.Unmatched))
	return tree, nil
}

func (s *reportServiceImpl) GetRawPayload(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) ([]byte, error) {
	doc, err := model.GetReportDocument(ctx, s.db, reportType, userID, reportID)
	if err != nil {
		return nil, err
	}
	return doc.RawPayload, nil
}

func (s *reportServiceImpl) ListSyncLogs(ctx context.Context, userID int64, limit int) ([]models.SyncOutcome, error) {
	return model.ListSyncLogs(ctx, s.db, userID, limit)
}

// InvalidateUser drops every cached document of a user.
func (s *reportServiceImpl) InvalidateUser(userID int64) {
	prefix := fmt.Sprintf("latest_report_user_%d_", userID)
	removed := 0
	for key := range s.reportCache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.reportCache.Delete(key)
			removed++
		}
	}
	logger.L.Info("Invalidated report caches for user", "userID", userID, "entries", removed)
}

func (s *reportServiceImpl) checkOwner(ctx context.Context, userID int64, reportType models.ReportType, reportID int64) error {
	return model.ReportOwnedBy(ctx, s.db, reportType, userID, reportID)
}
