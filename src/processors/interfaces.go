package processors

import (
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

// ReportFlattener converts one decoded report tree into flat lines and
// summaries (and, for the trial balance, its column registry).
type ReportFlattener interface {
	Flatten(report *parsers.Report) (*models.FlattenResult, error)
}

// KpiAggregator maps flattened lines into the dashboard KPI tree.
type KpiAggregator interface {
	Aggregate(reportType models.ReportType, lines []models.ReportLine, summaries []models.ReportSummary) *models.KpiTree
}
