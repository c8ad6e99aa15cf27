package processors

import (
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

// statementProcessorImpl handles the single-value-per-column statements.
type statementProcessorImpl struct {
	reportType models.ReportType
}

func NewProfitAndLossProcessor() ReportFlattener {
	return &statementProcessorImpl{reportType: models.ReportProfitAndLoss}
}

func NewBalanceSheetProcessor() ReportFlattener {
	return &statementProcessorImpl{reportType: models.ReportBalanceSheet}
}

func (p *statementProcessorImpl) Flatten(report *parsers.Report) (*models.FlattenResult, error) {
	if err := checkReport(p.reportType, report); err != nil {
		return nil, err
	}
	return newReportWalker(p.reportType, report).run(report)
}
