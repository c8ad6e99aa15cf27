package processors

import (
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

type trialBalanceProcessorImpl struct{}

// NewTrialBalanceProcessor flattens trial balances. Each value is bound to a
// registered column and carries its debit/credit polarity.
func NewTrialBalanceProcessor() ReportFlattener {
	return &trialBalanceProcessorImpl{}
}

func (p *trialBalanceProcessorImpl) Flatten(report *parsers.Report) (*models.FlattenResult, error) {
	if err := checkReport(models.ReportTrialBalance, report); err != nil {
		return nil, err
	}
	if report.Columns == nil || len(report.Columns.Column) == 0 {
		return nil, &models.MappingError{ReportType: models.ReportTrialBalance, Reason: "trial balance has no columns"}
	}

	w := newReportWalker(models.ReportTrialBalance, report)
	w.strictColumns = true
	w.withPolarity = true

	result, err := w.run(report)
	if err != nil {
		return nil, err
	}
	result.Columns = w.columns.Columns()
	return result, nil
}
