package processors

import (
	"fmt"

	"github.com/username/ledgerdash/backend/src/models"
)

// GetFlattener returns the walker for the given report type.
func GetFlattener(reportType models.ReportType) (ReportFlattener, error) {
	switch reportType {
	case models.ReportTrialBalance:
		return NewTrialBalanceProcessor(), nil
	case models.ReportProfitAndLoss:
		return NewProfitAndLossProcessor(), nil
	case models.ReportBalanceSheet:
		return NewBalanceSheetProcessor(), nil
	case models.ReportCashFlow:
		return NewCashFlowProcessor(), nil
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownReportType, reportType)
	}
}
