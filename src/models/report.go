// backend/src/models/report.go
package models

import (
	"fmt"
	"strings"
	"time"
)

// ReportType is the report path segment understood by the QuickBooks reports API.
type ReportType string

const (
	ReportTrialBalance  ReportType = "TrialBalance"
	ReportProfitAndLoss ReportType = "ProfitAndLoss"
	ReportBalanceSheet  ReportType = "BalanceSheet"
	ReportCashFlow      ReportType = "CashFlow"
)

// AllReportTypes is the default set ingested by a sync run, in run order.
var AllReportTypes = []ReportType{
	ReportTrialBalance,
	ReportProfitAndLoss,
	ReportBalanceSheet,
	ReportCashFlow,
}

// ParseReportType accepts either the API name ("ProfitAndLoss") or the
// snake_case slug used in URLs and table names ("profit_loss").
func ParseReportType(s string) (ReportType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, rt := range AllReportTypes {
		if key == strings.ToLower(string(rt)) || key == rt.Slug() {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReportType, s)
}

// Slug is the lowercase identifier used as table prefix and URL segment.
func (rt ReportType) Slug() string {
	switch rt {
	case ReportTrialBalance:
		return "trial_balance"
	case ReportProfitAndLoss:
		return "profit_loss"
	case ReportBalanceSheet:
		return "balance_sheet"
	case ReportCashFlow:
		return "cash_flow"
	}
	return ""
}

// HasColumns reports whether the report type persists a column registry.
func (rt ReportType) HasColumns() bool {
	return rt == ReportTrialBalance
}

// AccountRef identifies one connected QuickBooks company for one user.
type AccountRef struct {
	UserID  int64  `json:"user_id"`
	RealmID string `json:"realm_id"`
}

func (a AccountRef) Key() string {
	return fmt.Sprintf("%d:%s", a.UserID, a.RealmID)
}

// ReportDocument is the header of one ingestion run for one report type,
// one connected account and one period.
type ReportDocument struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	RealmID     string     `json:"realm_id"`
	ReportType  ReportType `json:"report_type"`
	ReportName  string     `json:"report_name"`
	Basis       string     `json:"basis"`
	StartPeriod string     `json:"start_period"`
	EndPeriod   string     `json:"end_period"`
	Currency    string     `json:"currency"`
	GeneratedAt time.Time  `json:"generated_at"`
	Version     int        `json:"version"`
	RawPayload  []byte     `json:"-"`
	KpiSummary  *KpiTree   `json:"kpi_summary,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Clone returns a copy that shares no memory with d.
func (d *ReportDocument) Clone() *ReportDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.RawPayload = append([]byte(nil), d.RawPayload...)
	out.KpiSummary = d.KpiSummary.Clone()
	return &out
}

// ColumnKey is the natural key of a trial balance column within one document.
type ColumnKey struct {
	Title       string `json:"title"`
	Type        string `json:"type"`
	ParentTitle string `json:"parent_title,omitempty"`
}

func (k ColumnKey) String() string {
	if k.ParentTitle == "" {
		return k.Title + "|" + k.Type
	}
	return k.ParentTitle + " > " + k.Title + "|" + k.Type
}

// ReportColumn is one ordered period/column descriptor of a trial balance.
type ReportColumn struct {
	ID          int64      `json:"id"`
	ReportID    int64      `json:"report_id"`
	Key         ColumnKey  `json:"key"`
	ParentKey   *ColumnKey `json:"parent_key,omitempty"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	OrderIndex  int        `json:"order_index"`
	PeriodStart string     `json:"period_start,omitempty"`
	PeriodEnd   string     `json:"period_end,omitempty"`
}

// Polarity tells which side of a trial balance a value was reported on.
type Polarity string

const (
	PolarityNone   Polarity = ""
	PolarityDebit  Polarity = "debit"
	PolarityCredit Polarity = "credit"
)

// CashFlowGroup is the normalized cash flow activity a node belongs to.
type CashFlowGroup string

const (
	GroupNone          CashFlowGroup = ""
	GroupOperating     CashFlowGroup = "Operating"
	GroupInvesting     CashFlowGroup = "Investing"
	GroupFinancing     CashFlowGroup = "Financing"
	GroupNetCash       CashFlowGroup = "NetCash"
	GroupBeginningCash CashFlowGroup = "BeginningCash"
	GroupEndingCash    CashFlowGroup = "EndingCash"
)

// ReportLine is one flattened leaf monetary fact.
type ReportLine struct {
	ID          int64         `json:"id,omitempty"`
	ReportID    int64         `json:"report_id,omitempty"`
	Path        string        `json:"path"`
	AccountID   string        `json:"account_id,omitempty"`
	AccountName string        `json:"account_name"`
	Amount      float64       `json:"amount"`
	Category    string        `json:"category,omitempty"`
	Section     string        `json:"section,omitempty"`
	Subsection  string        `json:"subsection,omitempty"`
	ColumnTitle string        `json:"column_title,omitempty"`
	ColumnIndex int           `json:"column_index"`
	Column      *ColumnKey    `json:"column,omitempty"`
	ColumnID    *int64        `json:"column_id,omitempty"`
	Polarity    Polarity      `json:"polarity,omitempty"`
	Group       CashFlowGroup `json:"group,omitempty"`
	RowGroup    string        `json:"row_group,omitempty"`
}

// ReportSummary is a rollup already computed by the source system.
type ReportSummary struct {
	ID          int64         `json:"id,omitempty"`
	ReportID    int64         `json:"report_id,omitempty"`
	Path        string        `json:"path"`
	Label       string        `json:"label"`
	Amount      float64       `json:"amount"`
	ColumnTitle string        `json:"column_title,omitempty"`
	ColumnIndex int           `json:"column_index"`
	Group       CashFlowGroup `json:"group,omitempty"`
	RowGroup    string        `json:"row_group,omitempty"`
}

// FlattenResult is the output of one report walker.
type FlattenResult struct {
	ReportType ReportType      `json:"report_type"`
	Lines      []ReportLine    `json:"lines"`
	Summaries  []ReportSummary `json:"summaries"`
	Columns    []ReportColumn  `json:"columns,omitempty"`
}

// ReportData is everything the Persistence Writer needs for one document.
type ReportData struct {
	Document  ReportDocument
	Flattened *FlattenResult
}

// SaveResult is returned by the Persistence Writer.
type SaveResult struct {
	ReportID     int64 `json:"report_id"`
	Version      int   `json:"version"`
	ColumnsCount int   `json:"columns_count"`
	RowsCount    int   `json:"rows_count"`
}
