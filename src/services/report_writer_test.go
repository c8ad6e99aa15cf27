package services

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/username/ledgerdash/backend/src/database"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func trialBalanceData(realmID string) *models.ReportData {
	jan := models.ColumnKey{Title: "Jan 2024", Type: "Money"}
	janDebit := models.ColumnKey{Title: "Debit", Type: "Money", ParentTitle: "Jan 2024"}
	janCredit := models.ColumnKey{Title: "Credit", Type: "Money", ParentTitle: "Jan 2024"}
	return &models.ReportData{
		Document: models.ReportDocument{
			UserID:      1,
			RealmID:     realmID,
			ReportType:  models.ReportTrialBalance,
			ReportName:  "TrialBalance",
			Basis:       "Accrual",
			StartPeriod: "2024-01-01",
			EndPeriod:   "2024-01-31",
			Currency:    "USD",
			RawPayload:  []byte(`{"Header":{"ReportName":"TrialBalance"}}`),
			KpiSummary:  &models.KpiTree{ReportType: models.ReportTrialBalance},
		},
		Flattened: &models.FlattenResult{
			ReportType: models.ReportTrialBalance,
			Columns: []models.ReportColumn{
				{Key: jan, OrderIndex: 0, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"},
				{Key: janDebit, ParentKey: &jan, OrderIndex: 1, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"},
				{Key: janCredit, ParentKey: &jan, OrderIndex: 2, PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31"},
			},
			Lines: []models.ReportLine{
				{Path: "Checking", AccountID: "35", AccountName: "Checking", Amount: 1500, ColumnTitle: "Debit", ColumnIndex: 1, Column: &janDebit, Polarity: models.PolarityDebit},
				{Path: "Accounts Payable (A/P)", AccountID: "33", AccountName: "Accounts Payable (A/P)", Amount: 400, ColumnTitle: "Credit", ColumnIndex: 2, Column: &janCredit, Polarity: models.PolarityCredit},
				{Path: "Sales", AccountID: "79", AccountName: "Sales", Amount: 1100, ColumnTitle: "Credit", ColumnIndex: 2, Column: &janCredit, Polarity: models.PolarityCredit},
			},
			Summaries: []models.ReportSummary{
				{Path: "TOTAL", Label: "TOTAL", Amount: 1500, ColumnTitle: "Debit", ColumnIndex: 1},
			},
		},
	}
}

func TestSaveTrialBalanceWritesColumnsBeforeLines(t *testing.T) {
	db := newTestDB(t)
	writer := NewReportWriter(db, 2)

	res, err := writer.Save(context.Background(), trialBalanceData("realm-1"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if res.Version != 1 || res.ColumnsCount != 3 || res.RowsCount != 3 {
		t.Errorf("unexpected save result: %+v", res)
	}

	lines, err := model.ListReportLines(context.Background(), db, models.ReportTrialBalance, res.ReportID)
	if err != nil {
		t.Fatalf("ListReportLines failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if l.ColumnID == nil || l.Column == nil {
			t.Fatalf("line %s lost its column reference", l.AccountName)
		}
		if l.Column.ParentTitle != "Jan 2024" {
			t.Errorf("line %s column parent = %q, want Jan 2024", l.AccountName, l.Column.ParentTitle)
		}
	}
	if lines[1].Polarity != models.PolarityCredit {
		t.Errorf("expected credit polarity on A/P, got %q", lines[1].Polarity)
	}

	cols, err := model.ListReportColumns(context.Background(), db, res.ReportID)
	if err != nil {
		t.Fatalf("ListReportColumns failed: %v", err)
	}
	if len(cols) != 3 || cols[1].ParentKey == nil || cols[1].ParentKey.Title != "Jan 2024" {
		t.Errorf("unexpected columns: %+v", cols)
	}
	if got := countRows(t, db, "trial_balance_summaries"); got != 1 {
		t.Errorf("expected 1 summary row, got %d", got)
	}
}

func TestSaveRollsBackOnUnknownColumn(t *testing.T) {
	db := newTestDB(t)
	writer := NewReportWriter(db, DefaultBatchSize)

	data := trialBalanceData("realm-1")
	missing := models.ColumnKey{Title: "Debit", Type: "Money", ParentTitle: "Mar 2024"}
	data.Flattened.Lines[2].Column = &missing

	_, err := writer.Save(context.Background(), data)
	var persistErr *models.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if persistErr.Step != "lines" {
		t.Errorf("expected failure at lines, got %q", persistErr.Step)
	}

	for _, table := range []string{"trial_balance_reports", "trial_balance_columns", "trial_balance_lines", "trial_balance_summaries"} {
		if got := countRows(t, db, table); got != 0 {
			t.Errorf("%s has %d rows after rollback", table, got)
		}
	}
}

func TestSaveVersionsReingestedPeriods(t *testing.T) {
	db := newTestDB(t)
	writer := NewReportWriter(db, DefaultBatchSize)
	ctx := context.Background()

	first, err := writer.Save(ctx, trialBalanceData("realm-1"))
	if err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	second, err := writer.Save(ctx, trialBalanceData("realm-1"))
	if err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	other, err := writer.Save(ctx, trialBalanceData("realm-2"))
	if err != nil {
		t.Fatalf("other realm Save failed: %v", err)
	}

	if first.Version != 1 || second.Version != 2 {
		t.Errorf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
	if other.Version != 1 {
		t.Errorf("another realm should start at version 1, got %d", other.Version)
	}

	latest, err := model.GetLatestReport(ctx, db, models.ReportTrialBalance, 1, "realm-1")
	if err != nil {
		t.Fatalf("GetLatestReport failed: %v", err)
	}
	if latest.ID != second.ReportID || latest.Version != 2 {
		t.Errorf("latest should be the second ingestion, got id=%d version=%d", latest.ID, latest.Version)
	}
	if latest.KpiSummary == nil || latest.KpiSummary.ReportType != models.ReportTrialBalance {
		t.Errorf("kpi summary not stored with the header: %+v", latest.KpiSummary)
	}
}

func TestSaveBatchesSummaries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, batchSize := range []int{1, 2, 3, 7} {
		writer := NewReportWriter(db, batchSize)
		summaries := make([]models.ReportSummary, 7)
		for i := range summaries {
			summaries[i] = models.ReportSummary{Path: "Total", Label: "Total", Amount: float64(i), ColumnIndex: i}
		}
		data := &models.ReportData{
			Document: models.ReportDocument{
				UserID: 1, RealmID: "realm-batch", ReportType: models.ReportProfitAndLoss,
				ReportName: "ProfitAndLoss", StartPeriod: "2024-01-01", EndPeriod: "2024-12-31",
			},
			Flattened: &models.FlattenResult{ReportType: models.ReportProfitAndLoss, Summaries: summaries},
		}
		res, err := writer.Save(ctx, data)
		if err != nil {
			t.Fatalf("batch size %d: Save failed: %v", batchSize, err)
		}
		got, err := model.ListReportSummaries(ctx, db, models.ReportProfitAndLoss, res.ReportID)
		if err != nil {
			t.Fatalf("batch size %d: ListReportSummaries failed: %v", batchSize, err)
		}
		if len(got) != 7 {
			t.Errorf("batch size %d: expected 7 summaries, got %d", batchSize, len(got))
		}
	}
}

func TestUpdateKpiSummary(t *testing.T) {
	db := newTestDB(t)
	writer := NewReportWriter(db, DefaultBatchSize)
	ctx := context.Background()

	res, err := writer.Save(ctx, trialBalanceData("realm-1"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	tree := &models.KpiTree{ReportType: models.ReportTrialBalance, Unmatched: []string{"Suspense"}}
	if err := writer.UpdateKpiSummary(ctx, models.ReportTrialBalance, res.ReportID, tree); err != nil {
		t.Fatalf("UpdateKpiSummary failed: %v", err)
	}
	doc, err := model.GetReportDocument(ctx, db, models.ReportTrialBalance, 1, res.ReportID)
	if err != nil {
		t.Fatalf("GetReportDocument failed: %v", err)
	}
	if doc.KpiSummary == nil || len(doc.KpiSummary.Unmatched) != 1 {
		t.Errorf("kpi summary not updated: %+v", doc.KpiSummary)
	}

	if err := writer.UpdateKpiSummary(ctx, models.ReportTrialBalance, 9999, tree); !errors.Is(err, models.ErrReportNotFound) {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}
