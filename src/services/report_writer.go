// backend/src/services/report_writer.go
package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
)

// DefaultBatchSize bounds the rows of one multi-row INSERT.
const DefaultBatchSize = 1000

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type ReportWriter interface {
	// Save writes header, columns, lines and summaries in one transaction.
	Save(ctx context.Context, data *models.ReportData) (*models.SaveResult, error)
	UpdateKpiSummary(ctx context.Context, reportType models.ReportType, reportID int64, tree *models.KpiTree) error
}

type reportWriterImpl struct {
	db        *sql.DB
	batchSize int
}

func NewReportWriter(db *sql.DB, batchSize int) ReportWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &reportWriterImpl{db: db, batchSize: batchSize}
}

var lineColumns = []string{
	"report_id", "realm_id", "path", "account_id", "account_name", "amount",
	"category", "section", "subsection", "column_title", "column_index", "group_name", "row_group",
}

var summaryColumns = []string{
	"report_id", "realm_id", "path", "label", "amount", "column_title", "column_index", "group_name", "row_group",
}

func (w *reportWriterImpl) Save(ctx context.Context, data *models.ReportData) (*models.SaveResult, error) {
	if data == nil || data.Flattened == nil {
		return nil, &models.PersistenceError{Step: "validate", Err: fmt.Errorf("nothing to save")}
	}
	doc := data.Document
	rt := doc.ReportType
	slug := rt.Slug()
	if slug == "" {
		return nil, &models.PersistenceError{ReportType: rt, Step: "validate", Err: models.ErrUnknownReportType}
	}
	fail := func(step string, err error) (*models.SaveResult, error) {
		return nil, &models.PersistenceError{ReportType: rt, Step: step, Err: err}
	}

	start := time.Now()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) + 1 FROM %s_reports
		WHERE realm_id = ? AND user_id = ? AND start_period = ? AND end_period = ? AND basis = ?`, slug),
		doc.RealmID, doc.UserID, doc.StartPeriod, doc.EndPeriod, doc.Basis).Scan(&version)
	if err != nil {
		return fail("version", err)
	}

	var kpi any
	if doc.KpiSummary != nil {
		encoded, err := jsonAPI.Marshal(doc.KpiSummary)
		if err != nil {
			return fail("encode kpi", err)
		}
		kpi = string(encoded)
	}
	var generatedAt any
	if !doc.GeneratedAt.IsZero() {
		generatedAt = doc.GeneratedAt.UTC()
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s_reports
		(user_id, realm_id, report_name, basis, start_period, end_period, currency, generated_at, version, raw_payload, kpi_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, slug),
		doc.UserID, doc.RealmID, doc.ReportName, doc.Basis, doc.StartPeriod, doc.EndPeriod, doc.Currency,
		generatedAt, version, string(doc.RawPayload), kpi, time.Now().UTC())
	if err != nil {
		return fail("insert header", err)
	}
	reportID, err := res.LastInsertId()
	if err != nil {
		return fail("insert header", err)
	}

	var columnIDs map[models.ColumnKey]int64
	if rt.HasColumns() {
		columnIDs, err = w.saveColumns(ctx, tx, reportID, data.Flattened.Columns)
		if err != nil {
			return fail("columns", err)
		}
	}

	if err := w.saveLines(ctx, tx, reportID, doc.RealmID, rt, data.Flattened.Lines, columnIDs); err != nil {
		return fail("lines", err)
	}
	if err := w.saveSummaries(ctx, tx, reportID, doc.RealmID, slug, data.Flattened.Summaries); err != nil {
		return fail("summaries", err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}

	result := &models.SaveResult{
		ReportID:     reportID,
		Version:      version,
		ColumnsCount: len(columnIDs),
		RowsCount:    len(data.Flattened.Lines),
	}
	logger.FromContext(ctx).Info("Report persisted",
		"reportID", reportID, "version", version,
		"columns", result.ColumnsCount, "rows", result.RowsCount, "duration", time.Since(start))
	return result, nil
}

// saveColumns find-or-creates every column by its natural key, parents first,
// and returns the key to id map used to resolve line references.
func (w *reportWriterImpl) saveColumns(ctx context.Context, tx *sql.Tx, reportID int64, columns []models.ReportColumn) (map[models.ColumnKey]int64, error) {
	ids := make(map[models.ColumnKey]int64, len(columns))

	findStmt, err := tx.PrepareContext(ctx, `SELECT id FROM trial_balance_columns
		WHERE report_id = ? AND title = ? AND col_type = ? AND parent_title = ?`)
	if err != nil {
		return nil, err
	}
	defer findStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `INSERT INTO trial_balance_columns
		(report_id, title, col_type, parent_title, parent_column_id, order_index, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer insertStmt.Close()

	for _, col := range columns {
		var id int64
		err := findStmt.QueryRowContext(ctx, reportID, col.Key.Title, col.Key.Type, col.Key.ParentTitle).Scan(&id)
		switch {
		case err == nil:
		case err == sql.ErrNoRows:
			var parentID any
			if col.ParentKey != nil {
				pid, ok := ids[*col.ParentKey]
				if !ok {
					return nil, fmt.Errorf("column %s references unknown parent %s", col.Key, col.ParentKey)
				}
				parentID = pid
			}
			res, err := insertStmt.ExecContext(ctx, reportID, col.Key.Title, col.Key.Type, col.Key.ParentTitle,
				parentID, col.OrderIndex, nullString(col.PeriodStart), nullString(col.PeriodEnd))
			if err != nil {
				return nil, fmt.Errorf("insert column %s: %w", col.Key, err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("find column %s: %w", col.Key, err)
		}
		ids[col.Key] = id
	}
	return ids, nil
}

func (w *reportWriterImpl) saveLines(ctx context.Context, tx *sql.Tx, reportID int64, realmID string, rt models.ReportType, lines []models.ReportLine, columnIDs map[models.ColumnKey]int64) error {
	cols := lineColumns
	if rt.HasColumns() {
		cols = append(append([]string{}, lineColumns...), "column_id", "polarity")
	}

	// Resolve every column reference before the first row is written.
	resolved := make([]int64, len(lines))
	if rt.HasColumns() {
		for i, line := range lines {
			if line.Column == nil {
				return fmt.Errorf("line %d (%s) has no column", i, line.AccountName)
			}
			id, ok := columnIDs[*line.Column]
			if !ok {
				return fmt.Errorf("line %d (%s) references unknown column %s", i, line.AccountName, line.Column)
			}
			resolved[i] = id
		}
	}

	return w.insertBatched(ctx, tx, rt.Slug()+"_lines", cols, len(lines), func(i int) []any {
		l := lines[i]
		args := []any{
			reportID, realmID, l.Path, nullString(l.AccountID), l.AccountName, l.Amount,
			l.Category, l.Section, l.Subsection, l.ColumnTitle, l.ColumnIndex, string(l.Group), l.RowGroup,
		}
		if rt.HasColumns() {
			args = append(args, resolved[i], string(l.Polarity))
		}
		return args
	})
}

func (w *reportWriterImpl) saveSummaries(ctx context.Context, tx *sql.Tx, reportID int64, realmID, slug string, summaries []models.ReportSummary) error {
	return w.insertBatched(ctx, tx, slug+"_summaries", summaryColumns, len(summaries), func(i int) []any {
		s := summaries[i]
		return []any{reportID, realmID, s.Path, s.Label, s.Amount, s.ColumnTitle, s.ColumnIndex, string(s.Group), s.RowGroup}
	})
}

// insertBatched writes n rows as multi-row INSERTs of at most batchSize rows.
// Full batches share one prepared statement.
func (w *reportWriterImpl) insertBatched(ctx context.Context, tx *sql.Tx, table string, columns []string, n int, rowArgs func(i int) []any) error {
	if n == 0 {
		return nil
	}

	var full *sql.Stmt
	if n >= w.batchSize {
		stmt, err := tx.PrepareContext(ctx, batchInsertSQL(table, columns, w.batchSize))
		if err != nil {
			return err
		}
		defer stmt.Close()
		full = stmt
	}

	for start := 0; start < n; start += w.batchSize {
		end := start + w.batchSize
		if end > n {
			end = n
		}
		args := make([]any, 0, (end-start)*len(columns))
		for i := start; i < end; i++ {
			args = append(args, rowArgs(i)...)
		}

		var err error
		if end-start == w.batchSize {
			_, err = full.ExecContext(ctx, args...)
		} else {
			_, err = tx.ExecContext(ctx, batchInsertSQL(table, columns, end-start), args...)
		}
		if err != nil {
			return fmt.Errorf("insert %s rows %d-%d: %w", table, start, end-1, err)
		}
	}
	return nil
}

func batchInsertSQL(table string, columns []string, rows int) string {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
	}
	return b.String()
}

func (w *reportWriterImpl) UpdateKpiSummary(ctx context.Context, reportType models.ReportType, reportID int64, tree *models.KpiTree) error {
	slug := reportType.Slug()
	if slug == "" {
		return models.ErrUnknownReportType
	}
	encoded, err := jsonAPI.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode kpi summary: %w", err)
	}
	res, err := w.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s_reports SET kpi_summary = ? WHERE id = ?`, slug), string(encoded), reportID)
	if err != nil {
		return &models.PersistenceError{ReportType: reportType, Step: "update kpi", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrReportNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
