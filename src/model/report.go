package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/username/ledgerdash/backend/src/models"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const reportHeaderColumns = `id, user_id, realm_id, report_name, basis, start_period, end_period, currency,
	generated_at, version, kpi_summary, created_at`

func scanReportHeader(row rowScanner, rt models.ReportType, extra ...any) (*models.ReportDocument, error) {
	doc := models.ReportDocument{ReportType: rt}
	var generatedAt sql.NullTime
	var kpi sql.NullString
	dest := []any{
		&doc.ID, &doc.UserID, &doc.RealmID, &doc.ReportName, &doc.Basis, &doc.StartPeriod, &doc.EndPeriod, &doc.Currency,
		&generatedAt, &doc.Version, &kpi, &doc.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if generatedAt.Valid {
		doc.GeneratedAt = generatedAt.Time
	}
	if kpi.Valid && kpi.String != "" {
		var tree models.KpiTree
		if err := jsonAPI.UnmarshalFromString(kpi.String, &tree); err != nil {
			return nil, fmt.Errorf("decode kpi summary of report %d: %w", doc.ID, err)
		}
		doc.KpiSummary = &tree
	}
	return &doc, nil
}

func reportTable(rt models.ReportType, suffix string) (string, error) {
	slug := rt.Slug()
	if slug == "" {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownReportType, rt)
	}
	return slug + "_" + suffix, nil
}

// GetReportDocument loads one document of a user, raw payload included.
func GetReportDocument(ctx context.Context, db *sql.DB, rt models.ReportType, userID, reportID int64) (*models.ReportDocument, error) {
	table, err := reportTable(rt, "reports")
	if err != nil {
		return nil, err
	}
	var raw sql.NullString
	row := db.QueryRowContext(ctx, `SELECT `+reportHeaderColumns+`, raw_payload FROM `+table+` WHERE id = ? AND user_id = ?`, reportID, userID)
	doc, err := scanReportHeader(row, rt, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrReportNotFound
		}
		return nil, err
	}
	if raw.Valid {
		doc.RawPayload = []byte(raw.String)
	}
	return doc, nil
}

// ReportOwnedBy returns ErrReportNotFound unless the document exists and
// belongs to userID.
func ReportOwnedBy(ctx context.Context, db *sql.DB, rt models.ReportType, userID, reportID int64) error {
	table, err := reportTable(rt, "reports")
	if err != nil {
		return err
	}
	var id int64
	err = db.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE id = ? AND user_id = ?`, reportID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrReportNotFound
	}
	if err != nil {
		return fmt.Errorf("error checking report owner: %w", err)
	}
	return nil
}

// GetLatestReport returns the newest period's highest version for a user,
// optionally restricted to one realm.
func GetLatestReport(ctx context.Context, db *sql.DB, rt models.ReportType, userID int64, realmID string) (*models.ReportDocument, error) {
	table, err := reportTable(rt, "reports")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + reportHeaderColumns + ` FROM ` + table + ` WHERE user_id = ?`
	args := []any{userID}
	if realmID != "" {
		query += ` AND realm_id = ?`
		args = append(args, realmID)
	}
	query += ` ORDER BY end_period DESC, start_period DESC, version DESC, id DESC LIMIT 1`

	doc, err := scanReportHeader(db.QueryRowContext(ctx, query, args...), rt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrReportNotFound
		}
		return nil, err
	}
	return doc, nil
}

// ListReportLines returns a document's lines in insertion order. Trial
// balance lines get their column key back from the column table.
func ListReportLines(ctx context.Context, db *sql.DB, rt models.ReportType, reportID int64) ([]models.ReportLine, error) {
	table, err := reportTable(rt, "lines")
	if err != nil {
		return nil, err
	}
	query := `SELECT l.id, l.report_id, l.path, l.account_id, l.account_name, l.amount, l.category, l.section,
		l.subsection, l.column_title, l.column_index, l.group_name, l.row_group`
	if rt.HasColumns() {
		query += `, l.column_id, l.polarity, c.title, c.col_type, c.parent_title
		FROM ` + table + ` l LEFT JOIN trial_balance_columns c ON c.id = l.column_id`
	} else {
		query += ` FROM ` + table + ` l`
	}
	query += ` WHERE l.report_id = ? ORDER BY l.id`

	rows, err := db.QueryContext(ctx, query, reportID)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", table, err)
	}
	defer rows.Close()

	lines := []models.ReportLine{}
	for rows.Next() {
		var l models.ReportLine
		var accountID sql.NullString
		var group string
		dest := []any{&l.ID, &l.ReportID, &l.Path, &accountID, &l.AccountName, &l.Amount, &l.Category, &l.Section,
			&l.Subsection, &l.ColumnTitle, &l.ColumnIndex, &group, &l.RowGroup}

		var columnID sql.NullInt64
		var polarity string
		var title, colType, parentTitle sql.NullString
		if rt.HasColumns() {
			dest = append(dest, &columnID, &polarity, &title, &colType, &parentTitle)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("error scanning %s: %w", table, err)
		}
		l.AccountID = accountID.String
		l.Group = models.CashFlowGroup(group)
		if columnID.Valid {
			id := columnID.Int64
			l.ColumnID = &id
			l.Column = &models.ColumnKey{Title: title.String, Type: colType.String, ParentTitle: parentTitle.String}
			l.Polarity = models.Polarity(polarity)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func ListReportSummaries(ctx context.Context, db *sql.DB, rt models.ReportType, reportID int64) ([]models.ReportSummary, error) {
	table, err := reportTable(rt, "summaries")
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, report_id, path, label, amount, column_title, column_index, group_name, row_group
		FROM `+table+` WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", table, err)
	}
	defer rows.Close()

	summaries := []models.ReportSummary{}
	for rows.Next() {
		var s models.ReportSummary
		var group string
		if err := rows.Scan(&s.ID, &s.ReportID, &s.Path, &s.Label, &s.Amount, &s.ColumnTitle, &s.ColumnIndex, &group, &s.RowGroup); err != nil {
			return nil, fmt.Errorf("error scanning %s: %w", table, err)
		}
		s.Group = models.CashFlowGroup(group)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListReportColumns returns a trial balance's columns in order index order.
func ListReportColumns(ctx context.Context, db *sql.DB, reportID int64) ([]models.ReportColumn, error) {
	rows, err := db.QueryContext(ctx, `SELECT c.id, c.report_id, c.title, c.col_type, c.parent_title, c.parent_column_id,
		c.order_index, c.start_date, c.end_date, p.title, p.col_type, p.parent_title
		FROM trial_balance_columns c LEFT JOIN trial_balance_columns p ON p.id = c.parent_column_id
		WHERE c.report_id = ? ORDER BY c.order_index`, reportID)
	if err != nil {
		return nil, fmt.Errorf("error listing columns: %w", err)
	}
	defer rows.Close()

	columns := []models.ReportColumn{}
	for rows.Next() {
		var c models.ReportColumn
		var parentID sql.NullInt64
		var start, end, pTitle, pType, pParent sql.NullString
		if err := rows.Scan(&c.ID, &c.ReportID, &c.Key.Title, &c.Key.Type, &c.Key.ParentTitle, &parentID,
			&c.OrderIndex, &start, &end, &pTitle, &pType, &pParent); err != nil {
			return nil, fmt.Errorf("error scanning column: %w", err)
		}
		c.PeriodStart, c.PeriodEnd = start.String, end.String
		if parentID.Valid {
			id := parentID.Int64
			c.ParentID = &id
			c.ParentKey = &models.ColumnKey{Title: pTitle.String, Type: pType.String, ParentTitle: pParent.String}
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}
