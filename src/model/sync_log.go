package model

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/username/ledgerdash/backend/src/models"
)

// InsertSyncLog appends one account outcome to the sync log.
func InsertSyncLog(ctx context.Context, db *sql.DB, outcome *models.SyncOutcome) error {
	reports, err := jsonAPI.MarshalToString(outcome.Reports)
	if err != nil {
		return fmt.Errorf("encode sync reports: %w", err)
	}
	res, err := db.ExecContext(ctx, `INSERT INTO sync_logs
		(run_id, user_id, realm_id, initiated_by, status, reports, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.RunID, outcome.Account.UserID, outcome.Account.RealmID, outcome.InitiatedBy, string(outcome.Status),
		reports, outcome.Error, outcome.StartedAt.UTC(), outcome.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("error inserting sync log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		outcome.ID = id
	}
	return nil
}

// ListSyncLogs returns a user's most recent outcomes, newest first.
func ListSyncLogs(ctx context.Context, db *sql.DB, userID int64, limit int) ([]models.SyncOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT id, run_id, user_id, realm_id, initiated_by, status, reports, error, started_at, finished_at
		FROM sync_logs WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing sync logs: %w", err)
	}
	defer rows.Close()

	out := []models.SyncOutcome{}
	for rows.Next() {
		var o models.SyncOutcome
		var status, reports string
		if err := rows.Scan(&o.ID, &o.RunID, &o.Account.UserID, &o.Account.RealmID, &o.InitiatedBy, &status,
			&reports, &o.Error, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("error scanning sync log: %w", err)
		}
		o.Status = models.SyncStatus(status)
		if err := jsonAPI.UnmarshalFromString(reports, &o.Reports); err != nil {
			return nil, fmt.Errorf("decode sync log reports: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
