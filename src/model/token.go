package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/ledgerdash/backend/src/models"
)

const tokenColumns = `id, user_id, realm_id, access_token_enc, refresh_token_enc, refresh_fingerprint,
	expires_at, refresh_token_expires_at, revoked, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*models.TokenRecord, error) {
	var rec models.TokenRecord
	var refreshExpiry sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.RealmID,
		&rec.AccessTokenEnc,
		&rec.RefreshTokenEnc,
		&rec.RefreshFingerprint,
		&rec.ExpiresAt,
		&refreshExpiry,
		&rec.Revoked,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if refreshExpiry.Valid {
		rec.RefreshTokenExpiresAt = refreshExpiry.Time
	}
	return &rec, nil
}

// GetActiveToken returns the live token pair of an account.
func GetActiveToken(ctx context.Context, db *sql.DB, account models.AccountRef) (*models.TokenRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qbo_tokens
		WHERE user_id = ? AND realm_id = ? AND revoked = FALSE`, account.UserID, account.RealmID)
	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: realm %s", models.ErrTokenNotFound, account.RealmID)
		}
		return nil, fmt.Errorf("error reading token for realm %s: %w", account.RealmID, err)
	}
	return rec, nil
}

// ListActiveTokens returns every connected account, or only the given user's
// when userID is non-zero.
func ListActiveTokens(ctx context.Context, db *sql.DB, userID int64) ([]models.TokenRecord, error) {
	query := `SELECT ` + tokenColumns + ` FROM qbo_tokens WHERE revoked = FALSE`
	var args []any
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, realm_id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing tokens: %w", err)
	}
	defer rows.Close()

	var out []models.TokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning token: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ReplaceToken revokes any live pair of the account and inserts rec as the
// new live pair. Used on authorization.
func ReplaceToken(ctx context.Context, db *sql.DB, rec *models.TokenRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning token transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE qbo_tokens SET revoked = TRUE, updated_at = ?
		WHERE user_id = ? AND realm_id = ? AND revoked = FALSE`, now, rec.UserID, rec.RealmID); err != nil {
		return fmt.Errorf("error revoking previous token: %w", err)
	}
	if err := insertToken(ctx, tx, rec, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RotateToken supersedes the live pair oldID with next, but only if oldID is
// still live and still holds the refresh token the caller read. Otherwise
// another writer got there first and ErrTokenRotated is returned.
func RotateToken(ctx context.Context, db *sql.DB, oldID int64, oldFingerprint string, next *models.TokenRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning token transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE qbo_tokens SET revoked = TRUE, updated_at = ?
		WHERE id = ? AND revoked = FALSE AND refresh_fingerprint = ?`, now, oldID, oldFingerprint)
	if err != nil {
		return fmt.Errorf("error revoking rotated token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking rotated token: %w", err)
	}
	if n == 0 {
		return models.ErrTokenRotated
	}

	if err := insertToken(ctx, tx, next, now); err != nil {
		return err
	}
	return tx.Commit()
}

func insertToken(ctx context.Context, tx *sql.Tx, rec *models.TokenRecord, now time.Time) error {
	var refreshExpiry sql.NullTime
	if !rec.RefreshTokenExpiresAt.IsZero() {
		refreshExpiry = sql.NullTime{Time: rec.RefreshTokenExpiresAt.UTC(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO qbo_tokens
		(user_id, realm_id, access_token_enc, refresh_token_enc, refresh_fingerprint, expires_at, refresh_token_expires_at, revoked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?)`,
		rec.UserID, rec.RealmID, rec.AccessTokenEnc, rec.RefreshTokenEnc, rec.RefreshFingerprint,
		rec.ExpiresAt.UTC(), refreshExpiry, now, now)
	if err != nil {
		return fmt.Errorf("error inserting token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	rec.Revoked = false
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}
