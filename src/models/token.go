package models

import "time"

// TokenRecord is the encrypted OAuth token pair of one connected account.
// Superseded records are kept with Revoked set.
type TokenRecord struct {
	ID                    int64     `json:"id"`
	UserID                int64     `json:"user_id"`
	RealmID               string    `json:"realm_id"`
	AccessTokenEnc        string    `json:"-"`
	RefreshTokenEnc       string    `json:"-"`
	RefreshFingerprint    string    `json:"-"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	Revoked               bool      `json:"revoked"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (r *TokenRecord) Account() AccountRef {
	return AccountRef{UserID: r.UserID, RealmID: r.RealmID}
}
