package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// QuickBooksAccountingScope is the only scope the reports API needs.
const QuickBooksAccountingScope = "com.intuit.quickbooks.accounting"

type TokenVaultOptions struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	// HTTPClient is used for token endpoint calls; nil means http.DefaultClient.
	HTTPClient  *http.Client
	RefreshSkew time.Duration
}

// TokenVault owns the encrypted QuickBooks token pairs. Plain tokens only
// exist in memory for the duration of an outbound call.
type TokenVault struct {
	db     *sql.DB
	cipher *TokenCipher
	oauth  *oauth2.Config
	client *http.Client
	skew   time.Duration
	now    func() time.Time

	refreshes singleflight.Group
}

func NewTokenVault(db *sql.DB, tokenCipher *TokenCipher, opts TokenVaultOptions) *TokenVault {
	return &TokenVault{
		db:     db,
		cipher: tokenCipher,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       []string{QuickBooksAccountingScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		client: opts.HTTPClient,
		skew:   opts.RefreshSkew,
		now:    time.Now,
	}
}

// AuthCodeURL is where the user is sent to connect a company.
func (v *TokenVault) AuthCodeURL(state string) string {
	return v.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token pair and stores it.
func (v *TokenVault) Exchange(ctx context.Context, account models.AccountRef, code string) (*models.TokenRecord, error) {
	tok, err := v.oauth.Exchange(v.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	return v.Store(ctx, account, tok)
}

// Store encrypts tok and makes it the account's live pair, revoking any
// previous one.
func (v *TokenVault) Store(ctx context.Context, account models.AccountRef, tok *oauth2.Token) (*models.TokenRecord, error) {
	rec, err := v.seal(account, tok)
	if err != nil {
		return nil, err
	}
	if err := model.ReplaceToken(ctx, v.db, rec); err != nil {
		return nil, err
	}
	logger.L.Info("QuickBooks tokens stored", "userID", account.UserID, "realmID", account.RealmID, "expiresAt", rec.ExpiresAt)
	return rec, nil
}

// GetValidAccessToken returns a plain access token, refreshing first when it
// expires within the configured skew.
func (v *TokenVault) GetValidAccessToken(ctx context.Context, account models.AccountRef) (string, error) {
	rec, err := model.GetActiveToken(ctx, v.db, account)
	if err != nil {
		return "", err
	}
	if rec.ExpiresAt.After(v.now().Add(v.skew)) {
		return v.openAccess(rec)
	}

	token, err := v.Refresh(ctx, account)
	if errors.Is(err, models.ErrTokenRotated) {
		return v.currentAccess(ctx, account)
	}
	return token, err
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent calls
// for one account share a single exchange; a rotation that lost the race
// against another writer returns ErrTokenRotated.
func (v *TokenVault) Refresh(ctx context.Context, account models.AccountRef) (string, error) {
	res, err, shared := v.refreshes.Do(account.Key(), func() (any, error) {
		return v.refresh(ctx, account)
	})
	if shared {
		logger.FromContext(ctx).Debug("Joined in-flight token refresh", "realmID", account.RealmID)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// currentAccess reads the live access token without refreshing.
func (v *TokenVault) currentAccess(ctx context.Context, account models.AccountRef) (string, error) {
	rec, err := model.GetActiveToken(ctx, v.db, account)
	if err != nil {
		return "", err
	}
	return v.openAccess(rec)
}

// ListConnectedAccounts returns the live token records, optionally for one user.
func (v *TokenVault) ListConnectedAccounts(ctx context.Context, userID int64) ([]models.TokenRecord, error) {
	return model.ListActiveTokens(ctx, v.db, userID)
}

func (v *TokenVault) refresh(ctx context.Context, account models.AccountRef) (string, error) {
	log := logger.FromContext(ctx)

	rec, err := model.GetActiveToken(ctx, v.db, account)
	if err != nil {
		if errors.Is(err, models.ErrTokenNotFound) {
			return "", &models.AuthRefreshError{RealmID: account.RealmID, Reason: "account is not connected", Err: err}
		}
		return "", err
	}
	if !rec.RefreshTokenExpiresAt.IsZero() && !rec.RefreshTokenExpiresAt.After(v.now()) {
		return "", &models.AuthRefreshError{RealmID: account.RealmID, Reason: "refresh token expired"}
	}

	refreshToken, err := v.cipher.Decrypt(rec.RefreshTokenEnc, account.Key())
	if err != nil {
		return "", &models.AuthRefreshError{RealmID: account.RealmID, Reason: "stored refresh token cannot be decrypted", Err: err}
	}

	// An empty access token forces the source to hit the token endpoint.
	src := v.oauth.TokenSource(v.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", classifyRefreshError(account, err)
	}

	next, err := v.seal(account, tok)
	if err != nil {
		return "", err
	}
	if err := model.RotateToken(ctx, v.db, rec.ID, rec.RefreshFingerprint, next); err != nil {
		if errors.Is(err, models.ErrTokenRotated) {
			log.Warn("Token rotation lost to a concurrent writer", "realmID", account.RealmID)
		}
		return "", err
	}

	log.Info("QuickBooks token refreshed", "realmID", account.RealmID, "expiresAt", next.ExpiresAt)
	return tok.AccessToken, nil
}

func classifyRefreshError(account models.AccountRef, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return &models.TransientNetworkError{Op: "token refresh", StatusCode: retrieveErr.Response.StatusCode, Err: err}
		}
		return &models.AuthRefreshError{RealmID: account.RealmID, Reason: "token endpoint rejected refresh", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &models.TransientNetworkError{Op: "token refresh", Err: err}
}

func (v *TokenVault) seal(account models.AccountRef, tok *oauth2.Token) (*models.TokenRecord, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, errors.New("token response is missing access or refresh token")
	}
	aad := account.Key()
	accessEnc, err := v.cipher.Encrypt(tok.AccessToken, aad)
	if err != nil {
		return nil, err
	}
	refreshEnc, err := v.cipher.Encrypt(tok.RefreshToken, aad)
	if err != nil {
		return nil, err
	}

	rec := &models.TokenRecord{
		UserID:             account.UserID,
		RealmID:            account.RealmID,
		AccessTokenEnc:     accessEnc,
		RefreshTokenEnc:    refreshEnc,
		RefreshFingerprint: Fingerprint(tok.RefreshToken),
		ExpiresAt:          tok.Expiry,
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = v.now().Add(time.Hour)
	}
	if secs := extraSeconds(tok, "x_refresh_token_expires_in"); secs > 0 {
		rec.RefreshTokenExpiresAt = v.now().Add(time.Duration(secs) * time.Second)
	}
	return rec, nil
}

func (v *TokenVault) openAccess(rec *models.TokenRecord) (string, error) {
	access, err := v.cipher.Decrypt(rec.AccessTokenEnc, rec.Account().Key())
	if err != nil {
		return "", &models.AuthRefreshError{RealmID: rec.RealmID, Reason: "stored access token cannot be decrypted", Err: err}
	}
	return access, nil
}

func (v *TokenVault) clientContext(ctx context.Context) context.Context {
	if v.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, v.client)
}

func extraSeconds(tok *oauth2.Token, key string) int64 {
	switch n := tok.Extra(key).(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		var secs int64
		if _, err := fmt.Sscan(n, &secs); err == nil {
			return secs
		}
	}
	return 0
}
