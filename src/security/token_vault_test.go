package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/username/ledgerdash/backend/src/database"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/models"
	"golang.org/x/oauth2"
)

var testAccount = models.AccountRef{UserID: 7, RealmID: "9130355"}

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
	delay time.Duration
	// status, when set, is returned instead of a token.
	status int
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)
		if id, secret, ok := r.BasicAuth(); !ok || id != "client-id" || secret != "client-secret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") == "" {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		if ts.delay > 0 {
			time.Sleep(ts.delay)
		}
		if ts.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ts.status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"bearer","expires_in":3600,"x_refresh_token_expires_in":8726400}`, n, n)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestVault(t *testing.T, ts *tokenServer, key string) (*TokenVault, *sql.DB) {
	t.Helper()
	db, err := database.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newVaultOn(t, db, ts, key), db
}

func newVaultOn(t *testing.T, db *sql.DB, ts *tokenServer, key string) *TokenVault {
	t.Helper()
	c, err := NewTokenCipher(key)
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}
	return NewTokenVault(db, c, TokenVaultOptions{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      ts.URL + "/authorize",
		TokenURL:     ts.URL + "/token",
		RedirectURL:  "http://localhost/callback",
		HTTPClient:   ts.Client(),
		RefreshSkew:  time.Minute,
	})
}

func storeToken(t *testing.T, v *TokenVault, expiry time.Time) *models.TokenRecord {
	t.Helper()
	rec, err := v.Store(context.Background(), testAccount, &oauth2.Token{
		AccessToken:  "initial-access",
		RefreshToken: "initial-refresh",
		Expiry:       expiry,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	return rec
}

func countTokens(t *testing.T, db *sql.DB, revoked bool) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM qbo_tokens WHERE revoked = ?`, revoked).Scan(&n); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	return n
}

func TestVaultStoresEncryptedTokens(t *testing.T) {
	ts := newTokenServer(t)
	v, db := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(time.Hour))

	var accessEnc string
	if err := db.QueryRow(`SELECT access_token_enc FROM qbo_tokens`).Scan(&accessEnc); err != nil {
		t.Fatalf("select: %v", err)
	}
	if accessEnc == "initial-access" {
		t.Fatal("access token stored in the clear")
	}

	got, err := v.GetValidAccessToken(context.Background(), testAccount)
	if err != nil || got != "initial-access" {
		t.Fatalf("GetValidAccessToken = %q, %v", got, err)
	}
	if ts.calls.Load() != 0 {
		t.Errorf("fresh token should not hit the token endpoint")
	}
}

func TestVaultStoreSupersedesPreviousPair(t *testing.T) {
	ts := newTokenServer(t)
	v, db := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(time.Hour))
	storeToken(t, v, time.Now().Add(time.Hour))

	if countTokens(t, db, false) != 1 || countTokens(t, db, true) != 1 {
		t.Errorf("expected one live and one revoked record")
	}
}

func TestVaultRefreshesExpiringToken(t *testing.T) {
	ts := newTokenServer(t)
	v, db := newTestVault(t, ts, testKey)
	old := storeToken(t, v, time.Now().Add(10*time.Second))

	got, err := v.GetValidAccessToken(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if got != "access-1" {
		t.Errorf("access token = %q, want access-1", got)
	}

	rec, err := model.GetActiveToken(context.Background(), db, testAccount)
	if err != nil {
		t.Fatalf("GetActiveToken: %v", err)
	}
	if rec.ID == old.ID {
		t.Error("refresh must supersede the old record, not mutate it")
	}
	if rec.RefreshFingerprint != Fingerprint("refresh-1") {
		t.Error("new refresh token not stored")
	}
	if rec.RefreshTokenExpiresAt.IsZero() {
		t.Error("refresh token expiry not recorded")
	}
	if countTokens(t, db, true) != 1 {
		t.Error("old record must remain as revoked")
	}
}

func TestVaultConcurrentRefreshIsSingleFlight(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 200 * time.Millisecond
	v, _ := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(-time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = v.Refresh(context.Background(), testAccount)
		}(i)
	}
	wg.Wait()

	if n := ts.calls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil || results[i] != "access-1" {
			t.Errorf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
}

func TestVaultRefreshRejected(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	v, _ := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(-time.Minute))

	_, err := v.Refresh(context.Background(), testAccount)
	if !models.IsAuthRefreshError(err) {
		t.Fatalf("expected AuthRefreshError, got %v", err)
	}
}

func TestVaultRefreshServerErrorIsTransient(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusServiceUnavailable
	v, _ := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(-time.Minute))

	_, err := v.Refresh(context.Background(), testAccount)
	var transient *models.TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
}

func TestVaultDecryptFailureIsAuthRefreshError(t *testing.T) {
	ts := newTokenServer(t)
	v, db := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(-time.Minute))

	rotatedKey := newVaultOn(t, db, ts, "another-key-another-key-another-key!")
	_, err := rotatedKey.Refresh(context.Background(), testAccount)
	if !models.IsAuthRefreshError(err) || !errors.Is(err, models.ErrDecryptFailed) {
		t.Fatalf("expected AuthRefreshError wrapping ErrDecryptFailed, got %v", err)
	}
	if ts.calls.Load() != 0 {
		t.Error("token endpoint must not be called with an unreadable token")
	}
}

func TestVaultNotConnected(t *testing.T) {
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts, testKey)
	if _, err := v.GetValidAccessToken(context.Background(), testAccount); !errors.Is(err, models.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRotateTokenCompareAndSwap(t *testing.T) {
	ts := newTokenServer(t)
	v, db := newTestVault(t, ts, testKey)
	old := storeToken(t, v, time.Now().Add(time.Hour))

	next := func() *models.TokenRecord {
		return &models.TokenRecord{
			UserID: testAccount.UserID, RealmID: testAccount.RealmID,
			AccessTokenEnc: "a", RefreshTokenEnc: "r", RefreshFingerprint: "f",
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}
	ctx := context.Background()
	if err := model.RotateToken(ctx, db, old.ID, old.RefreshFingerprint, next()); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	if err := model.RotateToken(ctx, db, old.ID, old.RefreshFingerprint, next()); !errors.Is(err, models.ErrTokenRotated) {
		t.Fatalf("second rotation: expected ErrTokenRotated, got %v", err)
	}
	if countTokens(t, db, false) != 1 {
		t.Error("exactly one live record expected")
	}
}

func TestVaultListConnectedAccounts(t *testing.T) {
	ts := newTokenServer(t)
	v, _ := newTestVault(t, ts, testKey)
	storeToken(t, v, time.Now().Add(time.Hour))

	all, err := v.ListConnectedAccounts(context.Background(), 0)
	if err != nil || len(all) != 1 || all[0].Account() != testAccount {
		t.Fatalf("ListConnectedAccounts = %+v, %v", all, err)
	}
	none, err := v.ListConnectedAccounts(context.Background(), 99)
	if err != nil || len(none) != 0 {
		t.Fatalf("other user should see nothing: %+v, %v", none, err)
	}
}
