package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/utils"
)

const (
	oauthStateCookie = "qbo_oauth_state"
	oauthStateTTL    = 10 * time.Minute
)

// AccountConnector is the part of the Token Vault behind the connect flow.
type AccountConnector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, account models.AccountRef, code string) (*models.TokenRecord, error)
	ListConnectedAccounts(ctx context.Context, userID int64) ([]models.TokenRecord, error)
}

type QuickBooksHandler struct {
	connector       AccountConnector
	frontendBaseURL string
	secureCookies   bool
	// pending maps an issued state value to the user who asked to connect.
	pending *cache.Cache
}

func NewQuickBooksHandler(connector AccountConnector, frontendBaseURL string) *QuickBooksHandler {
	return &QuickBooksHandler{
		connector:       connector,
		frontendBaseURL: strings.TrimRight(frontendBaseURL, "/"),
		secureCookies:   strings.HasPrefix(frontendBaseURL, "https://"),
		pending:         cache.New(oauthStateTTL, 2*oauthStateTTL),
	}
}

// HandleConnect issues a state value and returns the authorization URL the
// browser should navigate to.
func (h *QuickBooksHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	state, err := generateState()
	if err != nil {
		logger.L.Error("Failed to generate OAuth state", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to start QuickBooks connection", http.StatusInternalServerError)
		return
	}
	h.pending.Set(state, userID, cache.DefaultExpiration)

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/quickbooks",
		SameSite: http.SameSiteLaxMode,
		HttpOnly: true,
		Secure:   h.secureCookies,
		MaxAge:   int(oauthStateTTL.Seconds()),
	})

	logger.L.Info("QuickBooks connect started", "userID", userID)
	utils.SendJSON(w, map[string]string{"url": h.connector.AuthCodeURL(state)}, http.StatusOK)
}

// HandleCallback completes the authorization_code grant and redirects back to
// the frontend.
func (h *QuickBooksHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	cookie, err := r.Cookie(oauthStateCookie)
	if state == "" || err != nil || cookie.Value != state {
		logger.L.Warn("Invalid OAuth state on QuickBooks callback")
		h.redirect(w, r, "error", "invalid_state")
		return
	}
	pendingUser, found := h.pending.Get(state)
	if !found {
		logger.L.Warn("Unknown or expired OAuth state on QuickBooks callback")
		h.redirect(w, r, "error", "invalid_state")
		return
	}
	h.pending.Delete(state)
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/api/quickbooks", MaxAge: -1})

	if reason := q.Get("error"); reason != "" {
		logger.L.Info("QuickBooks authorization declined", "userID", pendingUser, "reason", reason)
		h.redirect(w, r, "error", "access_denied")
		return
	}

	code, realmID := q.Get("code"), q.Get("realmId")
	if code == "" || realmID == "" {
		h.redirect(w, r, "error", "missing_code")
		return
	}

	account := models.AccountRef{UserID: pendingUser.(int64), RealmID: realmID}
	if _, err := h.connector.Exchange(r.Context(), account, code); err != nil {
		logger.L.Error("QuickBooks token exchange failed", "userID", account.UserID, "realmID", realmID, "error", err)
		h.redirect(w, r, "error", "token_exchange_failed")
		return
	}

	logger.L.Info("QuickBooks company connected", "userID", account.UserID, "realmID", realmID)
	h.redirect(w, r, "connected", realmID)
}

func (h *QuickBooksHandler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	records, err := h.connector.ListConnectedAccounts(r.Context(), userID)
	if err != nil {
		logger.L.Error("Failed to list QuickBooks connections", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to list QuickBooks connections", http.StatusInternalServerError)
		return
	}

	type connection struct {
		RealmID               string    `json:"realm_id"`
		ExpiresAt             time.Time `json:"expires_at"`
		RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
		ConnectedAt           time.Time `json:"connected_at"`
	}
	out := make([]connection, 0, len(records))
	for _, rec := range records {
		out = append(out, connection{
			RealmID:               rec.RealmID,
			ExpiresAt:             rec.ExpiresAt,
			RefreshTokenExpiresAt: rec.RefreshTokenExpiresAt,
			ConnectedAt:           rec.CreatedAt,
		})
	}
	utils.SendJSON(w, out, http.StatusOK)
}

func (h *QuickBooksHandler) redirect(w http.ResponseWriter, r *http.Request, status, detail string) {
	v := url.Values{}
	v.Set("status", status)
	if status == "error" {
		v.Set("reason", detail)
	} else {
		v.Set("realm_id", detail)
	}
	http.Redirect(w, r, h.frontendBaseURL+"/connections?"+v.Encode(), http.StatusTemporaryRedirect)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
