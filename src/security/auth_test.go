package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "a-test-secret-that-is-long-enough-for-hs256"

func TestAccessTokenRoundTrip(t *testing.T) {
	a := NewAuthService(testSecret, time.Minute)
	token, expires, err := a.IssueAccessToken(42)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if d := time.Until(expires); d <= 0 || d > time.Minute {
		t.Errorf("unexpected expiry %v", expires)
	}
	userID, err := a.ParseAccessToken(token)
	if err != nil || userID != 42 {
		t.Fatalf("ParseAccessToken = %d, %v", userID, err)
	}

	again, _, _ := a.IssueAccessToken(42)
	if again == token {
		t.Error("two tokens for the same user must differ")
	}
}

func TestParseAccessTokenRejects(t *testing.T) {
	a := NewAuthService(testSecret, time.Minute)
	valid, _, err := a.IssueAccessToken(7)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	other, _, _ := a.IssueAccessToken(8)
	parts, otherParts := strings.Split(valid, "."), strings.Split(other, ".")
	swapped := parts[0] + "." + otherParts[1] + "." + parts[2]

	expired := NewAuthService(testSecret, time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, _ := expired.IssueAccessToken(7)

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	base := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	wrongIssuer := base
	wrongIssuer.Issuer = "someone-else"
	noExpiry := base
	noExpiry.ExpiresAt = nil
	badSubject := base
	badSubject.Subject = "alice"

	tests := []struct {
		name  string
		token string
	}{
		{"other secret", func() string {
			s, _, _ := NewAuthService("a-different-secret-that-is-long-enough-too", time.Minute).IssueAccessToken(7)
			return s
		}()},
		{"expired", old},
		{"swapped payload", swapped},
		{"none algorithm", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, base)},
		{"wrong issuer", sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer)},
		{"missing expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"non-numeric subject", sign(jwt.SigningMethodHS256, []byte(testSecret), badSubject)},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.ParseAccessToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestCheckPassword(t *testing.T) {
	a := NewAuthService(testSecret, time.Minute)
	hash, err := a.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := a.CheckPassword(hash, "correct horse"); err != nil {
		t.Errorf("matching password rejected: %v", err)
	}
	if err := a.CheckPassword(hash, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := a.CheckPassword("not-a-bcrypt-hash", "x"); err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("corrupt hash should surface as its own error, got %v", err)
	}
}

func TestNewOpaqueToken(t *testing.T) {
	a := NewAuthService(testSecret, time.Minute)
	first, err := a.NewOpaqueToken()
	if err != nil {
		t.Fatalf("NewOpaqueToken: %v", err)
	}
	second, _ := a.NewOpaqueToken()
	if first == second || len(first) != 43 || strings.ContainsAny(first, "+/=") {
		t.Errorf("unexpected tokens %q %q", first, second)
	}
}
