package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	bcryptCost    = 12
	tokenIssuer   = "ledgerdash"
	tokenAudience = "ledgerdash-api"
	clockLeeway   = 30 * time.Second
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired access token")
)

// AccessClaims is the body of an API access token. Subject carries the user
// id. ID is unique per token, so sessions from two logins in the same second
// stay distinct.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// UserID parses the numeric subject.
func (c *AccessClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, c.Subject)
	}
	return id, nil
}

// AuthService issues and checks the credentials of dashboard users. It knows
// nothing about QuickBooks tokens; those live in the TokenVault.
type AuthService struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewAuthService(secret string, accessTTL time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

func (a *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword returns ErrInvalidCredentials on a mismatch and any other
// bcrypt failure as is.
func (a *AuthService) CheckPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	return err
}

// IssueAccessToken signs an HS256 token for userID and returns it with its
// expiry.
func (a *AuthService) IssueAccessToken(userID int64) (string, time.Time, error) {
	if a.accessTTL <= 0 {
		return "", time.Time{}, errors.New("access token lifetime not configured")
	}
	now := a.now()
	expires := now.Add(a.accessTTL)
	claims := AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ParseAccessToken verifies signature, issuer, audience and expiry and
// returns the user id. Every rejection wraps ErrInvalidToken.
func (a *AuthService) ParseAccessToken(tokenString string) (int64, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.UserID()
}

// NewOpaqueToken returns 32 random bytes, URL-safe encoded, for session
// refresh tokens.
func (a *AuthService) NewOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
