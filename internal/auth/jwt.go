package auth

import (
	"errors"
	"fmt"
	"time"

	"teletherapy-calls/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clockSkew is tolerated on exp and iat.
const clockSkew = 30 * time.Second

var (
	ErrTokenType    = errors.New("auth: unexpected token type")
	ErrMissingClaim = errors.New("auth: required claim missing")
)

// Manager signs and verifies HS256 session tokens for call parties.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssuePair signs an access token and a refresh token for one party.
// Both carry role and display name so a refresh can reissue the same identity
// without a user store.
func (m *Manager) IssuePair(now time.Time, userID, role, name string) (TokenPair, error) {
	if userID == "" || role == "" {
		return TokenPair{}, fmt.Errorf("%w: user_id and role", ErrMissingClaim)
	}
	id := Claims{UserID: userID, Role: role, Name: name}

	access, err := m.sign(now, id, TokenTypeAccess, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, id, TokenTypeRefresh, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new pair with the same identity.
func (m *Manager) Refresh(refreshToken string, now time.Time) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return m.IssuePair(now, claims.UserID, claims.Role, claims.Name)
}

// Verify checks signature, algorithm, exp and iat as of now, issuer and
// audience when configured, and the token type.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	switch {
	case claims.TokenType != expected:
		return Claims{}, fmt.Errorf("%w: got %q, want %q", ErrTokenType, claims.TokenType, expected)
	case claims.UserID == "":
		return Claims{}, fmt.Errorf("%w: user_id", ErrMissingClaim)
	case claims.Role == "":
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, id Claims, typ TokenType, ttl time.Duration) (string, error) {
	id.TokenType = typ
	id.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   id.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if m.audience != "" {
		id.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, id).SignedString(m.secret)
}
