// Package crypto issues and verifies the session tokens accepted by the
// embedded directory backend.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// Issuer is stamped into every token and required on verification.
	Issuer = "relay"

	// SigningKeySize is the HS256 key length derived from a secret.
	SigningKeySize = 32

	minSecretLength = 16
)

var (
	ErrInvalidToken = errors.New("crypto: invalid token")
	ErrExpiredToken = errors.New("crypto: token expired")
	ErrShortSecret  = fmt.Errorf("crypto: secret must be at least %d characters", minSecretLength)
)

// GenerateSecret returns a random hex secret suitable for token_secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeriveSigningKey stretches a configured secret into a fixed-size HS256
// key. The same secret always yields the same key.
func DeriveSigningKey(secret string) ([]byte, error) {
	if len(secret) < minSecretLength {
		return nil, ErrShortSecret
	}
	key := make([]byte, SigningKeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("relay session token v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

// Claims carried by a session token. The subject is the account id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AccountID parses the subject.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// TokenManager signs and verifies HS256 session tokens.
type TokenManager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenManager derives the signing key from secret. A zero ttl issues
// tokens that never expire.
func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	key, err := DeriveSigningKey(secret)
	if err != nil {
		return nil, err
	}
	return &TokenManager{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for the account.
func (m *TokenManager) Issue(accountID int64, username string) (string, error) {
	now := m.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   strconv.FormatInt(accountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and validity window.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.key, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, err
	}
	return claims, nil
}
