// Package auth verifies the bearer tokens presented by chat clients and
// admin callers.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims carried by a chat token. ExpireTime is unix milliseconds; zero
// means the token does not expire.
type Claims struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
	ExpireTime int64  `json:"expire_time,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens returns a verifier keyed by secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Issue mints a token for userID. ttl <= 0 issues a token without expiry.
func (t *Tokens) Issue(userID int64, username string, ttl time.Duration) (string, error) {
	c := Claims{UserID: userID, Username: username}
	now := t.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		c.ExpireTime = now.Add(ttl).UnixMilli()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Verify checks the signature and expiry of raw and returns its claims.
func (t *Tokens) Verify(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.ExpireTime != 0 && t.now().UnixMilli() >= c.ExpireTime {
		return Claims{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if c.UserID <= 0 {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return c, nil
}

// UserID verifies raw and resolves the user it was issued for.
func (t *Tokens) UserID(raw string) (int64, error) {
	c, err := t.Verify(raw)
	if err != nil {
		return 0, err
	}
	return c.UserID, nil
}
