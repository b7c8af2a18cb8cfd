package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/nuvora-ehr/pkg/config"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

// ErrMissingSecret is returned when no session signing secret is configured
var ErrMissingSecret = errors.New("session secret is not configured")

// TokenIssuer signs and validates wallet session tokens. The subject is the
// wallet address; the role is always re-resolved from the ledger.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer from the auth configuration
func NewTokenIssuer(cfg *config.AuthConfig) (*TokenIssuer, error) {
	if cfg.SessionSecret == "" {
		return nil, ErrMissingSecret
	}
	ttl := time.Duration(cfg.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret: []byte(cfg.SessionSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a session token for address
func (ti *TokenIssuer) Issue(address string) (string, time.Time, error) {
	addr, err := types.ParseAddress(address)
	if err != nil {
		return "", time.Time{}, err
	}

	now := ti.now()
	expires := now.Add(ti.ttl)
	claims := &jwt.RegisteredClaims{
		Subject:   addr.String(),
		Issuer:    ti.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate verifies a session token and returns its claims
func (ti *TokenIssuer) Validate(tokenString string) (*types.SessionClaims, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	}
	if ti.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ti.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return ti.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &types.SessionClaims{Subject: claims.Subject}, nil
}
