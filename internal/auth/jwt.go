// Package auth signs and verifies the bearer tokens attached to
// outbound power commands.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 5 * time.Minute

// Claims identifies a single command. The decision id travels as jti.
type Claims struct {
	Sink  string `json:"sink"`
	State string `json:"state"`
	jwt.RegisteredClaims
}

// Signer issues and checks HS256 command tokens for one issuer.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner validates the secret. A zero ttl uses five minutes.
func NewSigner(secret []byte, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	if issuer == "" {
		return nil, errors.New("auth: empty issuer")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Sign issues a token for sink switching to state as part of decisionID.
func (s *Signer) Sign(sink, state, decisionID string, now time.Time) (string, error) {
	if sink == "" {
		return "", errors.New("auth: empty sink")
	}
	claims := Claims{
		Sink:  sink,
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        decisionID,
			Issuer:    s.issuer,
			Subject:   sink,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature, issuer and expiry as of now.
func (s *Signer) Verify(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, errors.New("auth: empty token")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if claims.Sink == "" || claims.Subject != claims.Sink {
		return nil, errors.New("auth: sink claim mismatch")
	}
	return claims, nil
}
