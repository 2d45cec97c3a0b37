// Package botauth authenticates inbound Bot Framework requests.
//
// Authentication is a two-stage pipeline: KeyResolver looks up the signing
// key named by the token header (network, cached), then Verify checks the
// signature and claims (pure). Authenticator ties the stages together with the
// channel policy and collapses every failure into ErrUnauthorized.
package botauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is the clock skew tolerated on exp and nbf.
const DefaultLeeway = 5 * time.Minute

// VerifyOptions are the claim expectations for a bot token.
type VerifyOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// KeyID extracts the kid header without checking the signature. It also
// requires the payload to decode as a claim set.
func KeyID(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		return "", errors.New("token header has no kid")
	}
	return kid, nil
}

// Verify checks the token's RS256 signature against key and validates issuer,
// audience and expiry. Any other signing algorithm is rejected. An empty
// expected issuer or audience rejects every token: jwt skips those checks when
// the expectation is blank.
func Verify(token string, key *SigningKey, opts VerifyOptions) (jwt.MapClaims, error) {
	if key == nil || key.PublicKey == nil {
		return nil, errors.New("no verification key")
	}
	if opts.Issuer == "" || opts.Audience == "" {
		return nil, errors.New("expected issuer and audience are required")
	}

	leeway := opts.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if opts.Now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Now))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key.PublicKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}
