package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the account token failed validation and the
// request should be treated as unauthenticated.
var ErrUnauthorized = errors.New("identity: unauthorized")

// AccountVerifier validates bearer tokens issued to primary accounts and
// returns the account id (the token subject).
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, token string) (string, error)
}

type AccountVerifierConfig struct {
	Secret  string
	JWKSURL string
	Issuer  string
	Leeway  time.Duration
}

type accountClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

type jwtAccountVerifier struct {
	keyfunc jwt.Keyfunc
	algs    []string
	issuer  string
	leeway  time.Duration
}

// NewAccountVerifier builds a verifier from a shared HS256 secret or, when
// JWKSURL is set, from an auto-refreshing RS256/ES256 key set.
func NewAccountVerifier(ctx context.Context, cfg AccountVerifierConfig) (AccountVerifier, error) {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	if cfg.JWKSURL != "" {
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init failed: %w", err)
		}
		return &jwtAccountVerifier{
			keyfunc: kf.Keyfunc,
			algs:    []string{"RS256", "ES256"},
			issuer:  cfg.Issuer,
			leeway:  cfg.Leeway,
		}, nil
	}

	if cfg.Secret == "" {
		return nil, errors.New("account token secret or jwks url is required")
	}
	secret := []byte(cfg.Secret)
	return &jwtAccountVerifier{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		algs:    []string{jwt.SigningMethodHS256.Alg()},
		issuer:  cfg.Issuer,
		leeway:  cfg.Leeway,
	}, nil
}

func (v *jwtAccountVerifier) VerifyAccount(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algs),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims accountClaims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, v.keyfunc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	// Device credentials also carry sub = account id; they never act as the account.
	if claims.DeviceID != "" {
		return "", fmt.Errorf("%w: device credential presented as account token", ErrUnauthorized)
	}
	return claims.Subject, nil
}
