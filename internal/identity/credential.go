package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncflow/link-server/internal/model"
)

// ErrInvalidCredential is returned for any device credential that fails
// signature, issuer, expiry or claim checks.
var ErrInvalidCredential = errors.New("identity: invalid device credential")

// DeviceClaims bind a credential to exactly one account and one device.
type DeviceClaims struct {
	AccountID       string                `json:"account_id"`
	DeviceID        string                `json:"device_id"`
	DeviceType      string                `json:"device_type,omitempty"`
	ProtocolVersion model.ProtocolVersion `json:"protocol_version"`
	jwt.RegisteredClaims
}

type MintParams struct {
	AccountID       string
	DeviceID        string
	DeviceType      string
	ProtocolVersion model.ProtocolVersion
}

// Minter issues and checks device credentials.
type Minter interface {
	Mint(params MintParams) (string, error)
	Verify(credential string) (*DeviceClaims, error)
}

type JWTMinter struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewJWTMinter(signingKey, issuer string, ttl time.Duration) *JWTMinter {
	return &JWTMinter{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Mint signs an HS256 credential whose subject is the account id.
func (m *JWTMinter) Mint(params MintParams) (string, error) {
	if params.AccountID == "" || params.DeviceID == "" {
		return "", fmt.Errorf("mint credential: account and device id are required")
	}
	if !params.ProtocolVersion.Valid() {
		return "", fmt.Errorf("mint credential: invalid protocol version %d", params.ProtocolVersion)
	}

	now := m.now()
	claims := DeviceClaims{
		AccountID:       params.AccountID,
		DeviceID:        params.DeviceID,
		DeviceType:      params.DeviceType,
		ProtocolVersion: params.ProtocolVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   params.AccountID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

func (m *JWTMinter) Verify(credential string) (*DeviceClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	var claims DeviceClaims
	_, err := parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.AccountID == "" || claims.DeviceID == "" || claims.Subject != claims.AccountID {
		return nil, ErrInvalidCredential
	}
	return &claims, nil
}
