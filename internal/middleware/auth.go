package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/audit"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/httputil"
	"github.com/syncflow/link-server/internal/identity"
	"github.com/syncflow/link-server/internal/model"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

func GetPrincipal(ctx context.Context) *model.Principal {
	if principal, ok := ctx.Value(PrincipalContextKey).(*model.Principal); ok {
		return principal
	}
	return nil
}

func WithPrincipal(ctx context.Context, principal *model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principal)
}

// DeviceAuthenticator resolves a device credential to a principal. It must
// fail for devices that are no longer paired.
type DeviceAuthenticator interface {
	AuthenticateDevice(ctx context.Context, credential string) (*model.Principal, error)
}

type AuthMiddleware struct {
	accounts identity.AccountVerifier
	devices  DeviceAuthenticator
}

func NewAuthMiddleware(accounts identity.AccountVerifier, devices DeviceAuthenticator) *AuthMiddleware {
	return &AuthMiddleware{accounts: accounts, devices: devices}
}

// RequireAccount admits only primary account bearer tokens.
func (m *AuthMiddleware) RequireAccount(next http.Handler) http.Handler {
	return m.handler(next, true, false)
}

// RequireDevice admits only device credentials of paired devices.
func (m *AuthMiddleware) RequireDevice(next http.Handler) http.Handler {
	return m.handler(next, false, true)
}

// RequireAny admits either kind; account tokens are tried first.
func (m *AuthMiddleware) RequireAny(next http.Handler) http.Handler {
	return m.handler(next, true, true)
}

func (m *AuthMiddleware) handler(next http.Handler, allowAccount, allowDevice bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("missing authentication token"))
			return
		}

		principal, err := m.authenticate(r.Context(), token, allowAccount, allowDevice)
		if err != nil {
			if apperrors.GetCode(err) == apperrors.ErrCodeDatabase {
				log.Error().Err(err).Msg("auth middleware: registry lookup failed")
			} else {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventAuthFailure,
					Details: map[string]interface{}{"path": r.URL.Path},
				})
			}
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *AuthMiddleware) authenticate(ctx context.Context, token string, allowAccount, allowDevice bool) (*model.Principal, error) {
	if allowAccount {
		accountID, err := m.accounts.VerifyAccount(ctx, token)
		if err == nil {
			return &model.Principal{Kind: model.PrincipalAccount, AccountID: accountID}, nil
		}
		if !allowDevice {
			return nil, apperrors.InvalidToken("invalid account token")
		}
	}
	return m.devices.AuthenticateDevice(ctx, token)
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
