package handler

import (
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/httputil"
)

// Authenticator guards routes by principal kind.
type Authenticator interface {
	RequireAccount(next http.Handler) http.Handler
	RequireDevice(next http.Handler) http.Handler
	RequireAny(next http.Handler) http.Handler
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError logs server-side failures before writing the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := httputil.StatusFromCode(apperrors.GetCode(err)); status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Msg("request failed")
	}
	httputil.WriteError(w, err)
}
