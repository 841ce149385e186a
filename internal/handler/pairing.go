package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/syncflow/link-server/internal/audit"
	"github.com/syncflow/link-server/internal/config"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/middleware"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/service"
	"github.com/syncflow/link-server/internal/sse"
	"github.com/syncflow/link-server/internal/util"
)

const qrImageSize = 256

type PairingAPI interface {
	CreateSession(ctx context.Context, params model.CreateSessionParams) (*service.CreateSessionResult, error)
	ExchangePayload(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.ExchangePayload, error)
	Resolve(ctx context.Context, params service.ResolveParams) (*service.ResolveResult, error)
	GetStatus(ctx context.Context, token string, preferred model.ProtocolVersion) (*service.SessionStatusResult, error)
}

type EventSubscriber interface {
	Subscribe(topic string) *sse.Client
	Unsubscribe(client *sse.Client)
}

// PairingHandler serves one protocol version. The version picks the namespace
// for new sessions and the lookup preference for existing ones.
type PairingHandler struct {
	pairing PairingAPI
	events  EventSubscriber
	version model.ProtocolVersion
}

func NewPairingHandler(pairing PairingAPI, events EventSubscriber, version model.ProtocolVersion) *PairingHandler {
	return &PairingHandler{
		pairing: pairing,
		events:  events,
		version: version,
	}
}

// Routes mounts under /v{n}/pairing. createLimit guards the anonymous routes
// that allocate server state (session creation and event streams) and
// accountLimit throttles resolution per account.
func (h *PairingHandler) Routes(auth Authenticator, createLimit, accountLimit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(createLimit).Get("/sessions/{token}/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.With(createLimit).Post("/sessions", h.CreateSession)
		r.Get("/sessions/{token}", h.GetStatus)
		r.Get("/sessions/{token}/qr", h.QRCode)
		r.With(auth.RequireAccount, accountLimit).Post("/resolve", h.Resolve)
	})

	return r
}

type createSessionRequest struct {
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName"`
	DeviceType    string `json:"deviceType"`
	ClientVersion string `json:"clientVersion"`
}

// POST /v{n}/pairing/sessions
func (h *PairingHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperrors.InvalidArgument("body", "must be a JSON object"))
			return
		}
	}

	result, err := h.pairing.CreateSession(r.Context(), model.CreateSessionParams{
		Version:            h.version,
		RequestingDeviceID: req.DeviceID,
		DeviceName:         req.DeviceName,
		DeviceType:         req.DeviceType,
		ClientVersion:      req.ClientVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventSessionCreate,
		DeviceID: req.DeviceID,
		Details: map[string]interface{}{
			"protocol_version": int(h.version),
			"token":            util.MaskToken(result.Token),
		},
	})

	writeJSON(w, http.StatusCreated, result)
}

// GET /v{n}/pairing/sessions/{token}
func (h *PairingHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := h.pairing.GetStatus(r.Context(), token, h.version)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, result)
}

// GET /v{n}/pairing/sessions/{token}/qr
//
// Renders the exchange payload as a PNG, or as terminal text with ?format=text.
func (h *PairingHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	payload, err := h.pairing.ExchangePayload(r.Context(), token, h.version)
	if err != nil {
		writeError(w, r, err)
		return
	}

	encoded, err := payload.Encode()
	if err != nil {
		writeError(w, r, apperrors.Internal("failed to encode exchange payload").WithCause(err))
		return
	}

	qr, err := qrcode.New(encoded, qrcode.Medium)
	if err != nil {
		writeError(w, r, apperrors.Internal("failed to render QR code").WithCause(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, qr.ToSmallString(false))
		return
	}

	png, err := qr.PNG(qrImageSize)
	if err != nil {
		writeError(w, r, apperrors.Internal("failed to render QR code").WithCause(err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type resolveRequest struct {
	Token            string `json:"token"`
	Approve          *bool  `json:"approve"`
	ExistingDeviceID string `json:"existingDeviceId"`
}

// POST /v{n}/pairing/resolve
func (h *PairingHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil || principal.IsDevice() {
		writeError(w, r, apperrors.Unauthorized("account token required"))
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.InvalidArgument("body", "must be a JSON object"))
		return
	}
	if req.Token == "" {
		writeError(w, r, apperrors.MissingRequired("token"))
		return
	}
	if req.Approve == nil {
		writeError(w, r, apperrors.MissingRequired("approve"))
		return
	}

	result, err := h.pairing.Resolve(r.Context(), service.ResolveParams{
		AccountID:        principal.AccountID,
		Token:            req.Token,
		Approve:          *req.Approve,
		ExistingDeviceID: req.ExistingDeviceID,
		PreferredVersion: h.version,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v{n}/pairing/sessions/{token}/events
//
// Streams status changes for one session until it is resolved or the client
// goes away. Events never carry the credential; the client polls for it.
func (h *PairingHandler) Events(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !util.IsValidSessionToken(token) {
		writeError(w, r, apperrors.NotFound("pairing session"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperrors.Internal("streaming not supported"))
		return
	}

	// Only pending sessions can still change, so only they get a stream.
	if _, err := h.pairing.ExchangePayload(r.Context(), token, h.version); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.events.Subscribe(service.Topic(token))
	defer h.events.Unsubscribe(client)

	log.Debug().Str("token", util.MaskToken(token)).Msg("pairing event stream opened")

	ctx := r.Context()

	if err := sendEvent(w, flusher, "connected", map[string]any{
		"protocolVersion": int(h.version),
		"at":              time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-client.Done:
			return

		case event := <-client.Events:
			if err := sendRawEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Msg("failed to send pairing event")
				return
			}
			if event.Type == service.EventPairingStatus {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
