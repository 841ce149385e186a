package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/service"
	"github.com/syncflow/link-server/internal/sse"
)

const testToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newPairingRouter(pairing *mockPairing, events EventSubscriber, version model.ProtocolVersion) http.Handler {
	h := NewPairingHandler(pairing, events, version)
	return h.Routes(fakeAuth{}, passThrough, passThrough)
}

func TestPairingHandler_CreateSession(t *testing.T) {
	t.Run("creates session in handler namespace", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("CreateSession", mock.Anything, model.CreateSessionParams{
			Version:            model.ProtocolV2,
			RequestingDeviceID: "mac_0123456789abcdef",
			DeviceName:         "Studio",
		}).Return(&service.CreateSessionResult{
			Token:           testToken,
			ProtocolVersion: model.ProtocolV2,
			ExpiresAt:       1_700_000_900_000,
			ExpiresIn:       900,
			ExchangePayload: "eyJ9",
		}, nil)

		body := `{"deviceId":"mac_0123456789abcdef","deviceName":"Studio"}`
		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, testToken, resp["token"])
		assert.Equal(t, float64(900), resp["expiresIn"])
		assert.Equal(t, "eyJ9", resp["exchangePayload"])
		pairing.AssertExpectations(t)
	})

	t.Run("v1 accepts empty body", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("CreateSession", mock.Anything, model.CreateSessionParams{Version: model.ProtocolV1}).
			Return(&service.CreateSessionResult{Token: testToken, ProtocolVersion: model.ProtocolV1}, nil)

		req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV1).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("maps validation errors", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("CreateSession", mock.Anything, mock.Anything).
			Return(nil, apperrors.InvalidArgument("deviceId", "must match {platform}_{16 lowercase hex}"))

		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"deviceId":"bad"}`))
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), string(apperrors.ErrCodeInvalidArgument))
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		pairing := new(mockPairing)

		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{`))
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		pairing.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
	})
}

func TestPairingHandler_GetStatus(t *testing.T) {
	t.Run("returns approved status with credential", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("GetStatus", mock.Anything, testToken, model.ProtocolV2).Return(&service.SessionStatusResult{
			Status:     model.SessionStatusApproved,
			AccountID:  "U1",
			DeviceID:   "mac_0123456789abcdef",
			Credential: "jwt",
		}, nil)

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken, nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "approved", resp["status"])
		assert.Equal(t, "jwt", resp["credential"])
	})

	t.Run("unknown session reads as expired", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("GetStatus", mock.Anything, "nope", model.ProtocolV1).
			Return(&service.SessionStatusResult{Status: model.SessionStatusExpired}, nil)

		req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV1).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"expired"`)
	})

	t.Run("store failure is a server error", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("GetStatus", mock.Anything, testToken, model.ProtocolV2).
			Return(nil, apperrors.Internal("failed to read pairing session"))

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken, nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestPairingHandler_QRCode(t *testing.T) {
	payload := &model.ExchangePayload{
		ProtocolVersion: model.ProtocolV2,
		Token:           testToken,
		Device:          model.ExchangeDevice{ID: "mac_0123456789abcdef", Name: "Studio", Type: "mac"},
		ExpiresAt:       1_700_000_900_000,
	}

	t.Run("renders png", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("ExchangePayload", mock.Anything, testToken, model.ProtocolV2).Return(payload, nil)

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/qr", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
	})

	t.Run("renders text", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("ExchangePayload", mock.Anything, testToken, model.ProtocolV2).Return(payload, nil)

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/qr?format=text", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
		assert.NotEmpty(t, rec.Body.String())
	})

	t.Run("resolved session has no qr", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("ExchangePayload", mock.Anything, testToken, model.ProtocolV2).
			Return(nil, apperrors.NotFound("pairing session"))

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/qr", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPairingHandler_Resolve(t *testing.T) {
	send := func(router http.Handler, auth, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/resolve", strings.NewReader(body))
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("approves with account principal", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("Resolve", mock.Anything, service.ResolveParams{
			AccountID:        "U1",
			Token:            testToken,
			Approve:          true,
			ExistingDeviceID: "legacy-device",
			PreferredVersion: model.ProtocolV1,
		}).Return(&service.ResolveResult{
			Outcome:  model.OutcomeApproved,
			Status:   model.SessionStatusApproved,
			DeviceID: "legacy-device",
		}, nil)

		router := newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV1)
		rec := send(router, "account:U1", `{"token":"`+testToken+`","approve":true,"existingDeviceId":"legacy-device"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"outcome":"approved"`)
		pairing.AssertExpectations(t)
	})

	t.Run("device limit is a normal response", func(t *testing.T) {
		pairing := new(mockPairing)
		pairing.On("Resolve", mock.Anything, mock.Anything).Return(&service.ResolveResult{
			Outcome:         model.OutcomeDeviceLimit,
			Status:          model.SessionStatusPending,
			DeviceCount:     3,
			DeviceLimit:     3,
			UpgradeRequired: true,
		}, nil)

		router := newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2)
		rec := send(router, "account:U1", `{"token":"`+testToken+`","approve":true}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "device_limit", resp["outcome"])
		assert.Equal(t, true, resp["upgradeRequired"])
	})

	t.Run("maps resolution errors", func(t *testing.T) {
		cases := []struct {
			name   string
			err    error
			status int
		}{
			{"not found", apperrors.NotFound("pairing session"), http.StatusNotFound},
			{"already resolved", apperrors.AlreadyResolved(), http.StatusConflict},
			{"expired", apperrors.SessionExpired(), http.StatusGone},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				pairing := new(mockPairing)
				pairing.On("Resolve", mock.Anything, mock.Anything).Return(nil, tc.err)

				router := newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2)
				rec := send(router, "account:U1", `{"token":"`+testToken+`","approve":false}`)

				assert.Equal(t, tc.status, rec.Code)
			})
		}
	})

	t.Run("requires approve flag", func(t *testing.T) {
		pairing := new(mockPairing)
		router := newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2)

		rec := send(router, "account:U1", `{"token":"`+testToken+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), string(apperrors.ErrCodeMissingRequired))
	})

	t.Run("device credential cannot resolve", func(t *testing.T) {
		pairing := new(mockPairing)
		router := newPairingRouter(pairing, newFakeSubscriber(), model.ProtocolV2)

		rec := send(router, "device:U1:mac_0123456789abcdef", `{"token":"`+testToken+`","approve":true}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		pairing.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
	})
}

func TestPairingHandler_Events(t *testing.T) {
	t.Run("streams until the session is resolved", func(t *testing.T) {
		subscriber := newFakeSubscriber()
		subscriber.client.Events <- sse.Event{
			Type: service.EventPairingStatus,
			Data: json.RawMessage(`{"status":"approved","accountId":"U1"}`),
		}

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/events", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(livePairing(), subscriber, model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, service.Topic(testToken), subscriber.topic)
		assert.True(t, subscriber.unsubscribed)

		body := rec.Body.String()
		assert.Contains(t, body, "event: connected\n")
		assert.Contains(t, body, "event: pairing_status\n")
		assert.Contains(t, body, `"status":"approved"`)
		assert.NotContains(t, body, testToken)
	})

	t.Run("ends when the broker closes", func(t *testing.T) {
		subscriber := newFakeSubscriber()
		close(subscriber.client.Done)

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/events", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(livePairing(), subscriber, model.ProtocolV2).ServeHTTP(rec, req)

		assert.Contains(t, rec.Body.String(), "event: connected\n")
		assert.True(t, subscriber.unsubscribed)
	})

	t.Run("no stream without a live session", func(t *testing.T) {
		subscriber := newFakeSubscriber()
		pairing := new(mockPairing)
		pairing.On("ExchangePayload", mock.Anything, testToken, model.ProtocolV2).
			Return(nil, apperrors.NotFound("pairing session"))

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/events", nil)
		rec := httptest.NewRecorder()
		newPairingRouter(pairing, subscriber, model.ProtocolV2).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, subscriber.topic, "nothing subscribed")
		assert.False(t, subscriber.unsubscribed)
	})

	t.Run("is behind the anonymous rate limit", func(t *testing.T) {
		subscriber := newFakeSubscriber()
		pairing := new(mockPairing)
		limited := func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			})
		}

		req := httptest.NewRequest(http.MethodGet, "/sessions/"+testToken+"/events", nil)
		rec := httptest.NewRecorder()
		NewPairingHandler(pairing, subscriber, model.ProtocolV2).
			Routes(fakeAuth{}, limited, passThrough).
			ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Empty(t, subscriber.topic)
		pairing.AssertNotCalled(t, "ExchangePayload", mock.Anything, mock.Anything, mock.Anything)
	})
}

// livePairing reports testToken as a pending v2 session.
func livePairing() *mockPairing {
	pairing := new(mockPairing)
	pairing.On("ExchangePayload", mock.Anything, testToken, model.ProtocolV2).
		Return(&model.ExchangePayload{Token: testToken}, nil)
	return pairing
}

func TestSendRawEvent(t *testing.T) {
	rec := httptest.NewRecorder()

	err := sendRawEvent(rec, rec, sse.Event{
		Type: "pairing_status",
		Data: json.RawMessage(`{"status":"rejected"}`),
	})

	assert.NoError(t, err)
	assert.Equal(t, "event: pairing_status\ndata: {\"status\":\"rejected\"}\n\n", rec.Body.String())
}

func TestPairingHandler_EventsRejectsMalformedToken(t *testing.T) {
	subscriber := newFakeSubscriber()

	req := httptest.NewRequest(http.MethodGet, "/sessions/not-a-token/events", nil)
	rec := httptest.NewRecorder()
	newPairingRouter(new(mockPairing), subscriber, model.ProtocolV2).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, subscriber.topic)
}
