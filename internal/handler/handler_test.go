package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/syncflow/link-server/internal/middleware"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/service"
	"github.com/syncflow/link-server/internal/sse"
)

// fakeAuth reads "Bearer account:{acct}" or "Bearer device:{acct}:{dev}".
type fakeAuth struct{}

func (fakeAuth) guard(next http.Handler, kinds ...model.PrincipalKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parts := strings.Split(token, ":")

		var principal *model.Principal
		switch {
		case len(parts) == 2 && parts[0] == "account":
			principal = &model.Principal{Kind: model.PrincipalAccount, AccountID: parts[1]}
		case len(parts) == 3 && parts[0] == "device":
			principal = &model.Principal{Kind: model.PrincipalDevice, AccountID: parts[1], DeviceID: parts[2]}
		}

		allowed := false
		for _, kind := range kinds {
			if principal != nil && principal.Kind == kind {
				allowed = true
			}
		}
		if !allowed {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithPrincipal(r.Context(), principal)))
	})
}

func (a fakeAuth) RequireAccount(next http.Handler) http.Handler {
	return a.guard(next, model.PrincipalAccount)
}

func (a fakeAuth) RequireDevice(next http.Handler) http.Handler {
	return a.guard(next, model.PrincipalDevice)
}

func (a fakeAuth) RequireAny(next http.Handler) http.Handler {
	return a.guard(next, model.PrincipalAccount, model.PrincipalDevice)
}

func passThrough(next http.Handler) http.Handler { return next }

// Mock pairing service
type mockPairing struct {
	mock.Mock
}

func (m *mockPairing) CreateSession(ctx context.Context, params model.CreateSessionParams) (*service.CreateSessionResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CreateSessionResult), args.Error(1)
}

func (m *mockPairing) ExchangePayload(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.ExchangePayload, error) {
	args := m.Called(ctx, token, preferred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExchangePayload), args.Error(1)
}

func (m *mockPairing) Resolve(ctx context.Context, params service.ResolveParams) (*service.ResolveResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ResolveResult), args.Error(1)
}

func (m *mockPairing) GetStatus(ctx context.Context, token string, preferred model.ProtocolVersion) (*service.SessionStatusResult, error) {
	args := m.Called(ctx, token, preferred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionStatusResult), args.Error(1)
}

// Mock device service
type mockDevices struct {
	mock.Mock
}

func (m *mockDevices) List(ctx context.Context, accountID string) (*service.DeviceListResult, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DeviceListResult), args.Error(1)
}

func (m *mockDevices) Unpair(ctx context.Context, principal model.Principal, deviceID string) error {
	args := m.Called(ctx, principal, deviceID)
	return args.Error(0)
}

func (m *mockDevices) Heartbeat(ctx context.Context, principal model.Principal) error {
	args := m.Called(ctx, principal)
	return args.Error(0)
}

// fakeSubscriber hands out a single pre-built client.
type fakeSubscriber struct {
	client       *sse.Client
	topic        string
	unsubscribed bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{client: &sse.Client{
		Events: make(chan sse.Event, 4),
		Done:   make(chan struct{}),
	}}
}

func (s *fakeSubscriber) Subscribe(topic string) *sse.Client {
	s.topic = topic
	s.client.Topic = topic
	return s.client
}

func (s *fakeSubscriber) Unsubscribe(client *sse.Client) {
	s.unsubscribed = true
}
