package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/audit"
	"github.com/syncflow/link-server/internal/config"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/identity"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/repository"
	"github.com/syncflow/link-server/internal/sse"
	"github.com/syncflow/link-server/internal/util"
)

const (
	maxDisplayNameLen   = 64
	maxDeviceTypeLen    = 32
	maxClientVersionLen = 32
	createAttempts      = 2

	EventPairingStatus = "pairing_status"

	deviceKeyRule = "must be 1-128 characters of letters, digits, '.', '_' or '-'"
)

// EventPublisher delivers session status changes to stream subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event sse.Event) error
}

type CreateSessionResult struct {
	Token           string                `json:"token"`
	ProtocolVersion model.ProtocolVersion `json:"protocolVersion"`
	ExpiresAt       int64                 `json:"expiresAt"`
	ExpiresIn       int                   `json:"expiresIn"`
	ExchangePayload string                `json:"exchangePayload"`
}

type ResolveParams struct {
	AccountID        string
	Token            string
	Approve          bool
	ExistingDeviceID string
	PreferredVersion model.ProtocolVersion
}

// ResolveResult is the non-error outcome of Resolve. A device_limit outcome
// carries the count, the limit and whether upgrading would help.
type ResolveResult struct {
	Outcome         model.ResolveOutcome `json:"outcome"`
	Status          model.SessionStatus  `json:"status"`
	DeviceID        string               `json:"deviceId,omitempty"`
	DeviceCount     int                  `json:"deviceCount,omitempty"`
	DeviceLimit     int                  `json:"deviceLimit,omitempty"`
	UpgradeRequired bool                 `json:"upgradeRequired,omitempty"`
}

type SessionStatusResult struct {
	Status             model.SessionStatus `json:"status"`
	ExpiresAt          int64               `json:"expiresAt,omitempty"`
	AccountID          string              `json:"accountId,omitempty"`
	DeviceID           string              `json:"deviceId,omitempty"`
	Credential         string              `json:"credential,omitempty"`
	CredentialConsumed bool                `json:"credentialConsumed,omitempty"`
}

type statusEvent struct {
	Status    model.SessionStatus `json:"status"`
	AccountID string              `json:"accountId,omitempty"`
	DeviceID  string              `json:"deviceId,omitempty"`
	At        int64               `json:"at"`
}

// PairingService owns the pairing session lifecycle for both protocol
// versions. Only TTL, device id resolution and storage namespace depend on
// the session's version.
type PairingService struct {
	sessionRepo   repository.SessionRepository
	vault         repository.CredentialVault
	deletionQueue repository.DeletionQueue
	deviceRepo    repository.DeviceRepository
	plans         PlanResolver
	minter        identity.Minter
	events        EventPublisher
	now           func() time.Time
	newToken      func() (string, error)
}

func NewPairingService(
	sessionRepo repository.SessionRepository,
	vault repository.CredentialVault,
	deletionQueue repository.DeletionQueue,
	deviceRepo repository.DeviceRepository,
	plans PlanResolver,
	minter identity.Minter,
	events EventPublisher,
) *PairingService {
	return &PairingService{
		sessionRepo:   sessionRepo,
		vault:         vault,
		deletionQueue: deletionQueue,
		deviceRepo:    deviceRepo,
		plans:         plans,
		minter:        minter,
		events:        events,
		now:           time.Now,
		newToken:      util.GenerateToken,
	}
}

func (s *PairingService) CreateSession(ctx context.Context, params model.CreateSessionParams) (*CreateSessionResult, error) {
	if !params.Version.Valid() {
		return nil, apperrors.InvalidArgument("protocolVersion", "must be 1 or 2")
	}

	deviceID := params.RequestingDeviceID
	switch params.Version {
	case model.ProtocolV2:
		if !util.IsValidDeviceID(deviceID) {
			return nil, apperrors.InvalidArgument("deviceId", "must match {platform}_{16 lowercase hex}")
		}
	case model.ProtocolV1:
		if deviceID != "" && !util.IsValidDeviceKey(deviceID) {
			return nil, apperrors.InvalidArgument("deviceId", deviceKeyRule)
		}
	}

	deviceType := util.TrimTo(params.DeviceType, maxDeviceTypeLen)
	if deviceType == "" {
		deviceType = util.DevicePlatform(deviceID)
	}

	now := s.now()
	ttl := params.Version.TTL()
	record := &model.SessionRecord{
		Version:            params.Version,
		RequestingDeviceID: deviceID,
		DeviceName:         util.TrimTo(params.DeviceName, maxDisplayNameLen),
		DeviceType:         deviceType,
		ClientVersion:      util.TrimTo(params.ClientVersion, maxClientVersionLen),
		Status:             model.SessionStatusPending,
		CreatedAt:          now.UnixMilli(),
		ExpiresAt:          now.Add(ttl).UnixMilli(),
	}

	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		record.Token, err = s.newToken()
		if err != nil {
			return nil, apperrors.Internal("failed to generate session token").WithCause(err)
		}
		err = s.sessionRepo.Create(ctx, record)
		if !errors.Is(err, repository.ErrSessionExists) {
			break
		}
		log.Warn().Str("token", util.MaskToken(record.Token)).Msg("session token collision, retrying")
	}
	if err != nil {
		return nil, apperrors.Internal("failed to create pairing session").WithCause(err)
	}

	payload, err := model.NewExchangePayload(record).Encode()
	if err != nil {
		return nil, apperrors.Internal("failed to encode exchange payload").WithCause(err)
	}

	log.Info().
		Int("protocolVersion", int(record.Version)).
		Str("token", util.MaskToken(record.Token)).
		Str("deviceId", record.RequestingDeviceID).
		Int64("expiresAt", record.ExpiresAt).
		Msg("pairing session created")

	return &CreateSessionResult{
		Token:           record.Token,
		ProtocolVersion: record.Version,
		ExpiresAt:       record.ExpiresAt,
		ExpiresIn:       int(ttl.Seconds()),
		ExchangePayload: payload,
	}, nil
}

// ExchangePayload returns the out-of-band bundle for a pending session.
func (s *PairingService) ExchangePayload(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.ExchangePayload, error) {
	record, err := s.sessionRepo.Find(ctx, token, preferred)
	if err != nil {
		if errors.Is(err, model.ErrMalformedRecord) {
			return nil, apperrors.NotFound("pairing session")
		}
		return nil, apperrors.Internal("failed to read pairing session").WithCause(err)
	}
	if record == nil || record.Status != model.SessionStatusPending || record.IsExpiredAt(s.now()) {
		return nil, apperrors.NotFound("pairing session")
	}
	payload := model.NewExchangePayload(record)
	return &payload, nil
}

// Resolve approves or rejects a pending session on behalf of a primary account.
func (s *PairingService) Resolve(ctx context.Context, params ResolveParams) (*ResolveResult, error) {
	if params.Token == "" {
		return nil, apperrors.InvalidArgument("token", "is required")
	}
	if params.AccountID == "" {
		return nil, apperrors.Unauthorized("account required")
	}
	if !params.PreferredVersion.Valid() {
		params.PreferredVersion = model.ProtocolV2
	}

	record, err := s.sessionRepo.Find(ctx, params.Token, params.PreferredVersion)
	if err != nil {
		return nil, apperrors.Internal("failed to read pairing session").WithCause(err)
	}
	if record == nil {
		return nil, apperrors.NotFound("pairing session")
	}
	if record.Status != model.SessionStatusPending {
		return nil, apperrors.AlreadyResolved()
	}

	now := s.now()
	if record.IsExpiredAt(now) {
		return nil, s.expire(ctx, record, now)
	}

	if !params.Approve {
		return s.reject(ctx, record, params.AccountID, now)
	}
	return s.approve(ctx, record, params, now)
}

func (s *PairingService) expire(ctx context.Context, record *model.SessionRecord, now time.Time) error {
	ok, err := s.sessionRepo.Transition(ctx, record.Version, record.Token, model.Transition{
		Status:     model.SessionStatusExpired,
		ResolvedAt: now.UnixMilli(),
	})
	if err := transitionError(ok, err); err != nil {
		return err
	}

	s.publish(ctx, record.Token, statusEvent{Status: model.SessionStatusExpired, At: now.UnixMilli()})
	audit.Log(ctx, audit.Event{
		Type:    audit.EventSessionExpire,
		Details: map[string]interface{}{"token": util.MaskToken(record.Token)},
	})
	return apperrors.SessionExpired()
}

func (s *PairingService) reject(ctx context.Context, record *model.SessionRecord, accountID string, now time.Time) (*ResolveResult, error) {
	deleteAt := now.Add(config.ResolvedSessionGrace)
	ok, err := s.sessionRepo.Transition(ctx, record.Version, record.Token, model.Transition{
		Status:      model.SessionStatusRejected,
		ResolvedBy:  accountID,
		ResolvedAt:  now.UnixMilli(),
		DeleteAfter: deleteAt.UnixMilli(),
	})
	if err := transitionError(ok, err); err != nil {
		return nil, err
	}

	s.scheduleDeletion(ctx, record, deleteAt)
	s.publish(ctx, record.Token, statusEvent{Status: model.SessionStatusRejected, AccountID: accountID, At: now.UnixMilli()})
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionReject,
		AccountID: accountID,
		DeviceID:  record.RequestingDeviceID,
		Details:   map[string]interface{}{"token": util.MaskToken(record.Token)},
	})

	return &ResolveResult{Outcome: model.OutcomeRejected, Status: model.SessionStatusRejected}, nil
}

func (s *PairingService) approve(ctx context.Context, record *model.SessionRecord, params ResolveParams, now time.Time) (*ResolveResult, error) {
	deviceID := resolveDeviceID(record, params.ExistingDeviceID)
	if !util.IsValidDeviceKey(deviceID) {
		return nil, apperrors.InvalidArgument("existingDeviceId", deviceKeyRule)
	}

	existing, err := s.deviceRepo.FindByID(ctx, params.AccountID, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	// Count-then-act is best effort. Two new devices approved concurrently at
	// the limit may both pass.
	if existing == nil {
		limited, err := s.checkDeviceLimit(ctx, params.AccountID, deviceID)
		if err != nil || limited != nil {
			return limited, err
		}
	}

	credential, err := s.minter.Mint(identity.MintParams{
		AccountID:       params.AccountID,
		DeviceID:        deviceID,
		DeviceType:      record.DeviceType,
		ProtocolVersion: record.Version,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to mint credential").WithCause(err)
	}

	ref, err := s.vault.Put(ctx, credential, config.TerminalSessionRetention)
	if err != nil {
		return nil, apperrors.Internal("failed to store credential").WithCause(err)
	}

	platform := record.DeviceType
	if platform == "" {
		platform = util.DevicePlatform(deviceID)
	}
	if _, err := s.deviceRepo.Upsert(ctx, model.UpsertDeviceParams{
		AccountID:       params.AccountID,
		DeviceID:        deviceID,
		DisplayName:     record.DeviceName,
		Platform:        platform,
		ProtocolVersion: record.Version,
		SeenAt:          now,
	}); err != nil {
		s.discardCredential(ctx, ref)
		return nil, apperrors.Database(err)
	}

	deleteAt := now.Add(config.ResolvedSessionGrace)
	ok, err := s.sessionRepo.Transition(ctx, record.Version, record.Token, model.Transition{
		Status:        model.SessionStatusApproved,
		ResolvedBy:    params.AccountID,
		ResolvedAt:    now.UnixMilli(),
		BoundDeviceID: deviceID,
		CredentialRef: ref,
		DeleteAfter:   deleteAt.UnixMilli(),
	})
	if err := transitionError(ok, err); err != nil {
		s.discardCredential(ctx, ref)
		return nil, err
	}

	s.scheduleDeletion(ctx, record, deleteAt)
	s.publish(ctx, record.Token, statusEvent{
		Status:    model.SessionStatusApproved,
		AccountID: params.AccountID,
		DeviceID:  deviceID,
		At:        now.UnixMilli(),
	})
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionApprove,
		AccountID: params.AccountID,
		DeviceID:  deviceID,
		Details: map[string]interface{}{
			"token":           util.MaskToken(record.Token),
			"protocolVersion": int(record.Version),
			"repair":          existing != nil,
		},
	})

	return &ResolveResult{
		Outcome:  model.OutcomeApproved,
		Status:   model.SessionStatusApproved,
		DeviceID: deviceID,
	}, nil
}

// checkDeviceLimit returns a device_limit result when the account cannot take
// another device. A cached plan is only trusted when it allows the device.
func (s *PairingService) checkDeviceLimit(ctx context.Context, accountID, deviceID string) (*ResolveResult, error) {
	count, err := s.deviceRepo.CountByAccountID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	plan, err := s.plans.Snapshot(ctx, accountID)
	if err != nil {
		return nil, apperrors.Internal("failed to resolve plan").WithCause(err)
	}
	if !plan.AllowsAnother(count) {
		plan, err = s.plans.Refresh(ctx, accountID)
		if err != nil {
			return nil, apperrors.Internal("failed to resolve plan").WithCause(err)
		}
	}
	if plan.AllowsAnother(count) {
		return nil, nil
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventDeviceLimit,
		AccountID: accountID,
		DeviceID:  deviceID,
		Details:   map[string]interface{}{"deviceCount": count, "deviceLimit": plan.DeviceLimit},
	})

	return &ResolveResult{
		Outcome:         model.OutcomeDeviceLimit,
		Status:          model.SessionStatusPending,
		DeviceCount:     count,
		DeviceLimit:     plan.DeviceLimit,
		UpgradeRequired: !plan.Plan.Paid(),
	}, nil
}

// resolveDeviceID picks the device id a v1 or v2 session pairs. v2 sessions
// always carry their own. v1 prefers a caller-supplied known id and falls
// back to a freshly generated one.
func resolveDeviceID(record *model.SessionRecord, existingDeviceID string) string {
	if record.Version == model.ProtocolV2 {
		return record.RequestingDeviceID
	}
	if existingDeviceID != "" {
		return existingDeviceID
	}
	if record.RequestingDeviceID != "" {
		return record.RequestingDeviceID
	}
	return uuid.NewString()
}

func transitionError(ok bool, err error) error {
	if errors.Is(err, repository.ErrSessionNotFound) {
		return apperrors.NotFound("pairing session")
	}
	if err != nil {
		return apperrors.Internal("failed to update pairing session").WithCause(err)
	}
	if !ok {
		return apperrors.AlreadyResolved()
	}
	return nil
}

func (s *PairingService) scheduleDeletion(ctx context.Context, record *model.SessionRecord, at time.Time) {
	if err := s.deletionQueue.Schedule(ctx, record.Version, record.Token, at); err != nil {
		log.Warn().Err(err).
			Str("token", util.MaskToken(record.Token)).
			Msg("failed to schedule session deletion, reaper will reclaim it")
	}
}

func (s *PairingService) discardCredential(ctx context.Context, ref string) {
	if err := s.vault.Discard(ctx, ref); err != nil {
		log.Warn().Err(err).Msg("failed to discard unused credential")
	}
}

func (s *PairingService) publish(ctx context.Context, token string, payload statusEvent) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("marshal pairing event")
		return
	}
	if err := s.events.Publish(ctx, util.HashToken(token), sse.Event{Type: EventPairingStatus, Data: data}); err != nil {
		log.Warn().Err(err).Msg("failed to publish pairing event")
	}
}

// GetStatus reports a session's state to the polling secondary device. An
// unknown, malformed or lapsed session reads as expired. An approved session
// hands out its credential exactly once.
func (s *PairingService) GetStatus(ctx context.Context, token string, preferred model.ProtocolVersion) (*SessionStatusResult, error) {
	expired := &SessionStatusResult{Status: model.SessionStatusExpired}
	if token == "" {
		return expired, nil
	}

	record, err := s.sessionRepo.Find(ctx, token, preferred)
	if errors.Is(err, model.ErrMalformedRecord) {
		log.Warn().Err(err).Str("token", util.MaskToken(token)).Msg("malformed pairing session")
		return expired, nil
	}
	if err != nil {
		return nil, apperrors.Internal("failed to read pairing session").WithCause(err)
	}
	if record == nil || record.IsExpiredAt(s.now()) {
		return expired, nil
	}

	result := &SessionStatusResult{Status: record.Status, ExpiresAt: record.ExpiresAt}
	if record.Status != model.SessionStatusApproved {
		return result, nil
	}

	result.AccountID = record.ApprovedBy
	result.DeviceID = record.DeviceID()

	credential, err := s.vault.Take(ctx, record.CredentialRef)
	if err != nil {
		return nil, apperrors.Internal("failed to read credential").WithCause(err)
	}
	if credential == "" {
		result.CredentialConsumed = true
		return result, nil
	}
	result.Credential = credential

	log.Info().
		Str("token", util.MaskToken(token)).
		Str("accountId", record.ApprovedBy).
		Str("deviceId", result.DeviceID).
		Msg("credential delivered")

	return result, nil
}

// Topic returns the event stream topic for a session token.
func Topic(token string) string {
	return util.HashToken(token)
}
