package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/audit"
	apperrors "github.com/syncflow/link-server/internal/errors"
	"github.com/syncflow/link-server/internal/identity"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/repository"
	"github.com/syncflow/link-server/internal/util"
)

// PresenceTTL is how long a heartbeat keeps a device marked present.
const PresenceTTL = 2 * time.Minute

type DeviceListResult struct {
	Devices     []model.Device     `json:"devices"`
	Plan        model.PlanSnapshot `json:"plan"`
	DeviceCount int                `json:"deviceCount"`
}

type DeviceService struct {
	deviceRepo repository.DeviceRepository
	state      repository.DeviceStateStore
	plans      PlanResolver
	minter     identity.Minter
	now        func() time.Time
}

func NewDeviceService(
	deviceRepo repository.DeviceRepository,
	state repository.DeviceStateStore,
	plans PlanResolver,
	minter identity.Minter,
) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		state:      state,
		plans:      plans,
		minter:     minter,
		now:        time.Now,
	}
}

func (s *DeviceService) List(ctx context.Context, accountID string) (*DeviceListResult, error) {
	devices, err := s.deviceRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if devices == nil {
		devices = []model.Device{}
	}
	for i := range devices {
		present, err := s.state.IsPresent(ctx, accountID, devices[i].DeviceID)
		if err != nil {
			log.Warn().Err(err).Str("deviceId", devices[i].DeviceID).Msg("failed to read presence")
			continue
		}
		devices[i].Present = present
	}

	plan, err := s.plans.Snapshot(ctx, accountID)
	if err != nil {
		return nil, apperrors.Internal("failed to resolve plan").WithCause(err)
	}

	return &DeviceListResult{Devices: devices, Plan: plan, DeviceCount: len(devices)}, nil
}

// Unpair removes a device and its auxiliary state. Unpairing a device that is
// already gone succeeds. A device may only unpair itself.
func (s *DeviceService) Unpair(ctx context.Context, principal model.Principal, deviceID string) error {
	if deviceID == "" {
		return apperrors.InvalidArgument("deviceId", "is required")
	}
	if !util.IsValidDeviceKey(deviceID) {
		return apperrors.InvalidArgument("deviceId", deviceKeyRule)
	}
	if principal.IsDevice() && principal.DeviceID != deviceID {
		return apperrors.Forbidden("a device may only unpair itself")
	}

	deleted, err := s.deviceRepo.Delete(ctx, principal.AccountID, deviceID)
	if err != nil {
		return apperrors.Database(err)
	}

	purged, err := s.state.Purge(ctx, principal.AccountID, deviceID)
	if err != nil {
		log.Warn().Err(err).
			Str("accountId", principal.AccountID).
			Str("deviceId", deviceID).
			Msg("failed to purge device state")
	}

	if deleted {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventDeviceUnpair,
			AccountID: principal.AccountID,
			DeviceID:  deviceID,
			Details: map[string]interface{}{
				"by":          string(principal.Kind),
				"purgedState": purged,
			},
		})
	}
	return nil
}

func (s *DeviceService) Heartbeat(ctx context.Context, principal model.Principal) error {
	if !principal.IsDevice() {
		return apperrors.Forbidden("device credential required")
	}

	now := s.now()
	if err := s.deviceRepo.TouchLastSeen(ctx, principal.AccountID, principal.DeviceID, now); err != nil {
		return apperrors.Database(err)
	}
	if err := s.state.MarkPresence(ctx, principal.AccountID, principal.DeviceID, now, PresenceTTL); err != nil {
		log.Warn().Err(err).Str("deviceId", principal.DeviceID).Msg("failed to mark presence")
	}
	return nil
}

// AuthenticateDevice verifies a device credential and requires the device to
// still be registered, so unpairing revokes outstanding credentials.
func (s *DeviceService) AuthenticateDevice(ctx context.Context, credential string) (*model.Principal, error) {
	claims, err := s.minter.Verify(credential)
	if err != nil {
		return nil, apperrors.InvalidToken("invalid device credential")
	}

	device, err := s.deviceRepo.FindByID(ctx, claims.AccountID, claims.DeviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.InvalidToken("device is no longer paired")
	}

	return &model.Principal{
		Kind:      model.PrincipalDevice,
		AccountID: claims.AccountID,
		DeviceID:  claims.DeviceID,
	}, nil
}
