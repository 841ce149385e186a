package repository

import (
	"context"
	"time"

	"github.com/syncflow/link-server/internal/database"
	"github.com/syncflow/link-server/internal/model"
)

// DeviceRepository is the per-account device registry. Writes come only from
// pairing approval, heartbeat and unpair.
type DeviceRepository interface {
	ListByAccountID(ctx context.Context, accountID string) ([]model.Device, error)
	FindByID(ctx context.Context, accountID, deviceID string) (*model.Device, error)
	CountByAccountID(ctx context.Context, accountID string) (int, error)
	Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error)
	TouchLastSeen(ctx context.Context, accountID, deviceID string, at time.Time) error
	Delete(ctx context.Context, accountID, deviceID string) (bool, error)
}

type deviceRepo struct {
	db database.DBTX
}

func NewDeviceRepository(db database.DBTX) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.Device, error) {
	var devices []model.Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT * FROM devices
		WHERE account_id = $1
		ORDER BY paired_at ASC
	`, accountID)
	return devices, err
}

func (r *deviceRepo) FindByID(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE account_id = $1 AND device_id = $2
	`, accountID, deviceID)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) CountByAccountID(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM devices WHERE account_id = $1
	`, accountID)
	return count, err
}

// Upsert creates the device or refreshes it in place when re-pairing.
// paired_at is kept from the first pairing.
func (r *deviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (account_id, device_id, display_name, platform, protocol_version, paired_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (account_id, device_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			platform = EXCLUDED.platform,
			protocol_version = EXCLUDED.protocol_version,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING *
	`, params.AccountID, params.DeviceID, params.DisplayName, params.Platform, params.ProtocolVersion, params.SeenAt)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, accountID, deviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = $3
		WHERE account_id = $1 AND device_id = $2
	`, accountID, deviceID, at)
	return err
}

func (r *deviceRepo) Delete(ctx context.Context, accountID, deviceID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM devices WHERE account_id = $1 AND device_id = $2
	`, accountID, deviceID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
