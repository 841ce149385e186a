package repository

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeviceStateStore holds ephemeral per-device state such as presence. All of
// it is removed when the device is unpaired.
type DeviceStateStore interface {
	MarkPresence(ctx context.Context, accountID, deviceID string, at time.Time, ttl time.Duration) error
	IsPresent(ctx context.Context, accountID, deviceID string) (bool, error)
	Purge(ctx context.Context, accountID, deviceID string) (int, error)
}

type deviceStateStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewDeviceStateStore(client *redis.Client, keyPrefix string) DeviceStateStore {
	return &deviceStateStore{client: client, keyPrefix: keyPrefix}
}

// base returns the key prefix for one device. Both ids are query-escaped, so
// the prefix contains no glob metacharacters and no ':' from the ids, and a
// SCAN on it cannot reach another device or account.
func (s *deviceStateStore) base(accountID, deviceID string) string {
	return fmt.Sprintf("%sdevice:%s:%s:", s.keyPrefix, url.QueryEscape(accountID), url.QueryEscape(deviceID))
}

func (s *deviceStateStore) MarkPresence(ctx context.Context, accountID, deviceID string, at time.Time, ttl time.Duration) error {
	key := s.base(accountID, deviceID) + "presence"
	if err := s.client.Set(ctx, key, at.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("mark presence: %w", err)
	}
	return nil
}

func (s *deviceStateStore) IsPresent(ctx context.Context, accountID, deviceID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.base(accountID, deviceID)+"presence").Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return n > 0, nil
}

// Purge deletes every key under the device's state prefix and returns how
// many were removed.
func (s *deviceStateStore) Purge(ctx context.Context, accountID, deviceID string) (int, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.base(accountID, deviceID)+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan device state: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("purge device state: %w", err)
	}
	return int(n), nil
}
