package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/syncflow/link-server/internal/model"
)

var (
	ErrSessionExists   = errors.New("session token already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository is the token store for pairing sessions. Records live in
// one hash per session under sessions/v1/{token} or sessions/v2/{token}.
type SessionRepository interface {
	// Get returns nil, nil when the record does not exist. A stored record that
	// fails validation yields model.ErrMalformedRecord.
	Get(ctx context.Context, version model.ProtocolVersion, token string) (*model.SessionRecord, error)
	// Find looks in the preferred namespace first and then the other one. A
	// malformed record is only reported when neither namespace holds a valid one.
	Find(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.SessionRecord, error)
	Create(ctx context.Context, record *model.SessionRecord) error
	// Transition moves a pending session to a terminal status. It reports false
	// when the session was no longer pending.
	Transition(ctx context.Context, version model.ProtocolVersion, token string, t model.Transition) (bool, error)
	Delete(ctx context.Context, version model.ProtocolVersion, token string) error
	ListChildren(ctx context.Context, version model.ProtocolVersion) ([]SessionEntry, error)
}

// SessionEntry is one child of a namespace. Record is nil when the stored
// hash is malformed.
type SessionEntry struct {
	Version model.ProtocolVersion
	Token   string
	Record  *model.SessionRecord
}

var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var transitionSessionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

const scanBatchSize = 100

type sessionRepo struct {
	client    *redis.Client
	keyPrefix string
}

func NewSessionRepository(client *redis.Client, keyPrefix string) SessionRepository {
	return &sessionRepo{client: client, keyPrefix: keyPrefix}
}

func (r *sessionRepo) key(version model.ProtocolVersion, token string) string {
	return r.namespacePrefix(version) + token
}

func (r *sessionRepo) namespacePrefix(version model.ProtocolVersion) string {
	return r.keyPrefix + "sessions/" + version.Namespace() + "/"
}

func (r *sessionRepo) Get(ctx context.Context, version model.ProtocolVersion, token string) (*model.SessionRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key(version, token)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeSession(fields)
}

func (r *sessionRepo) Find(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.SessionRecord, error) {
	var malformed error
	for _, version := range []model.ProtocolVersion{preferred, preferred.Other()} {
		record, err := r.Get(ctx, version, token)
		if errors.Is(err, model.ErrMalformedRecord) {
			malformed = err
			continue
		}
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	return nil, malformed
}

func (r *sessionRepo) Create(ctx context.Context, record *model.SessionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	created, err := createSessionScript.Run(ctx, r.client,
		[]string{r.key(record.Version, record.Token)}, encodeSession(record)...).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return ErrSessionExists
	}
	return nil
}

func (r *sessionRepo) Transition(ctx context.Context, version model.ProtocolVersion, token string, t model.Transition) (bool, error) {
	if !t.Status.Terminal() {
		return false, fmt.Errorf("transition target %q is not terminal", t.Status)
	}
	if (t.CredentialRef != "") != (t.Status == model.SessionStatusApproved) {
		return false, fmt.Errorf("credential ref must accompany approval only")
	}

	args := []interface{}{
		"status", string(t.Status),
		"resolved_at", t.ResolvedAt,
		"delete_after", t.DeleteAfter,
	}
	switch t.Status {
	case model.SessionStatusApproved:
		args = append(args, "approved_by", t.ResolvedBy, "credential_ref", t.CredentialRef)
		if t.BoundDeviceID != "" {
			args = append(args, "bound_device_id", t.BoundDeviceID)
		}
	case model.SessionStatusRejected:
		args = append(args, "rejected_by", t.ResolvedBy)
	}

	result, err := transitionSessionScript.Run(ctx, r.client, []string{r.key(version, token)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	switch result {
	case -1:
		return false, ErrSessionNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (r *sessionRepo) Delete(ctx context.Context, version model.ProtocolVersion, token string) error {
	if err := r.client.Del(ctx, r.key(version, token)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *sessionRepo) ListChildren(ctx context.Context, version model.ProtocolVersion) ([]SessionEntry, error) {
	prefix := r.namespacePrefix(version)

	var entries []SessionEntry
	iter := r.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		token := strings.TrimPrefix(key, prefix)

		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return entries, fmt.Errorf("read session %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}

		entry := SessionEntry{Version: version, Token: token}
		if record, err := decodeSession(fields); err == nil && record.Token == token {
			entry.Record = record
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return entries, fmt.Errorf("scan sessions: %w", err)
	}
	return entries, nil
}

func encodeSession(s *model.SessionRecord) []interface{} {
	args := []interface{}{
		"token", s.Token,
		"version", int(s.Version),
		"status", string(s.Status),
		"created_at", s.CreatedAt,
		"expires_at", s.ExpiresAt,
	}
	optional := []struct{ name, value string }{
		{"requesting_device_id", s.RequestingDeviceID},
		{"device_name", s.DeviceName},
		{"device_type", s.DeviceType},
		{"client_version", s.ClientVersion},
		{"approved_by", s.ApprovedBy},
		{"rejected_by", s.RejectedBy},
		{"bound_device_id", s.BoundDeviceID},
		{"credential_ref", s.CredentialRef},
	}
	for _, f := range optional {
		if f.value != "" {
			args = append(args, f.name, f.value)
		}
	}
	if s.ResolvedAt != 0 {
		args = append(args, "resolved_at", s.ResolvedAt)
	}
	if s.DeleteAfter != 0 {
		args = append(args, "delete_after", s.DeleteAfter)
	}
	return args
}

func decodeSession(fields map[string]string) (*model.SessionRecord, error) {
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("%w: version %q", model.ErrMalformedRecord, fields["version"])
	}

	record := &model.SessionRecord{
		Token:              fields["token"],
		Version:            model.ProtocolVersion(version),
		RequestingDeviceID: fields["requesting_device_id"],
		DeviceName:         fields["device_name"],
		DeviceType:         fields["device_type"],
		ClientVersion:      fields["client_version"],
		Status:             model.SessionStatus(fields["status"]),
		ApprovedBy:         fields["approved_by"],
		RejectedBy:         fields["rejected_by"],
		BoundDeviceID:      fields["bound_device_id"],
		CredentialRef:      fields["credential_ref"],
	}

	millis := []struct {
		name     string
		dst      *int64
		required bool
	}{
		{"created_at", &record.CreatedAt, true},
		{"expires_at", &record.ExpiresAt, true},
		{"resolved_at", &record.ResolvedAt, false},
		{"delete_after", &record.DeleteAfter, false},
	}
	for _, m := range millis {
		raw, ok := fields[m.name]
		if !ok {
			if m.required {
				return nil, fmt.Errorf("%w: missing %s", model.ErrMalformedRecord, m.name)
			}
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", model.ErrMalformedRecord, m.name, raw)
		}
		*m.dst = v
	}

	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}
