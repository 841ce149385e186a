package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/syncflow/link-server/internal/identity"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/repository"
	"github.com/syncflow/link-server/internal/sse"
)

type memSessionRepo struct {
	mu       sync.Mutex
	records  map[string]model.SessionRecord
	getErr   error
	creating int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{records: map[string]model.SessionRecord{}}
}

func memKey(version model.ProtocolVersion, token string) string {
	return version.Namespace() + "/" + token
}

func (r *memSessionRepo) put(rec model.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[memKey(rec.Version, rec.Token)] = rec
}

func (r *memSessionRepo) Get(ctx context.Context, version model.ProtocolVersion, token string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	rec, ok := r.records[memKey(version, token)]
	if !ok {
		return nil, nil
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *memSessionRepo) Find(ctx context.Context, token string, preferred model.ProtocolVersion) (*model.SessionRecord, error) {
	for _, v := range []model.ProtocolVersion{preferred, preferred.Other()} {
		rec, err := r.Get(ctx, v, token)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, nil
}

func (r *memSessionRepo) Create(ctx context.Context, record *model.SessionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creating++
	key := memKey(record.Version, record.Token)
	if _, ok := r.records[key]; ok {
		return repository.ErrSessionExists
	}
	r.records[key] = *record
	return nil
}

func (r *memSessionRepo) Transition(ctx context.Context, version model.ProtocolVersion, token string, t model.Transition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memKey(version, token)
	rec, ok := r.records[key]
	if !ok {
		return false, repository.ErrSessionNotFound
	}
	if rec.Status != model.SessionStatusPending {
		return false, nil
	}
	rec.Status = t.Status
	rec.ResolvedAt = t.ResolvedAt
	rec.DeleteAfter = t.DeleteAfter
	switch t.Status {
	case model.SessionStatusApproved:
		rec.ApprovedBy = t.ResolvedBy
		rec.BoundDeviceID = t.BoundDeviceID
		rec.CredentialRef = t.CredentialRef
	case model.SessionStatusRejected:
		rec.RejectedBy = t.ResolvedBy
	}
	r.records[key] = rec
	return true, nil
}

func (r *memSessionRepo) Delete(ctx context.Context, version model.ProtocolVersion, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, memKey(version, token))
	return nil
}

func (r *memSessionRepo) ListChildren(ctx context.Context, version model.ProtocolVersion) ([]repository.SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.SessionEntry
	for _, rec := range r.records {
		if rec.Version != version {
			continue
		}
		rec := rec
		out = append(out, repository.SessionEntry{Version: version, Token: rec.Token, Record: &rec})
	}
	return out, nil
}

func (r *memSessionRepo) snapshot(version model.ProtocolVersion, token string) model.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[memKey(version, token)]
}

type memVault struct {
	mu     sync.Mutex
	next   int
	values map[string]string
	putErr error
}

func newMemVault() *memVault {
	return &memVault{values: map[string]string{}}
}

func (v *memVault) Put(ctx context.Context, credential string, ttl time.Duration) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.putErr != nil {
		return "", v.putErr
	}
	v.next++
	ref := fmt.Sprintf("ref-%d", v.next)
	v.values[ref] = credential
	return ref, nil
}

func (v *memVault) Take(ctx context.Context, ref string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value := v.values[ref]
	delete(v.values, ref)
	return value, nil
}

func (v *memVault) Discard(ctx context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, ref)
	return nil
}

func (v *memVault) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.values)
}

type memDeletionQueue struct {
	mu      sync.Mutex
	entries map[string]time.Time
	err     error
}

func newMemDeletionQueue() *memDeletionQueue {
	return &memDeletionQueue{entries: map[string]time.Time{}}
}

func (q *memDeletionQueue) Schedule(ctx context.Context, version model.ProtocolVersion, token string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.entries[memKey(version, token)] = at
	return nil
}

func (q *memDeletionQueue) Due(ctx context.Context, now time.Time, limit int64) ([]repository.ScheduledDeletion, error) {
	return nil, nil
}

func (q *memDeletionQueue) Remove(ctx context.Context, version model.ProtocolVersion, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, memKey(version, token))
	return nil
}

func (q *memDeletionQueue) scheduled(version model.ProtocolVersion, token string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.entries[memKey(version, token)]
	return at, ok
}

type memDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]map[string]model.Device
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{devices: map[string]map[string]model.Device{}}
}

func (r *memDeviceRepo) ListByAccountID(ctx context.Context, accountID string) ([]model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Device
	for _, d := range r.devices[accountID] {
		out = append(out, d)
	}
	return out, nil
}

func (r *memDeviceRepo) FindByID(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[accountID][deviceID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *memDeviceRepo) CountByAccountID(ctx context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices[accountID]), nil
}

func (r *memDeviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[params.AccountID] == nil {
		r.devices[params.AccountID] = map[string]model.Device{}
	}
	d, ok := r.devices[params.AccountID][params.DeviceID]
	if !ok {
		d = model.Device{AccountID: params.AccountID, DeviceID: params.DeviceID, PairedAt: params.SeenAt}
	}
	d.DisplayName = params.DisplayName
	d.Platform = params.Platform
	d.ProtocolVersion = params.ProtocolVersion
	d.LastSeenAt = params.SeenAt
	r.devices[params.AccountID][params.DeviceID] = d
	return &d, nil
}

func (r *memDeviceRepo) TouchLastSeen(ctx context.Context, accountID, deviceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[accountID][deviceID]; ok {
		d.LastSeenAt = at
		r.devices[accountID][deviceID] = d
	}
	return nil
}

func (r *memDeviceRepo) Delete(ctx context.Context, accountID, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[accountID][deviceID]; !ok {
		return false, nil
	}
	delete(r.devices[accountID], deviceID)
	return true, nil
}

func (r *memDeviceRepo) seed(accountID string, ids ...string) {
	for _, id := range ids {
		_, _ = r.Upsert(context.Background(), model.UpsertDeviceParams{
			AccountID:       accountID,
			DeviceID:        id,
			ProtocolVersion: model.ProtocolV2,
			SeenAt:          time.UnixMilli(0),
		})
	}
}

type memDeviceState struct {
	mu      sync.Mutex
	present map[string]time.Time
	purged  []string
}

func newMemDeviceState() *memDeviceState {
	return &memDeviceState{present: map[string]time.Time{}}
}

func (s *memDeviceState) MarkPresence(ctx context.Context, accountID, deviceID string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present[accountID+"/"+deviceID] = at
	return nil
}

func (s *memDeviceState) IsPresent(ctx context.Context, accountID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.present[accountID+"/"+deviceID]
	return ok, nil
}

func (s *memDeviceState) Purge(ctx context.Context, accountID, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, accountID+"/"+deviceID)
	if _, ok := s.present[accountID+"/"+deviceID]; ok {
		delete(s.present, accountID+"/"+deviceID)
		return 1, nil
	}
	return 0, nil
}

// Mock plan resolver
type mockPlans struct {
	mock.Mock
}

func (m *mockPlans) Snapshot(ctx context.Context, accountID string) (model.PlanSnapshot, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(model.PlanSnapshot), args.Error(1)
}

func (m *mockPlans) Refresh(ctx context.Context, accountID string) (model.PlanSnapshot, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(model.PlanSnapshot), args.Error(1)
}

// Mock credential minter
type mockMinter struct {
	mock.Mock
}

func (m *mockMinter) Mint(params identity.MintParams) (string, error) {
	args := m.Called(params)
	return args.String(0), args.Error(1)
}

func (m *mockMinter) Verify(credential string) (*identity.DeviceClaims, error) {
	args := m.Called(credential)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.DeviceClaims), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sse.Event
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}
