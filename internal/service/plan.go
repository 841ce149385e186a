package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/syncflow/link-server/internal/config"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/repository"
)

// PlanResolver is the read-only plan view pairing consults at approval time.
type PlanResolver interface {
	Snapshot(ctx context.Context, accountID string) (model.PlanSnapshot, error)
	// Refresh bypasses any cached snapshot.
	Refresh(ctx context.Context, accountID string) (model.PlanSnapshot, error)
}

type PlanService struct {
	planRepo repository.PlanRepository
	cache    *ttlcache.Cache[string, model.PlanSnapshot]
	now      func() time.Time
}

// NewPlanService caches snapshots for cacheTTL. A zero TTL disables caching.
func NewPlanService(planRepo repository.PlanRepository, cacheTTL time.Duration) *PlanService {
	s := &PlanService{planRepo: planRepo, now: time.Now}
	if cacheTTL > 0 {
		s.cache = ttlcache.New(
			ttlcache.WithTTL[string, model.PlanSnapshot](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, model.PlanSnapshot](),
		)
		go s.cache.Start()
	}
	return s
}

func (s *PlanService) Snapshot(ctx context.Context, accountID string) (model.PlanSnapshot, error) {
	if s.cache != nil {
		if item := s.cache.Get(accountID); item != nil {
			return item.Value(), nil
		}
	}
	return s.Refresh(ctx, accountID)
}

func (s *PlanService) Refresh(ctx context.Context, accountID string) (model.PlanSnapshot, error) {
	record, err := s.planRepo.FindByAccountID(ctx, accountID)
	if err != nil {
		return model.PlanSnapshot{}, fmt.Errorf("find plan: %w", err)
	}

	snapshot := snapshotFor(record, s.now())
	if s.cache != nil {
		s.cache.Set(accountID, snapshot, ttlcache.DefaultTTL)
	}
	return snapshot, nil
}

// Stop ends the cache cleanup loop.
func (s *PlanService) Stop() {
	if s.cache != nil {
		s.cache.Stop()
	}
}

// snapshotFor derives the device limit. A missing row, an unknown plan or an
// expired paid plan all count as free.
func snapshotFor(record *model.PlanRecord, now time.Time) model.PlanSnapshot {
	free := model.PlanSnapshot{Plan: model.PlanFree, DeviceLimit: config.FreePlanDeviceLimit}
	if record == nil || !record.Plan.Paid() {
		return free
	}
	if record.ExpiresAt != nil && !record.ExpiresAt.After(now) {
		return free
	}
	return model.PlanSnapshot{Plan: record.Plan, Unlimited: true}
}
