package repository

import (
	"context"

	"github.com/syncflow/link-server/internal/database"
	"github.com/syncflow/link-server/internal/model"
)

type PlanRepository interface {
	FindByAccountID(ctx context.Context, accountID string) (*model.PlanRecord, error)
}

type planRepo struct {
	db database.DBTX
}

func NewPlanRepository(db database.DBTX) PlanRepository {
	return &planRepo{db: db}
}

func (r *planRepo) FindByAccountID(ctx context.Context, accountID string) (*model.PlanRecord, error) {
	var record model.PlanRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT account_id, plan, expires_at FROM subscriptions WHERE account_id = $1
	`, accountID)
	return HandleNotFound(&record, err)
}
