package model

import "time"

// PlanRecord is the subscription row owned by billing. Read only here.
type PlanRecord struct {
	AccountID string     `db:"account_id" json:"accountId"`
	Plan      Plan       `db:"plan" json:"plan"`
	ExpiresAt *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
}

// PlanSnapshot is the plan view pairing consults at approval time.
type PlanSnapshot struct {
	Plan        Plan `json:"plan"`
	DeviceLimit int  `json:"deviceLimit"`
	Unlimited   bool `json:"unlimited"`
}

// AllowsAnother reports whether an account holding count devices may add one more.
func (p PlanSnapshot) AllowsAnother(count int) bool {
	return p.Unlimited || count < p.DeviceLimit
}
