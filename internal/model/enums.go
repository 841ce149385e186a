package model

import (
	"time"

	"github.com/syncflow/link-server/internal/config"
)

type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV1 || v == ProtocolV2
}

// Namespace is the storage path segment for sessions of this version.
func (v ProtocolVersion) Namespace() string {
	switch v {
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return ""
	}
}

// TTL is how long a pending session of this version stays resolvable.
func (v ProtocolVersion) TTL() time.Duration {
	if v == ProtocolV2 {
		return config.SessionTTLV2
	}
	return config.SessionTTLV1
}

// Other returns the version checked as a fallback during resolution.
func (v ProtocolVersion) Other() ProtocolVersion {
	if v == ProtocolV1 {
		return ProtocolV2
	}
	return ProtocolV1
}

type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusApproved SessionStatus = "approved"
	SessionStatusRejected SessionStatus = "rejected"
	SessionStatusExpired  SessionStatus = "expired"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusApproved, SessionStatusRejected, SessionStatusExpired:
		return true
	}
	return false
}

func (s SessionStatus) Terminal() bool {
	return s != SessionStatusPending
}

type Plan string

const (
	PlanFree      Plan = "free"
	PlanMonthly   Plan = "monthly"
	PlanYearly    Plan = "yearly"
	PlanMultiYear Plan = "multi-year"
)

func (p Plan) Paid() bool {
	switch p {
	case PlanMonthly, PlanYearly, PlanMultiYear:
		return true
	}
	return false
}

// ResolveOutcome is the non-error result of a resolution attempt.
type ResolveOutcome string

const (
	OutcomeApproved    ResolveOutcome = "approved"
	OutcomeRejected    ResolveOutcome = "rejected"
	OutcomeDeviceLimit ResolveOutcome = "device_limit"
)
