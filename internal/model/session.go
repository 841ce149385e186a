package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRecord is returned when a stored session record fails validation.
var ErrMalformedRecord = errors.New("malformed session record")

// SessionRecord is a single pairing attempt. Both protocol versions share this
// shape; Version decides TTL, device id resolution and storage namespace.
type SessionRecord struct {
	Token              string          `json:"token"`
	Version            ProtocolVersion `json:"protocolVersion"`
	RequestingDeviceID string          `json:"requestingDeviceId,omitempty"`
	DeviceName         string          `json:"deviceDisplayName,omitempty"`
	DeviceType         string          `json:"deviceType,omitempty"`
	ClientVersion      string          `json:"clientVersion,omitempty"`
	Status             SessionStatus   `json:"status"`
	CreatedAt          int64           `json:"createdAt"`
	ExpiresAt          int64           `json:"expiresAt"`
	ApprovedBy         string          `json:"approvedBy,omitempty"`
	RejectedBy         string          `json:"rejectedBy,omitempty"`
	ResolvedAt         int64           `json:"resolvedAt,omitempty"`
	BoundDeviceID      string          `json:"boundDeviceId,omitempty"`
	CredentialRef      string          `json:"-"`
	DeleteAfter        int64           `json:"-"`
}

// Validate checks the invariants every stored record must satisfy.
func (s *SessionRecord) Validate() error {
	if s.Token == "" {
		return fmt.Errorf("%w: missing token", ErrMalformedRecord)
	}
	if !s.Version.Valid() {
		return fmt.Errorf("%w: unknown protocol version %d", ErrMalformedRecord, s.Version)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedRecord, s.Status)
	}
	if s.ExpiresAt <= s.CreatedAt {
		return fmt.Errorf("%w: expiresAt not after createdAt", ErrMalformedRecord)
	}
	if (s.CredentialRef != "") != (s.Status == SessionStatusApproved) {
		return fmt.Errorf("%w: credential present with status %s", ErrMalformedRecord, s.Status)
	}
	if s.Version == ProtocolV2 && s.RequestingDeviceID == "" {
		return fmt.Errorf("%w: v2 session without device id", ErrMalformedRecord)
	}
	return nil
}

// IsExpiredAt reports whether a pending session is past its deadline.
func (s *SessionRecord) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionStatusPending && now.UnixMilli() > s.ExpiresAt
}

// DeviceID returns the device id this session pairs, once known.
func (s *SessionRecord) DeviceID() string {
	if s.BoundDeviceID != "" {
		return s.BoundDeviceID
	}
	return s.RequestingDeviceID
}

type CreateSessionParams struct {
	Version            ProtocolVersion
	RequestingDeviceID string
	DeviceName         string
	DeviceType         string
	ClientVersion      string
}

// Transition is the set of fields written when a session leaves pending.
type Transition struct {
	Status        SessionStatus
	ResolvedBy    string
	ResolvedAt    int64
	BoundDeviceID string
	CredentialRef string
	DeleteAfter   int64
}
