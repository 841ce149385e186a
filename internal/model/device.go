package model

import "time"

type Device struct {
	AccountID       string          `db:"account_id" json:"-"`
	DeviceID        string          `db:"device_id" json:"deviceId"`
	DisplayName     string          `db:"display_name" json:"displayName"`
	Platform        string          `db:"platform" json:"platform"`
	ProtocolVersion ProtocolVersion `db:"protocol_version" json:"protocolVersion"`
	PairedAt        time.Time       `db:"paired_at" json:"pairedAt"`
	LastSeenAt      time.Time       `db:"last_seen_at" json:"lastSeenAt"`
	Present         bool            `db:"-" json:"present"`
}

type UpsertDeviceParams struct {
	AccountID       string
	DeviceID        string
	DisplayName     string
	Platform        string
	ProtocolVersion ProtocolVersion
	SeenAt          time.Time
}
