package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ExchangePayload is transferred out of band from the secondary device to the
// primary one. Its field names are wire-visible and must stay stable.
type ExchangePayload struct {
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	Token           string          `json:"token"`
	Device          ExchangeDevice  `json:"device"`
	ExpiresAt       int64           `json:"expiresAt"`
}

type ExchangeDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func NewExchangePayload(s *SessionRecord) ExchangePayload {
	return ExchangePayload{
		ProtocolVersion: s.Version,
		Token:           s.Token,
		Device: ExchangeDevice{
			ID:   s.RequestingDeviceID,
			Name: s.DeviceName,
			Type: s.DeviceType,
		},
		ExpiresAt: s.ExpiresAt,
	}
}

// Encode serializes the payload as unpadded base64url JSON.
func (p ExchangePayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal exchange payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func DecodeExchangePayload(encoded string) (*ExchangePayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode exchange payload: %w", err)
	}
	var p ExchangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal exchange payload: %w", err)
	}
	if p.Token == "" || !p.ProtocolVersion.Valid() {
		return nil, fmt.Errorf("exchange payload missing token or version")
	}
	return &p, nil
}
