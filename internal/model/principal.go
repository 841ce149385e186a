package model

type PrincipalKind string

const (
	PrincipalAccount PrincipalKind = "account"
	PrincipalDevice  PrincipalKind = "device"
)

// Principal is the authenticated caller. DeviceID is set only for device
// principals.
type Principal struct {
	Kind      PrincipalKind
	AccountID string
	DeviceID  string
}

func (p Principal) IsDevice() bool {
	return p.Kind == PrincipalDevice
}
