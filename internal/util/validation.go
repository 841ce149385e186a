package util

import (
	"regexp"
	"strings"
)

// v2 device ids are self-generated as {platform}_{16 lowercase hex chars}.
var deviceIDRegex = regexp.MustCompile(`^([a-z]+)_[0-9a-f]{16}$`)

// v1 and stored device ids are opaque but limited to a key-safe charset.
var deviceKeyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var sessionTokenRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

func IsValidDeviceID(s string) bool {
	return deviceIDRegex.MatchString(s)
}

// IsValidDeviceKey accepts any device id that may be stored or addressed,
// including v2 ids and generated UUIDs.
func IsValidDeviceKey(s string) bool {
	return deviceKeyRegex.MatchString(s)
}

// DevicePlatform returns the platform prefix of a v2 device id.
func DevicePlatform(deviceID string) string {
	m := deviceIDRegex.FindStringSubmatch(deviceID)
	if m == nil {
		return ""
	}
	return m[1]
}

func IsValidSessionToken(s string) bool {
	return sessionTokenRegex.MatchString(s)
}

// TrimTo trims whitespace and caps s at max runes.
func TrimTo(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > max {
		return string(r[:max])
	}
	return s
}
