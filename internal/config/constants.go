package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Pairing session lifetimes
const (
	SessionTTLV1 = 5 * time.Minute
	SessionTTLV2 = 15 * time.Minute

	// Terminal sessions older than this are reclaimed by the reaper.
	TerminalSessionRetention = 10 * time.Minute

	// Window the secondary device has to read a resolved session before
	// the scheduled deletion removes it.
	ResolvedSessionGrace = 2 * time.Minute
)

// Background job intervals
const (
	ReaperInterval       = 1 * time.Minute
	ReaperSweepTimeout   = 30 * time.Second
	DeletionPollInterval = 15 * time.Second
)

// Plan limits
const FreePlanDeviceLimit = 3

// Default rate limiting
const (
	DefaultRateLimitPerMin = 60
	RateLimitWindow        = 60 * time.Second
)
