package config

import "time"

const (
	// Matching
	DefaultWaitTTL         = 3 * time.Minute
	DefaultRoomTTL         = 10 * time.Minute
	DefaultMaxMatchRetries = 1
	DefaultFreshRoomWindow = 2 * time.Minute

	// Room lifecycle
	DefaultInactivityWindow  = 10 * time.Minute
	DefaultInactivityWarning = 30 * time.Second
	DefaultTypingTTL         = 1500 * time.Millisecond
	DefaultMessageInterval   = time.Second
	DefaultWatchInterval     = 15 * time.Second
	DefaultLanguage          = "en"

	// Cleanup
	DefaultCleanupInterval = 5 * time.Minute
)
