// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// UTCNowAdd returns the current UTC time plus the given duration
func UTCNowAdd(d time.Duration) time.Time {
	return UTCNow().Add(d)
}

// UTCNowRFC3339 returns the current UTC time in RFC3339 format
func UTCNowRFC3339() string {
	return UTCNow().Format(time.RFC3339)
}

// IsExpired checks if the given time is in the past (expired)
func IsExpired(t time.Time) bool {
	return UTCNow().After(t)
}

// FromUnixMillis converts a gateway epoch timestamp to UTC. Gateways are
// inconsistent about seconds vs milliseconds, so magnitudes below 1e12 are
// treated as seconds.
func FromUnixMillis(ts int64) time.Time {
	if ts <= 0 {
		return UTCNow()
	}
	if ts < 1_000_000_000_000 {
		return time.Unix(ts, 0).UTC()
	}
	return time.UnixMilli(ts).UTC()
}
