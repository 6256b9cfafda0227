package services

import (
	"time"
)

const secondsPerDay = 24 * 3600

// ExpirationStatus is the result of checking a panel's validity window
type ExpirationStatus struct {
	IsExpired     bool
	RemainingDays int
	ExpiresAt     *time.Time
}

// CheckExpiration evaluates a panel's validity window. validityDays <= 0 is
// the "never expires" sentinel: the panel is not expired and RemainingDays
// is reported as 0. Otherwise the panel expires validityDays*24h after
// createdAt and RemainingDays is the remaining span rounded up to whole
// days (0 once expired).
func CheckExpiration(createdAt time.Time, validityDays int, now time.Time) ExpirationStatus {
	if validityDays <= 0 {
		return ExpirationStatus{}
	}

	expiresAt := createdAt.Add(time.Duration(validityDays) * secondsPerDay * time.Second)
	if now.After(expiresAt) {
		return ExpirationStatus{IsExpired: true, ExpiresAt: &expiresAt}
	}

	remaining := expiresAt.Sub(now)
	days := int(remaining / (secondsPerDay * time.Second))
	if remaining%(secondsPerDay*time.Second) > 0 {
		days++
	}
	return ExpirationStatus{RemainingDays: days, ExpiresAt: &expiresAt}
}
