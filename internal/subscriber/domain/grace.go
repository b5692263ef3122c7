package domain

import "time"

// EffectiveExpiration extends a stored expiration by the configured grace
// window.
func EffectiveExpiration(expiresAt time.Time, grace time.Duration) time.Time {
	return expiresAt.Add(grace)
}

// IsActive reports whether an entitlement expiring at expiresAt is still
// treated as active at now. Pure and monotonic: for a fixed expiresAt and
// grace, activity at T implies activity at every earlier instant.
func IsActive(expiresAt, now time.Time, grace time.Duration) bool {
	return !now.After(EffectiveExpiration(expiresAt, grace))
}
