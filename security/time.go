package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to token expiry
// checks. It absorbs NTP drift between this process, the provider, and
// storage timestamps; a token is only treated as expired once it has been
// past its expiry for longer than this.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether a token expiry is in the past as of now,
// with the default clock-skew grace period applied. A zero expiry means no
// expiration. Callers pass their own clock so expiry logic stays testable.
func IsTokenExpired(now, expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(now, expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with a custom grace period.
func IsTokenExpiredWithGracePeriod(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the token will expire within threshold
// of now. Used to refresh proactively instead of serving a token that dies
// mid-call.
func IsTokenExpiringSoon(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
