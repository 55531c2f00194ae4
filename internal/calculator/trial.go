package calculator

import "time"

// TrialDays is the number of whole days between now and the lease start.
// A lease that already started has no trial.
func TrialDays(now, leaseStart time.Time) int64 {
	if !leaseStart.After(now) {
		return 0
	}
	return int64(leaseStart.Sub(now) / (24 * time.Hour))
}

// DaysBetween counts whole days elapsed from since to now, floored at zero.
func DaysBetween(since, now time.Time) int {
	if !now.After(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}
