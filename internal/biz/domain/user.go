package domain

import "time"

// UserSyncPolicy controls how often puppet profiles are refreshed from Feishu
type UserSyncPolicy struct {
	MinRefreshInterval time.Duration
	StaleTTL           time.Duration
}

// DefaultUserSyncPolicy refreshes at most every five minutes and treats
// profiles older than thirty days as stale
func DefaultUserSyncPolicy() UserSyncPolicy {
	return UserSyncPolicy{
		MinRefreshInterval: 5 * time.Minute,
		StaleTTL:           30 * 24 * time.Hour,
	}
}

// ShouldRefresh reports whether a profile sync is due
func (p UserSyncPolicy) ShouldRefresh(lastSyncedAt time.Time) bool {
	if lastSyncedAt.IsZero() {
		return true
	}
	return time.Since(lastSyncedAt) >= p.MinRefreshInterval
}

// StaleCutoff returns the time before which profiles count as stale
func (p UserSyncPolicy) StaleCutoff(now time.Time) time.Time {
	return now.Add(-p.StaleTTL)
}
