package cache

import "time"

// Tier names a default TTL class. Callers pick a tier per data class rather
// than hard-coding durations at every call site.
type Tier string

const (
	TierShort    Tier = "short"
	TierMedium   Tier = "medium"
	TierLong     Tier = "long"
	TierExtended Tier = "extended"
	TierDaily    Tier = "daily"
	TierWeekly   Tier = "weekly"
)

// TTLTable maps tiers to durations. The zero-config table is DefaultTTLs;
// deployments can override individual tiers from configuration.
type TTLTable map[Tier]time.Duration

// DefaultTTLs returns the standard tier table.
func DefaultTTLs() TTLTable {
	return TTLTable{
		TierShort:    5 * time.Minute,
		TierMedium:   30 * time.Minute,
		TierLong:     2 * time.Hour,
		TierExtended: 12 * time.Hour,
		TierDaily:    24 * time.Hour,
		TierWeekly:   7 * 24 * time.Hour,
	}
}

// TTL returns the duration for a tier, falling back to the medium tier for
// unknown names so a typo degrades TTL choice, not correctness.
func (t TTLTable) TTL(tier Tier) time.Duration {
	if d, ok := t[tier]; ok {
		return d
	}
	return t[TierMedium]
}
