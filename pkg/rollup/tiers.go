package rollup

import (
	"fmt"
	"time"
)

// Tier is one resolution level of the cascade.
type Tier struct {
	Name       string
	Bucket     string
	Resolution time.Duration
	Retention  time.Duration

	// Weighted tiers are accumulators built by merging records of the
	// finer tier and persist their sample count.
	Weighted bool
}

// Start returns the start of the tier bucket containing t (UTC aligned).
func (t Tier) Start(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.Resolution)
}

// Expired reports whether a record stamped ts is past retention at now.
func (t Tier) Expired(ts, now time.Time) bool {
	return t.Retention > 0 && now.Sub(ts) > t.Retention
}

// Tiers is the ordered list of tiers, finest first.
type Tiers []Tier

// DefaultTiers returns the reference hi-res / lo-res configuration.
func DefaultTiers(interval time.Duration, hiresBucket, loresBucket string) Tiers {
	return Tiers{
		{Name: "hires", Bucket: hiresBucket, Resolution: interval, Retention: 7 * 24 * time.Hour},
		{Name: "lowres", Bucket: loresBucket, Resolution: 24 * time.Hour, Retention: 365 * 24 * time.Hour, Weighted: true},
	}
}

// Validate checks tier ordering and resolutions.
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	if ts[0].Weighted {
		return fmt.Errorf("tier %q: the finest tier cannot be weighted", ts[0].Name)
	}
	for i, t := range ts {
		if t.Bucket == "" {
			return fmt.Errorf("tier %q: bucket is required", t.Name)
		}
		if t.Resolution <= 0 {
			return fmt.Errorf("tier %q: resolution must be positive", t.Name)
		}
		if i == 0 {
			continue
		}
		if !t.Weighted {
			return fmt.Errorf("tier %q: coarser tiers must be weighted", t.Name)
		}
		if t.Resolution <= ts[i-1].Resolution {
			return fmt.Errorf("tier %q: resolution %s must exceed %s", t.Name, t.Resolution, ts[i-1].Resolution)
		}
	}
	return nil
}

// HiRes returns the finest tier.
func (ts Tiers) HiRes() Tier { return ts[0] }

// NextBoundary returns the smallest multiple of interval strictly after now,
// with now truncated to the minute. interval must divide an hour.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(time.Minute).Truncate(interval).Add(interval)
}

// Aligned reports whether ts sits exactly on an interval boundary.
func Aligned(ts time.Time, interval time.Duration) bool {
	return ts.Equal(ts.Truncate(interval))
}

// endOfDay returns the last second of the UTC day of ts.
func endOfDay(ts time.Time) time.Time {
	return ts.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
}
