package compaction

import (
	"time"

	"github.com/nicktill/tinyrollup/pkg/rollup"
)

// Policy keeps a bucket's rows for Retention. Zero Retention keeps them
// forever.
type Policy struct {
	Name      string
	Bucket    string
	Retention time.Duration
}

// Cutoff returns the time before which rows are deleted.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Retention).Truncate(time.Second)
}

// Policies returns the raw bucket policy followed by one per tier.
func Policies(rawBucket string, rawRetention time.Duration, tiers rollup.Tiers) []Policy {
	out := []Policy{{Name: "raw", Bucket: rawBucket, Retention: rawRetention}}
	for _, t := range tiers {
		out = append(out, Policy{Name: t.Name, Bucket: t.Bucket, Retention: t.Retention})
	}
	return out
}

// Report tells what one Run did.
type Report struct {
	Started  time.Time
	Duration time.Duration

	// Cutoffs maps each cleaned bucket to the time rows were deleted before.
	Cutoffs map[string]time.Time

	// GC is true when the value log was rewritten.
	GC bool
}
