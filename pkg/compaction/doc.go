/*
Package compaction enforces retention and reclaims disk space.

# Retention

Every bucket the engine writes has its own policy:

	┌──────────────────────────────────────────────────────────┐
	│ Raw readings (sensors)                                   │
	│ • Kept for raw_retention, forever when zero              │
	└──────────────────────────────────────────────────────────┘
	                      ↓ rolled up every interval
	┌──────────────────────────────────────────────────────────┐
	│ Hi-res records (sensors_hires)                           │
	│ • One min/avg/max row per sensor and interval            │
	│ • Kept for 7 days by default                             │
	└──────────────────────────────────────────────────────────┘
	                      ↓ merged into the day's accumulator
	┌──────────────────────────────────────────────────────────┐
	│ Lo-res records (sensors_lowres)                          │
	│ • One weighted row per sensor and day                    │
	│ • Kept for 365 days by default                           │
	└──────────────────────────────────────────────────────────┘

CompactAndCleanup deletes, for each policy, the rows older than now minus
the retention. The cascade never writes past a tier's retention, so rows
removed here are not written back.

# Disk Space

Badger keeps deleted rows in its value log until the file holding them is
rewritten. After cleanup the compactor runs one GC pass; a store without a
value log is skipped.

# Usage

	policies := compaction.Policies(cfg.Buckets.Raw, cfg.Buckets.RawRetention, tiers)
	compactor := compaction.New(store, policies, compaction.WithLogger(log))

	report, err := compactor.CompactAndCleanup(ctx)
*/
package compaction
