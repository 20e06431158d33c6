/*
Package rollup turns raw sensor readings into a cascade of coarser summaries.

# Cascade

Each cycle aggregates one hi-res window and folds the result into the
weighted tiers:

	raw bucket            hi-res bucket (5m)        lo-res bucket (1d)
	┌─────────────┐       ┌──────────────────┐      ┌────────────────────────┐
	│ 12:01 21.0  │       │                  │      │                        │
	│ 12:03 21.5  │ ────▶ │ 12:05 min 21.0   │ ───▶ │ 00:00 min/avg/max      │
	│ 12:04 22.0  │       │       avg 21.5   │      │       _avg_count = n+1 │
	└─────────────┘       │       max 22.0   │      └────────────────────────┘
	                      └──────────────────┘

The window ending at E covers [E - interval + 1s, E] so consecutive windows
neither overlap nor leave a gap. Hi-res records are stamped with E. Lo-res
accumulators live at the start of the UTC day of E and carry the number of
hi-res records folded into them, which keeps the weighted average independent
of merge order.

# States

	Idle → Fetching → Aggregating → WritingHiRes → MergingLoRes → Idle
	                    └──────────── ErrorRetry ◀────────────┘

A failing cycle is retried by the scheduler as a whole. Progress shared
across attempts stops a sensor from being merged twice into its accumulator.

# Errors

  - Store errors are returned as-is and are retryable.
  - Structural errors (text values, mixed shapes) skip the sensor group and
    are reported in CycleResult.Structural.
  - *ConsistencyError (two accumulator rows for one sensor and day) must not
    be retried.

# Catch-up

A window that ended before hi-res retention is widened to the rest of its day:
its hi-res record would be discarded anyway, and one merge per day is enough to
rebuild the lo-res tier. The returned Cursor then points at the end of that
day.
*/
package rollup
