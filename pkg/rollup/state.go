package rollup

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/sensor"
)

// State is the phase the cascade is currently in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateAggregating
	StateWritingHiRes
	StateMergingLoRes
	StateErrorRetry
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateAggregating:
		return "aggregating"
	case StateWritingHiRes:
		return "writing_hires"
	case StateMergingLoRes:
		return "merging_lowres"
	case StateErrorRetry:
		return "error_retry"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is the result kind of a successful cycle.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSkippedEmpty
)

func (o Outcome) String() string {
	if o == OutcomeSkippedEmpty {
		return "skipped_empty"
	}
	return "ok"
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Outcome Outcome

	// Fetched window [WindowStart, WindowEnd).
	WindowStart time.Time
	WindowEnd   time.Time

	// Stamp is the timestamp given to hi-res records.
	Stamp time.Time

	// Cursor is the checkpoint once the cycle is done. It differs from
	// Stamp when a whole day was processed at once.
	Cursor time.Time

	CatchUp bool

	Groups    int // sensor groups fetched
	Excluded  int // groups of kinds never aggregated
	Skipped   int // groups dropped on structural errors
	Written   int // hi-res records written
	Merged    int // accumulator rows written across weighted tiers
	Discarded int // records past a tier's retention

	// Structural holds the errors of the skipped groups.
	Structural *multierror.Error
}

// ConsistencyError reports more than one accumulator row for one
// sensor and tier bucket. Retrying cannot fix it.
type ConsistencyError struct {
	Tier     string
	Identity sensor.Identity
	Start    time.Time
	Rows     int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s accumulator for %s at %s has %d rows, expected at most one",
		e.Tier, e.Identity, e.Start.Format(time.RFC3339), e.Rows)
}

// Observer is notified of the cascade's writes and cycles.
type Observer interface {
	RecordWritten(tier Tier, rec *aggregate.Record)
	CycleFinished(res *CycleResult, err error)
}
