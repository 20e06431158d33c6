package storage

import (
	"context"
	"errors"
	"time"
)

// Directives understood by the bundled backends. Other directives are
// rejected with ErrUnsupportedDirective.
const (
	// DirectiveLast keeps only the newest row of each series in a table.
	DirectiveLast = "last"
	// DirectiveFirst keeps only the oldest row of each series in a table.
	DirectiveFirst = "first"
)

var (
	ErrClosed               = errors.New("storage is closed")
	ErrNoBucket             = errors.New("bucket is required")
	ErrUnsupportedDirective = errors.New("unsupported query directive")
)

// Storage is the windowed time-series store the rollup engine runs against.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write upserts points into a bucket. A point with the same measurement,
	// tags and second-truncated timestamp as a stored one replaces it.
	Write(ctx context.Context, bucket string, points []Point) error

	// Query returns matching rows split into tables by payload shape.
	// An empty result is not an error.
	Query(ctx context.Context, req QueryRequest) ([]Table, error)

	// Exists reports whether at least one row matches the request.
	Exists(ctx context.Context, req QueryRequest) (bool, error)

	// Delete removes rows of a bucket within [Start, End).
	Delete(ctx context.Context, req DeleteRequest) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// Point is one stored row: tags identify the series, fields carry values.
// Field values are float64, string or bool.
type Point struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields"`
	Time        time.Time         `json:"time"`
}

// Table groups rows sharing one payload shape.
type Table struct {
	// Format identifies the shape, e.g. "value:number,value_units:string".
	Format string
	Rows   []Point
}

// QueryRequest specifies what rows to retrieve
type QueryRequest struct {
	Bucket      string
	Measurement string

	// Time range [Start, End). Zero values leave that side unbounded.
	Start time.Time
	End   time.Time

	// Tag filter; see Eq and NotExists.
	Tags map[string]TagMatch

	// Field allow-list (optional). Rows with none of the fields are dropped.
	Fields []string

	// Store-specific post-processing, passed through untouched by callers.
	Directives []string

	// Limit number of rows (0 = no limit)
	Limit int
}

// DeleteRequest selects the rows removed by Delete.
type DeleteRequest struct {
	Bucket      string
	Measurement string
	Start       time.Time
	End         time.Time
}

// TagMatch is one tag condition: either equality or absence.
type TagMatch struct {
	Value  string
	Absent bool
}

// Eq matches rows whose tag equals v.
func Eq(v string) TagMatch { return TagMatch{Value: v} }

// NotExists matches rows that do not carry the tag at all.
func NotExists() TagMatch { return TagMatch{Absent: true} }

// MatchTags builds a filter pinning every key: present tags must be equal,
// missing ones must be absent.
func MatchTags(tags map[string]string, keys []string) map[string]TagMatch {
	filter := make(map[string]TagMatch, len(keys))
	for _, k := range keys {
		if v, ok := tags[k]; ok {
			filter[k] = Eq(v)
		} else {
			filter[k] = NotExists()
		}
	}
	return filter
}

// Stats provides storage health and usage info
type Stats struct {
	// Total rows stored
	TotalPoints uint64 `json:"total_points"`

	// Unique series (bucket + measurement + tag combinations)
	TotalSeries uint64 `json:"total_series"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}
