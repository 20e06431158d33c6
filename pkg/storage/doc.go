/*
Package storage provides the pluggable time-series store the rollup engine
reads raw readings from and writes summaries to.

# Storage Interface

Backends implement the Storage interface:

	type Storage interface {
	    Write(ctx context.Context, bucket string, points []Point) error
	    Query(ctx context.Context, req QueryRequest) ([]Table, error)
	    Exists(ctx context.Context, req QueryRequest) (bool, error)
	    Delete(ctx context.Context, req DeleteRequest) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Bundled backends:
  - memory: In-memory storage for tests and sim runs
  - badger: BadgerDB (LSM tree) for persistent storage

# Data Model

A bucket holds points. A point is a measurement, a set of tags identifying
the series, a set of fields and a timestamp at one-second precision:

	sensors         raw readings        value, value_units
	sensors_hires   5 minute summaries  value_min, value_avg, value_max, value_units
	sensors_lowres  daily accumulators  same fields plus _avg_count

Writing a point with the same measurement, tags and second as a stored one
replaces it. The rollup engine relies on this to rewrite accumulators in
place.

# Tables

Query splits its result into tables, one per payload shape. The shape is
the sorted list of field names with their kinds:

	value:number,value_units:string     scalar readings
	value:string,value_units:string     text and structured readings

Rows inside a table are ordered by time, then series.

# Query Filtering

	// Everything of a bucket
	req := QueryRequest{Bucket: "sensors"}

	// One window, end exclusive
	req := QueryRequest{
	    Bucket: "sensors",
	    Start:  windowEnd.Add(-5*time.Minute + time.Second),
	    End:    windowEnd.Add(time.Second),
	}

	// One sensor, absent tags must stay absent
	req := QueryRequest{
	    Bucket: "sensors_lowres",
	    Tags:   MatchTags(identity, []string{"location", "building", "room", "kind", "unitID", "subID"}),
	}

	// Newest row of every series
	req := QueryRequest{
	    Bucket:     "sensors_hires",
	    Fields:     []string{"value_avg"},
	    Directives: []string{DirectiveLast},
	}

# Retention & Deletion

	// Clear the lo-res tier from a day onwards
	store.Delete(ctx, storage.DeleteRequest{
	    Bucket: "sensors_lowres",
	    Start:  day,
	})

Tier retention is enforced by the rollup engine at write time: records past
retention are never written.
*/
package storage
