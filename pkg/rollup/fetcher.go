package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// WindowRequest selects the raw readings of one window.
type WindowRequest struct {
	Bucket      string
	Measurement string
	Start       time.Time // inclusive
	End         time.Time // exclusive
	Tags        map[string]storage.TagMatch
	Fields      []string
	Directives  []string
}

// SensorGroup holds the readings of one sensor, oldest first.
type SensorGroup struct {
	Identity sensor.Identity
	Readings []sensor.Reading
}

// TableGroup holds the sensor groups of one payload shape.
type TableGroup struct {
	Format string
	Groups []SensorGroup
}

// Fetcher pulls windows of readings and groups them per sensor.
type Fetcher struct {
	store storage.Storage
}

// NewFetcher creates a fetcher over store.
func NewFetcher(store storage.Storage) *Fetcher {
	return &Fetcher{store: store}
}

// Fetch returns the readings of the window split by table, then by sensor.
// An empty window yields an empty slice and no error.
func (f *Fetcher) Fetch(ctx context.Context, req WindowRequest) ([]TableGroup, error) {
	tables, err := f.store.Query(ctx, storage.QueryRequest{
		Bucket:      req.Bucket,
		Measurement: req.Measurement,
		Start:       req.Start.Truncate(time.Second),
		End:         req.End.Truncate(time.Second),
		Tags:        req.Tags,
		Fields:      req.Fields,
		Directives:  req.Directives,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch window %s..%s: %w",
			req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339), err)
	}

	// The store splits tables by the whole field set, so a sensor whose
	// payloads sometimes omit units shows up in two of them. Regroup by
	// the shape of the value field alone.
	var out []TableGroup
	tableIndex := make(map[string]int)
	groupIndex := make(map[string]map[string]int)
	for _, t := range tables {
		for _, row := range t.Rows {
			raw, ok := row.Fields[sensor.FieldValue]
			if !ok {
				continue
			}
			format := storage.FormatOf(storage.Point{Fields: map[string]any{sensor.FieldValue: raw}})
			ti, ok := tableIndex[format]
			if !ok {
				ti = len(out)
				tableIndex[format] = ti
				groupIndex[format] = make(map[string]int)
				out = append(out, TableGroup{Format: format})
			}

			value, units := sensor.ParseField(raw, row.Fields[sensor.FieldUnits])
			id := sensor.IdentityFromTags(row.Tags)
			key := id.Key()
			gi, seen := groupIndex[format][key]
			if !seen {
				gi = len(out[ti].Groups)
				groupIndex[format][key] = gi
				out[ti].Groups = append(out[ti].Groups, SensorGroup{Identity: id})
			}
			out[ti].Groups[gi].Readings = append(out[ti].Groups[gi].Readings, sensor.Reading{
				Identity: id,
				Time:     row.Time,
				Value:    value,
				Units:    units,
			})
		}
	}
	for _, tg := range out {
		for _, g := range tg.Groups {
			sort.SliceStable(g.Readings, func(a, b int) bool {
				return g.Readings[a].Time.Before(g.Readings[b].Time)
			})
		}
	}
	return out, nil
}
