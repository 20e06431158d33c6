package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Precision is the write precision of every backend.
const Precision = time.Second

// Normalize truncates the point timestamp to the write precision.
func Normalize(p Point) Point {
	p.Time = p.Time.Truncate(Precision).UTC()
	return p
}

// SeriesKey creates a deterministic string key for a series
func SeriesKey(measurement string, tags map[string]string) string {
	if len(tags) == 0 {
		return measurement
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(measurement)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// InRange reports whether ts falls in [start, end), zero bounds being open.
func InRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && !ts.Before(end) {
		return false
	}
	return true
}

// Matches checks measurement, time range and tag conditions.
func (req QueryRequest) Matches(p Point) bool {
	if req.Measurement != "" && p.Measurement != req.Measurement {
		return false
	}
	if !InRange(p.Time, req.Start, req.End) {
		return false
	}
	for k, m := range req.Tags {
		v, ok := p.Tags[k]
		if m.Absent {
			if ok {
				return false
			}
			continue
		}
		if !ok || v != m.Value {
			return false
		}
	}
	return true
}

// Project keeps only allowed fields. It reports false if nothing is left.
func (req QueryRequest) Project(p Point) (Point, bool) {
	if len(req.Fields) == 0 {
		return p, len(p.Fields) > 0
	}
	fields := make(map[string]any, len(req.Fields))
	for _, name := range req.Fields {
		if v, ok := p.Fields[name]; ok {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return p, false
	}
	p.Fields = fields
	return p, true
}

// Validate checks the request can be served by the bundled backends.
func (req QueryRequest) Validate() error {
	if req.Bucket == "" {
		return ErrNoBucket
	}
	for _, d := range req.Directives {
		if d != DirectiveLast && d != DirectiveFirst {
			return fmt.Errorf("%w: %q", ErrUnsupportedDirective, d)
		}
	}
	return nil
}

// FormatOf describes the field set and field types of a row.
func FormatOf(p Point) string {
	names := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + ":" + fieldType(p.Fields[k])
	}
	return strings.Join(parts, ",")
}

func fieldType(v any) string {
	switch v.(type) {
	case float64, float32, int, int64, int32, uint64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	default:
		return "unknown"
	}
}

// Assemble turns matched rows into tables: partitioned by format in
// first-appearance order, sorted by time, directives applied, then limited.
func Assemble(rows []Point, req QueryRequest) []Table {
	sort.SliceStable(rows, func(a, b int) bool {
		if !rows[a].Time.Equal(rows[b].Time) {
			return rows[a].Time.Before(rows[b].Time)
		}
		return SeriesKey(rows[a].Measurement, rows[a].Tags) < SeriesKey(rows[b].Measurement, rows[b].Tags)
	})

	var tables []Table
	index := make(map[string]int)
	for _, p := range rows {
		f := FormatOf(p)
		i, ok := index[f]
		if !ok {
			i = len(tables)
			index[f] = i
			tables = append(tables, Table{Format: f})
		}
		tables[i].Rows = append(tables[i].Rows, p)
	}

	for i := range tables {
		for _, d := range req.Directives {
			tables[i].Rows = applyDirective(tables[i].Rows, d)
		}
	}

	if req.Limit > 0 {
		remaining := req.Limit
		out := tables[:0]
		for _, t := range tables {
			if remaining == 0 {
				break
			}
			if len(t.Rows) > remaining {
				t.Rows = t.Rows[:remaining]
			}
			remaining -= len(t.Rows)
			out = append(out, t)
		}
		tables = out
	}
	return tables
}

// applyDirective expects rows sorted by time.
func applyDirective(rows []Point, directive string) []Point {
	pick := make(map[string]int)
	order := make([]string, 0)
	for i, p := range rows {
		key := SeriesKey(p.Measurement, p.Tags)
		if _, seen := pick[key]; !seen {
			order = append(order, key)
			pick[key] = i
			continue
		}
		if directive == DirectiveLast {
			pick[key] = i
		}
	}
	out := make([]Point, 0, len(order))
	for _, key := range order {
		out = append(out, rows[pick[key]])
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Time.Before(out[b].Time)
	})
	return out
}
