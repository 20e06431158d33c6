package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Stored field names of aggregate records.
const (
	FieldMin   = "value_min"
	FieldAvg   = "value_avg"
	FieldMax   = "value_max"
	FieldCount = "_avg_count"
)

// RecordFields is the field allow-list for reading records back.
var RecordFields = []string{FieldMin, FieldAvg, FieldMax, sensor.FieldUnits, FieldCount}

var ErrBadRecord = errors.New("malformed aggregate record")

// ToPoint encodes the record as a stored row. Count is written only when set.
func (r *Record) ToPoint(measurement string) (storage.Point, error) {
	fields := make(map[string]any, 5)
	for name, v := range map[string]sensor.Value{FieldMin: r.Min, FieldAvg: r.Avg, FieldMax: r.Max} {
		fv, err := v.FieldValue()
		if err != nil {
			return storage.Point{}, fmt.Errorf("encode %s: %w", name, err)
		}
		if f, ok := fv.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return storage.Point{}, fmt.Errorf("%w: %s is not finite", ErrBadRecord, name)
		}
		fields[name] = fv
	}
	fields[sensor.FieldUnits] = r.Units
	if r.Count > 0 {
		fields[FieldCount] = float64(r.Count)
	}

	return storage.Point{
		Measurement: measurement,
		Tags:        r.Identity.Tags(),
		Fields:      fields,
		Time:        r.Time,
	}, nil
}

// FromPoint decodes a stored row written by ToPoint.
func FromPoint(p storage.Point) (*Record, error) {
	units, _ := p.Fields[sensor.FieldUnits].(string)
	rec := &Record{
		Time:     p.Time,
		Identity: sensor.IdentityFromTags(p.Tags),
		Units:    units,
	}

	var ok bool
	if rec.Min, ok = decodeStat(p, FieldMin); !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadRecord, FieldMin)
	}
	if rec.Avg, ok = decodeStat(p, FieldAvg); !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadRecord, FieldAvg)
	}
	if rec.Max, ok = decodeStat(p, FieldMax); !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadRecord, FieldMax)
	}
	if !rec.Min.SameShape(rec.Avg) || !rec.Max.SameShape(rec.Avg) {
		return nil, fmt.Errorf("%w: statistics disagree on shape", ErrBadRecord)
	}

	switch c := p.Fields[FieldCount].(type) {
	case float64:
		rec.Count = int64(c)
	case int64:
		rec.Count = c
	case int:
		rec.Count = int64(c)
	}
	return rec, nil
}

func decodeStat(p storage.Point, field string) (sensor.Value, bool) {
	raw, ok := p.Fields[field]
	if !ok {
		return sensor.Value{}, false
	}
	v, _ := sensor.ParseField(raw, p.Fields[sensor.FieldUnits])
	return v, true
}
