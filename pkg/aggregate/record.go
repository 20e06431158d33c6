package aggregate

import (
	"time"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

// Record is the min/avg/max summary of one sensor over one window.
type Record struct {
	Time     time.Time
	Identity sensor.Identity
	Min      sensor.Value
	Avg      sensor.Value
	Max      sensor.Value
	Units    string

	// Count is the number of hi-res samples folded into the record.
	// Zero on hi-res records, where it is implicitly one.
	Count int64
}

// Weight returns the merge weight of the record.
func (r *Record) Weight() int64 {
	if r.Count <= 0 {
		return 1
	}
	return r.Count
}

// Shape returns the value variant of the record.
func (r *Record) Shape() sensor.ValueType {
	return r.Avg.Type()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Identity = make(sensor.Identity, len(r.Identity))
	for k, v := range r.Identity {
		c.Identity[k] = v
	}
	c.Min = cloneValue(r.Min)
	c.Avg = cloneValue(r.Avg)
	c.Max = cloneValue(r.Max)
	return &c
}

func cloneValue(v sensor.Value) sensor.Value {
	if v.Type() == sensor.StructuredType {
		return sensor.Structured(v.Components())
	}
	return v
}
