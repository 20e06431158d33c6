package sensor

import "time"

// Reading is one raw measurement of a sensor.
type Reading struct {
	Identity Identity
	Time     time.Time
	Value    Value
	Units    string
}

// Kind returns the measurement kind of the reading.
func (r Reading) Kind() string {
	return r.Identity.Kind()
}

// Stored field names of raw readings.
const (
	FieldValue = "value"
	FieldUnits = "value_units"
)
