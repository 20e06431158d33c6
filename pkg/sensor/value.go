package sensor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ValueType identifies the variant held by a Value.
type ValueType int

const (
	ScalarType ValueType = iota
	TextType
	StructuredType
)

func (t ValueType) String() string {
	switch t {
	case ScalarType:
		return "scalar"
	case TextType:
		return "text"
	case StructuredType:
		return "structured"
	default:
		return "unknown"
	}
}

// Component is one named entry of a structured value.
// NaN stands for an undefined component and is encoded as JSON null.
type Component struct {
	Name  string
	Value float64
}

// Value is a reading value: a number, a string, or an ordered list of
// named components. The variant is decided when the value is decoded.
type Value struct {
	typ   ValueType
	num   float64
	text  string
	comps []Component
}

// Scalar returns a numeric value.
func Scalar(f float64) Value { return Value{typ: ScalarType, num: f} }

// Text returns a string value.
func Text(s string) Value { return Value{typ: TextType, text: s} }

// Structured returns a structured value. The component slice is copied.
func Structured(comps []Component) Value {
	c := make([]Component, len(comps))
	copy(c, comps)
	return Value{typ: StructuredType, comps: c}
}

// Type returns the variant.
func (v Value) Type() ValueType { return v.typ }

// Float returns the number of a scalar value.
func (v Value) Float() (float64, bool) {
	return v.num, v.typ == ScalarType
}

// Str returns the string of a text value.
func (v Value) Str() (string, bool) {
	return v.text, v.typ == TextType
}

// Components returns the components of a structured value.
func (v Value) Components() []Component {
	if v.typ != StructuredType {
		return nil
	}
	return v.comps
}

// Names returns the component names of a structured value, in order.
func (v Value) Names() []string {
	names := make([]string, len(v.comps))
	for i, c := range v.comps {
		names[i] = c.Name
	}
	return names
}

// Component returns the named component.
func (v Value) Component(name string) (float64, bool) {
	for _, c := range v.comps {
		if c.Name == name {
			return c.Value, true
		}
	}
	return math.NaN(), false
}

// SameShape reports whether both values are the same variant and, for
// structured values, carry the same component names in the same order.
func (v Value) SameShape(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	if v.typ != StructuredType {
		return true
	}
	if len(v.comps) != len(other.comps) {
		return false
	}
	for i := range v.comps {
		if v.comps[i].Name != other.comps[i].Name {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	switch v.typ {
	case ScalarType:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case TextType:
		return v.text
	default:
		s, _, err := EncodeStructured(v.comps)
		if err != nil {
			return fmt.Sprintf("<invalid: %v>", err)
		}
		return s
	}
}

var (
	// ErrNotStructured is returned when a stored string does not decode as a structured value.
	ErrNotStructured = errors.New("not a structured value")
)

// EncodeStructured serializes components into the two parallel JSON arrays
// stored in the value and value_units fields.
func EncodeStructured(comps []Component) (value, units string, err error) {
	vals := make([]*float64, len(comps))
	names := make([]string, len(comps))
	for i := range comps {
		names[i] = comps[i].Name
		if !math.IsNaN(comps[i].Value) && !math.IsInf(comps[i].Value, 0) {
			f := comps[i].Value
			vals[i] = &f
		}
	}
	vb, err := json.Marshal(vals)
	if err != nil {
		return "", "", fmt.Errorf("encode components: %w", err)
	}
	ub, err := json.Marshal(names)
	if err != nil {
		return "", "", fmt.Errorf("encode component names: %w", err)
	}
	return string(vb), string(ub), nil
}

// DecodeStructured parses the two parallel JSON arrays back into components.
func DecodeStructured(value, units string) ([]Component, error) {
	var names []string
	if err := json.Unmarshal([]byte(units), &names); err != nil {
		return nil, fmt.Errorf("%w: units: %v", ErrNotStructured, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no component names", ErrNotStructured)
	}
	var vals []*float64
	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	if err := dec.Decode(&vals); err != nil {
		return nil, fmt.Errorf("%w: values: %v", ErrNotStructured, err)
	}
	if len(vals) != len(names) {
		return nil, fmt.Errorf("%w: %d values for %d names", ErrNotStructured, len(vals), len(names))
	}
	comps := make([]Component, len(vals))
	for i := range vals {
		comps[i].Name = names[i]
		if vals[i] == nil {
			comps[i].Value = math.NaN()
		} else {
			comps[i].Value = *vals[i]
		}
	}
	return comps, nil
}

// ParseField turns a stored value field and its units field into a Value.
// Numbers become scalars; strings are tried as structured values first and
// fall back to text. The returned units are the units field as a string.
func ParseField(value, units any) (Value, string) {
	u, _ := units.(string)
	switch x := value.(type) {
	case float64:
		return Scalar(x), u
	case float32:
		return Scalar(float64(x)), u
	case int:
		return Scalar(float64(x)), u
	case int64:
		return Scalar(float64(x)), u
	case bool:
		if x {
			return Scalar(1), u
		}
		return Scalar(0), u
	case string:
		if u != "" {
			if comps, err := DecodeStructured(x, u); err == nil {
				return Value{typ: StructuredType, comps: comps}, u
			}
		}
		return Text(x), u
	case nil:
		return Text(""), u
	default:
		return Text(fmt.Sprint(x)), u
	}
}

// FieldValue returns the stored representation of v for a point field.
func (v Value) FieldValue() (any, error) {
	switch v.typ {
	case ScalarType:
		return v.num, nil
	case TextType:
		return v.text, nil
	default:
		s, _, err := EncodeStructured(v.comps)
		return s, err
	}
}
