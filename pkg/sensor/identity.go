package sensor

import (
	"strconv"
	"strings"
)

// Identity tags, in canonical order.
const (
	TagLocation = "location"
	TagBuilding = "building"
	TagRoom     = "room"
	TagKind     = "kind"
	TagUnitID   = "unitID"
	TagSubID    = "subID"
)

// IdentityTags lists the tags that address one sensor stream.
var IdentityTags = []string{TagLocation, TagBuilding, TagRoom, TagKind, TagUnitID, TagSubID}

// Identity is the tag tuple of a sensor stream.
// A missing key means the tag is absent, which is not the same as an empty value.
type Identity map[string]string

// IdentityFromTags keeps only the identity tags of a stored tag set.
func IdentityFromTags(tags map[string]string) Identity {
	id := make(Identity, len(IdentityTags))
	for _, k := range IdentityTags {
		if v, ok := tags[k]; ok {
			id[k] = v
		}
	}
	return id
}

// Kind returns the measurement kind, or "" if absent.
func (id Identity) Kind() string {
	return id[TagKind]
}

// Has reports whether tag k is present.
func (id Identity) Has(k string) bool {
	_, ok := id[k]
	return ok
}

// Key returns a canonical grouping key. Absent tags are encoded distinctly
// from empty ones so {room:""} and {} never collide. Values are length
// prefixed, so separators inside a value cannot shift the fields.
func (id Identity) Key() string {
	var b strings.Builder
	for i, k := range IdentityTags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v, ok := id[k]; ok {
			b.WriteByte('=')
			b.WriteString(strconv.Itoa(len(v)))
			b.WriteByte(':')
			b.WriteString(v)
		} else {
			b.WriteByte('!')
		}
	}
	return b.String()
}

// String renders the identity as a URI, "__" standing for absent tags.
func (id Identity) String() string {
	parts := make([]string, len(IdentityTags))
	for i, k := range IdentityTags {
		if v, ok := id[k]; ok {
			parts[i] = v
		} else {
			parts[i] = "__"
		}
	}
	return strings.Join(parts, "/")
}

// Tags returns a copy suitable for a stored point (absent tags omitted).
func (id Identity) Tags() map[string]string {
	tags := make(map[string]string, len(id))
	for k, v := range id {
		tags[k] = v
	}
	return tags
}

// Equal compares two identities tag by tag.
func (id Identity) Equal(other Identity) bool {
	return id.Key() == other.Key()
}
