package sensor

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultLocation is used when neither the payload nor the topic names a location.
const DefaultLocation = "ut3"

// ErrBadTopic is returned for topics that cannot be mapped to an identity.
var ErrBadTopic = errors.New("topic does not map to a sensor identity")

// Extractor maps a bus topic and decoded payload to a sensor identity.
type Extractor interface {
	ExtractIdentity(topic string, payload map[string]any) (Identity, error)
}

// TopicExtractor understands campus topics "<building>/<room>/<kind>" and
// remote ones "abroad/<location>/<building>/<room>/<kind>".
type TopicExtractor struct {
	Location string
}

// ExtractIdentity implements Extractor.
func (e TopicExtractor) ExtractIdentity(topic string, payload map[string]any) (Identity, error) {
	items := strings.Split(topic, "/")
	abroad := strings.EqualFold(items[0], "abroad")
	if (abroad && len(items) < 5) || len(items) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}

	unitID, hasUnit := payloadString(payload, "unitID")
	subID, hasSub := payloadString(payload, "subID")
	outside := strings.EqualFold(items[0], "outside") || unitID == "outside" || subID == "outside"

	id := make(Identity, len(IdentityTags))

	location, ok := payloadString(payload, "location")
	switch {
	case ok:
	case abroad:
		location = items[1]
	case e.Location != "":
		location = e.Location
	default:
		location = DefaultLocation
	}
	id[TagLocation] = strings.ToLower(location)

	switch {
	case outside:
	case abroad:
		id[TagBuilding] = strings.ToLower(items[2])
		id[TagRoom] = strings.ToLower(items[3])
	default:
		id[TagBuilding] = strings.ToLower(items[0])
		id[TagRoom] = strings.ToLower(items[1])
	}

	if abroad {
		id[TagKind] = strings.ToLower(items[4])
	} else {
		id[TagKind] = strings.ToLower(items[2])
	}

	if !hasUnit || unitID == "outside" {
		unitID = items[0] + "_" + items[1]
	}
	id[TagUnitID] = strings.ToLower(unitID)

	if hasSub && subID != "outside" {
		id[TagSubID] = strings.ToLower(subID)
	}
	return id, nil
}

// payloadString returns payload[key] rendered as a string, if present and not null.
func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	default:
		return fmt.Sprint(x), true
	}
}
