package ingest

import (
	"fmt"

	"github.com/nicktill/tinyrollup/pkg/sensor"
)

// Validation and inventory limits
const (
	MaxTopicLength      = 256  // Maximum bus topic length
	MaxTagValueLength   = 128  // Maximum identity tag value length
	MaxPayloadBytes     = 1 << 16
	MaxReadingsPerBatch = 1000 // Maximum readings in a single HTTP ingest request

	// Maximum sensors remembered by the inventory
	MaxKnownSensors = 100000
)

var (
	// ErrTopicTooLong is returned when a topic exceeds MaxTopicLength
	ErrTopicTooLong = fmt.Errorf("topic too long (max %d chars)", MaxTopicLength)

	// ErrTagValueTooLong is returned when an identity tag exceeds MaxTagValueLength
	ErrTagValueTooLong = fmt.Errorf("tag value too long (max %d chars)", MaxTagValueLength)

	// ErrNoKind is returned when an identity has no kind
	ErrNoKind = fmt.Errorf("sensor identity has no kind")

	// ErrInventoryFull is returned when the inventory reached MaxKnownSensors
	ErrInventoryFull = fmt.Errorf("sensor inventory full (max %d sensors)", MaxKnownSensors)

	// ErrTooManyReadings is returned when an ingest request carries too many readings
	ErrTooManyReadings = fmt.Errorf("too many readings in request (max %d)", MaxReadingsPerBatch)
)

// ValidateTopic checks a bus topic against the limits.
func ValidateTopic(topic string) error {
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("%w: %d chars", ErrTopicTooLong, len(topic))
	}
	return nil
}

// ValidateIdentity checks an extracted identity against the limits.
func ValidateIdentity(id sensor.Identity) error {
	if id.Kind() == "" {
		return ErrNoKind
	}
	for k, v := range id {
		if len(v) > MaxTagValueLength {
			return fmt.Errorf("%w: tag %q of %s", ErrTagValueTooLong, k, id)
		}
	}
	return nil
}
