package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

const (
	// MaxImportBatchSize is the maximum number of rows to write at once
	MaxImportBatchSize = 5000
)

// ErrNoTargetBucket is returned when neither the caller nor the export names a bucket.
var ErrNoTargetBucket = errors.New("import has no target bucket")

// Importer restores JSON exports
type Importer struct {
	storage storage.Storage
	clock   clock.Clock
}

// NewImporter creates a new importer
func NewImporter(store storage.Storage) *Importer {
	return &Importer{storage: store, clock: clock.New()}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	Bucket         string    `json:"bucket"`
	RowsImported   int       `json:"rows_imported"`
	BatchesWritten int       `json:"batches_written"`
	TimeRange      string    `json:"time_range"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON restores the rows of an export into bucket, or into the
// exported bucket when bucket is empty. Rows are upserted, so importing the
// same file twice is harmless.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader, bucket string) (*ImportResult, error) {
	doc, err := decodeDocument(r)
	if err != nil {
		return nil, err
	}
	return im.importDocument(ctx, doc, bucket)
}

func decodeDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return &doc, nil
}

func (im *Importer) importDocument(ctx context.Context, doc *Document, bucket string) (*ImportResult, error) {
	if bucket == "" {
		bucket = doc.Metadata.Bucket
	}
	if bucket == "" {
		return nil, ErrNoTargetBucket
	}

	result := &ImportResult{Bucket: bucket, TimeRange: "empty", ImportedAt: im.clock.Now().UTC()}
	if len(doc.Rows) == 0 {
		return result, nil
	}

	// Invalid rows are reported and skipped
	valid := make([]storage.Point, 0, len(doc.Rows))
	for i, p := range doc.Rows {
		if err := validateRow(p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		valid = append(valid, p)
	}

	// Write rows in batches to avoid overwhelming storage
	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := i + MaxImportBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		if err := im.storage.Write(ctx, bucket, valid[i:end]); err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err)
		}
		result.BatchesWritten++
	}
	result.RowsImported = len(valid)

	if len(valid) > 0 {
		minTime, maxTime := valid[0].Time, valid[0].Time
		for _, p := range valid {
			if p.Time.Before(minTime) {
				minTime = p.Time
			}
			if p.Time.After(maxTime) {
				maxTime = p.Time
			}
		}
		result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}
	return result, nil
}

// validateRow checks a row before import. Aggregate rows must decode as
// records, raw rows must carry a value.
func validateRow(p storage.Point) error {
	if p.Measurement == "" {
		return fmt.Errorf("measurement cannot be empty")
	}
	if p.Time.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	if sensor.IdentityFromTags(p.Tags).Kind() == "" {
		return fmt.Errorf("row has no %s tag", sensor.TagKind)
	}
	for name, v := range p.Fields {
		switch v.(type) {
		case float64, string, bool:
		default:
			return fmt.Errorf("field %s has unsupported type %T", name, v)
		}
	}
	if _, ok := p.Fields[aggregate.FieldAvg]; ok {
		if _, err := aggregate.FromPoint(p); err != nil {
			return err
		}
		return nil
	}
	if _, ok := p.Fields[sensor.FieldValue]; !ok {
		return fmt.Errorf("row has neither %s nor %s", sensor.FieldValue, aggregate.FieldAvg)
	}
	return nil
}
