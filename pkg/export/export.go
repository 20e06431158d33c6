package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

// FormatVersion is written in the metadata of JSON exports.
const FormatVersion = "1.0"

// Exporter handles exporting stored rows to various formats
type Exporter struct {
	storage storage.Storage
	clock   clock.Clock
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store, clock: clock.New()}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Bucket to export: the raw bucket or any tier.
	Bucket      string
	Measurement string

	// Time range [Start, End) to export
	Start time.Time
	End   time.Time

	// Filter by identity tags (nil = every sensor)
	Tags map[string]string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	Bucket       string    `json:"bucket"`
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	Bucket      string    `json:"bucket"`
	Measurement string    `json:"measurement,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	RowCount    int       `json:"row_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout, read back by the importer.
type Document struct {
	Metadata Metadata        `json:"metadata"`
	Rows     []storage.Point `json:"rows"`
}

// Export writes rows in opts.Format.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	switch opts.Format {
	case "", "json":
		return e.ExportToJSON(ctx, w, opts)
	case "csv":
		return e.ExportToCSV(ctx, w, opts)
	default:
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
}

// ExportToJSON exports rows as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.rows(ctx, opts)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  e.clock.Now().UTC(),
			Bucket:      opts.Bucket,
			Measurement: opts.Measurement,
			StartTime:   opts.Start,
			EndTime:     opts.End,
			RowCount:    len(rows),
			Format:      "json",
			Version:     FormatVersion,
		},
		Rows: rows,
	}

	// Encode as pretty JSON
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return e.result(opts, len(rows), "json", doc.Metadata.ExportedAt), nil
}

// ExportToCSV exports rows as CSV to the given writer. Tag and field
// columns are the union over all rows, sorted by name.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.rows(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	tagKeys, fieldKeys := collectKeys(rows)

	header := []string{"timestamp", "measurement"}
	header = append(header, tagKeys...)
	header = append(header, fieldKeys...)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, p := range rows {
		record := make([]string, 0, len(header))
		record = append(record, p.Time.UTC().Format(time.RFC3339), p.Measurement)
		for _, k := range tagKeys {
			record = append(record, p.Tags[k])
		}
		for _, k := range fieldKeys {
			record = append(record, formatField(p.Fields[k]))
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return e.result(opts, len(rows), "csv", e.clock.Now().UTC()), nil
}

func (e *Exporter) rows(ctx context.Context, opts ExportOptions) ([]storage.Point, error) {
	req := storage.QueryRequest{
		Bucket:      opts.Bucket,
		Measurement: opts.Measurement,
		Start:       opts.Start,
		End:         opts.End,
	}
	if len(opts.Tags) > 0 {
		req.Tags = make(map[string]storage.TagMatch, len(opts.Tags))
		for k, v := range opts.Tags {
			req.Tags[k] = storage.Eq(v)
		}
	}

	tables, err := e.storage.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", opts.Bucket, err)
	}
	var rows []storage.Point
	for _, t := range tables {
		rows = append(rows, t.Rows...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Time.Equal(rows[j].Time) {
			return rows[i].Time.Before(rows[j].Time)
		}
		return storage.SeriesKey(rows[i].Measurement, rows[i].Tags) < storage.SeriesKey(rows[j].Measurement, rows[j].Tags)
	})
	return rows, nil
}

func (e *Exporter) result(opts ExportOptions, n int, format string, at time.Time) *ExportResult {
	return &ExportResult{
		Bucket:       opts.Bucket,
		RowsExported: n,
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       format,
		ExportedAt:   at,
	}
}

// collectKeys gathers all tag and field keys and returns them sorted
func collectKeys(rows []storage.Point) (tags, fields []string) {
	tagSet := make(map[string]bool)
	fieldSet := make(map[string]bool)
	for _, p := range rows {
		for k := range p.Tags {
			tagSet[k] = true
		}
		for k := range p.Fields {
			fieldSet[k] = true
		}
	}
	return sortedKeys(tagSet), sortedKeys(fieldSet)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
