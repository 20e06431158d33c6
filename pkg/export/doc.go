// Package export provides backup, restore and archiving of stored rows.
//
// # Overview
//
// Any bucket the engine knows (the raw bucket or a tier bucket) can be
// exported over a time range to JSON or CSV, and JSON exports can be
// restored. This is useful for:
//   - Moving a lo-res history to another installation
//   - Feeding aggregates to spreadsheets or notebooks
//   - Archiving days that are about to leave retention
//
// # Supported Formats
//
// JSON Format:
//   - One document with metadata (bucket, range, row count, version) and rows
//   - Rows keep measurement, tags, fields and timestamp
//   - Can be re-imported
//
// CSV Format:
//   - timestamp and measurement, then one column per tag and per field
//   - Columns are the union over all exported rows, sorted by name
//   - Export-only
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - bucket: bucket to export (default: the raw bucket)
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 timestamps (default: last 24 hours)
//   - measurement and identity tags (kind, room, ...): filters
//
// Example:
//
//	curl "http://localhost:8080/v1/export?bucket=sensors_lowres&format=csv&start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z" \
//	  -o january.csv
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @january.json
//
// Rows are upserted, so restoring a file twice leaves the bucket unchanged.
// Aggregate rows are checked to decode as records before they are written;
// invalid rows are skipped and reported in ImportResult.Errors.
//
// # Archive
//
// Archiver uploads an export to an S3-compatible object store under
// <prefix>/<bucket>/<start>_<end>.<format>.
package export
