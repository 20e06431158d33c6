package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Storage stores points in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	buckets map[string]map[string]storage.Point
	closed  bool
	mu      sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		buckets: make(map[string]map[string]storage.Point),
	}
}

// Write upserts points into the bucket
func (s *Storage) Write(ctx context.Context, bucket string, points []storage.Point) error {
	if bucket == "" {
		return storage.ErrNoBucket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	rows, ok := s.buckets[bucket]
	if !ok {
		rows = make(map[string]storage.Point)
		s.buckets[bucket] = rows
	}
	for _, p := range points {
		p = clonePoint(storage.Normalize(p))
		rows[rowKey(p)] = p
	}
	return nil
}

// Query retrieves rows matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Table, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var matched []storage.Point
	for _, p := range s.buckets[req.Bucket] {
		if !req.Matches(p) {
			continue
		}
		p, ok := req.Project(p)
		if !ok {
			continue
		}
		matched = append(matched, clonePoint(p))
	}
	return storage.Assemble(matched, req), nil
}

// Exists reports whether any row matches
func (s *Storage) Exists(ctx context.Context, req storage.QueryRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, storage.ErrClosed
	}

	for _, p := range s.buckets[req.Bucket] {
		if !req.Matches(p) {
			continue
		}
		if _, ok := req.Project(p); ok {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes rows in [Start, End)
func (s *Storage) Delete(ctx context.Context, req storage.DeleteRequest) error {
	if req.Bucket == "" {
		return storage.ErrNoBucket
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	for key, p := range s.buckets[req.Bucket] {
		if req.Measurement != "" && p.Measurement != req.Measurement {
			continue
		}
		if storage.InRange(p.Time, req.Start, req.End) {
			delete(s.buckets[req.Bucket], key)
		}
	}
	return nil
}

// Close marks the storage closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{}
	series := make(map[string]bool)
	var oldest, newest time.Time

	for bucket, rows := range s.buckets {
		for _, p := range rows {
			stats.TotalPoints++
			series[bucket+"|"+storage.SeriesKey(p.Measurement, p.Tags)] = true

			if oldest.IsZero() || p.Time.Before(oldest) {
				oldest = p.Time
			}
			if newest.IsZero() || p.Time.After(newest) {
				newest = p.Time
			}
		}
	}

	stats.TotalSeries = uint64(len(series))
	stats.Oldest = oldest
	stats.Newest = newest

	// Rough size estimate (each point ~200 bytes)
	stats.SizeBytes = stats.TotalPoints * 200

	return stats, nil
}

func rowKey(p storage.Point) string {
	return storage.SeriesKey(p.Measurement, p.Tags) + "@" + p.Time.Format(time.RFC3339)
}

func clonePoint(p storage.Point) storage.Point {
	tags := make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		tags[k] = v
	}
	fields := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	p.Tags = tags
	p.Fields = fields
	return p
}
