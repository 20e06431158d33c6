package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

const (
	keyLen = 24

	// slowQuery is the duration above which a scan is logged.
	slowQuery = 5 * time.Second
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	log *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	// Logger receives slow-query warnings. Defaults to a no-op logger.
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	// SAFETY: conservative memory limits, sensor rows are small
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // CRITICAL: 64 MB value log files instead of default 2GB!

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{db: db, log: logger.Named("badger")}, nil
}

// Write upserts points in BadgerDB
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Write(ctx context.Context, bucket string, points []storage.Point) error {
	if bucket == "" {
		return storage.ErrNoBucket
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, p := range points {
			if i%100 == 0 && ctx.Err() != nil {
				done <- ctx.Err()
				return
			}
			p = storage.Normalize(p)
			value, err := json.Marshal(p)
			if err != nil {
				done <- fmt.Errorf("failed to encode point: %w", err)
				return
			}
			if err := wb.Set(makeKey(bucket, p), value); err != nil {
				done <- fmt.Errorf("failed to write point: %w", err)
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return translate(err)
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves rows matching the request
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Table, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		rows []storage.Point
		err  error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		res.err = s.scan(ctx, req, func(p storage.Point) bool {
			res.rows = append(res.rows, p)
			return true
		})
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, translate(res.err)
		}
		return storage.Assemble(res.rows, req), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Exists reports whether any row matches, stopping at the first hit
func (s *Storage) Exists(ctx context.Context, req storage.QueryRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	type existsResult struct {
		found bool
		err   error
	}
	done := make(chan existsResult, 1)

	go func() {
		var res existsResult
		res.err = s.scan(ctx, req, func(storage.Point) bool {
			res.found = true
			return false
		})
		done <- res
	}()

	select {
	case res := <-done:
		return res.found, translate(res.err)
	case <-ctx.Done():
		return false, fmt.Errorf("exists operation cancelled: %w", ctx.Err())
	}
}

// scan walks one bucket and calls fn for each matching, projected row
// until fn returns false.
func (s *Storage) scan(ctx context.Context, req storage.QueryRequest, fn func(storage.Point) bool) error {
	start := time.Now()
	var iterCount, hits int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = bucketPrefix(req.Bucket)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			// CRITICAL: check for cancellation so a long scan cannot block shutdown
			if iterCount%1000 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}

			item := it.Item()
			// Cheap time filter from the key before decoding the value
			if !storage.InRange(keyTime(item.Key()), req.Start, req.End) {
				continue
			}

			var p storage.Point
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("failed to decode point: %w", err)
			}
			if !req.Matches(p) {
				continue
			}
			p, ok := req.Project(p)
			if !ok {
				continue
			}
			hits++
			if !fn(p) {
				return nil
			}
		}
		return nil
	})

	if elapsed := time.Since(start); elapsed > slowQuery {
		s.log.Warn("slow scan",
			zap.String("bucket", req.Bucket),
			zap.Duration("elapsed", elapsed),
			zap.Int("iterations", iterCount),
			zap.Int("hits", hits))
	}
	return err
}

// Delete removes rows of a bucket within [Start, End)
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Delete(ctx context.Context, req storage.DeleteRequest) error {
	if req.Bucket == "" {
		return storage.ErrNoBucket
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = req.Measurement != ""
			opts.Prefix = bucketPrefix(req.Bucket)

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				item := it.Item()
				if !storage.InRange(keyTime(item.Key()), req.Start, req.End) {
					continue
				}
				if req.Measurement != "" {
					var p storage.Point
					if err := item.Value(func(val []byte) error {
						return json.Unmarshal(val, &p)
					}); err != nil {
						return fmt.Errorf("failed to decode point: %w", err)
					}
					if p.Measurement != req.Measurement {
						continue
					}
				}
				keys = append(keys, item.KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			done <- err
			return
		}

		// Batched deletes avoid ErrTxnTooBig on large ranges
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				done <- err
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return translate(err)
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		var res statsResult
		stats := &storage.Stats{}

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			series := make(map[string]bool)
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				key := it.Item().Key()
				if len(key) != keyLen {
					continue
				}
				stats.TotalPoints++
				series[string(key[:16])] = true

				ts := keyTime(key)
				if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
					stats.Oldest = ts
				}
				if stats.Newest.IsZero() || ts.After(stats.Newest) {
					stats.Newest = ts
				}
			}

			stats.TotalSeries = uint64(len(series))
			return nil
		})

		if res.err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}

		res.stats = stats
		done <- res
	}()

	select {
	case res := <-done:
		return res.stats, translate(res.err)
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// makeKey creates a sortable key.
// Format: [bucket_hash (8 bytes)][series_hash (8 bytes)][unix seconds (8 bytes)]
// Same series and second share a key, so writes are upserts.
func makeKey(bucket string, p storage.Point) []byte {
	key := make([]byte, keyLen)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(bucket))
	binary.BigEndian.PutUint64(key[8:16], xxhash.Sum64String(storage.SeriesKey(p.Measurement, p.Tags)))
	binary.BigEndian.PutUint64(key[16:24], uint64(p.Time.Unix()))
	return key
}

func bucketPrefix(bucket string) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(bucket))
	return prefix
}

// keyTime extracts the timestamp from a storage key
func keyTime(key []byte) time.Time {
	if len(key) != keyLen {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64(key[16:24])), 0).UTC()
}

func translate(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}
