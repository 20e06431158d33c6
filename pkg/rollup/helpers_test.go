package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
	"github.com/nicktill/tinyrollup/pkg/storage/memory"
)

const (
	rawBucket   = "sensors"
	hiresBucket = "sensors_hires"
	loresBucket = "sensors_lowres"
	measurement = "data"
)

var errStoreDown = errors.New("store unavailable")

// recordingStore counts writes per bucket and can fail chosen writes.
type recordingStore struct {
	storage.Storage

	mu        sync.Mutex
	writes    map[string]int
	failWrite map[string][]int // bucket -> 1-based write call numbers to fail
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Storage:   memory.New(),
		writes:    make(map[string]int),
		failWrite: make(map[string][]int),
	}
}

func (s *recordingStore) Write(ctx context.Context, bucket string, points []storage.Point) error {
	s.mu.Lock()
	s.writes[bucket]++
	n := s.writes[bucket]
	fail := false
	for _, f := range s.failWrite[bucket] {
		if f == n {
			fail = true
		}
	}
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Storage.Write(ctx, bucket, points)
}

func (s *recordingStore) writeCount(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[bucket]
}

func newTestCascade(t *testing.T, store storage.Storage, clk clock.Clock, opts ...Option) *Cascade {
	t.Helper()
	opts = append([]Option{WithClock(clk)}, opts...)
	c, err := New(store, Config{
		Measurement: measurement,
		RawBucket:   rawBucket,
		Tiers:       DefaultTiers(5*time.Minute, hiresBucket, loresBucket),
	}, opts...)
	require.NoError(t, err)
	return c
}

func mockClock(at time.Time) *clock.Mock {
	clk := clock.NewMock()
	clk.Set(at)
	return clk
}

func rawPoint(id sensor.Identity, ts time.Time, value any, units string) storage.Point {
	return storage.Point{
		Measurement: measurement,
		Tags:        id.Tags(),
		Fields:      map[string]any{sensor.FieldValue: value, sensor.FieldUnits: units},
		Time:        ts,
	}
}

func writeRaw(t *testing.T, store storage.Storage, points ...storage.Point) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), rawBucket, points))
}

// readRecords returns the records of a bucket keyed by sensor identity key.
func readRecords(t *testing.T, store storage.Storage, bucket string) map[string][]*aggregate.Record {
	t.Helper()
	tables, err := store.Query(context.Background(), storage.QueryRequest{Bucket: bucket})
	require.NoError(t, err)

	out := make(map[string][]*aggregate.Record)
	for _, tbl := range tables {
		for _, row := range tbl.Rows {
			rec, err := aggregate.FromPoint(row)
			require.NoError(t, err)
			out[rec.Identity.Key()] = append(out[rec.Identity.Key()], rec)
		}
	}
	return out
}

func scalar(t *testing.T, v sensor.Value) float64 {
	t.Helper()
	f, ok := v.Float()
	require.True(t, ok, "expected scalar, got %s", v.Type())
	return f
}
