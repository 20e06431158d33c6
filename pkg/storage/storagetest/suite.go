// Package storagetest holds a behaviour suite every storage backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) storage.Storage

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func point(room string, offset time.Duration, value any) storage.Point {
	tags := map[string]string{"location": "ut3", "kind": "temperature"}
	if room != "" {
		tags["room"] = room
	}
	return storage.Point{
		Measurement: "data",
		Tags:        tags,
		Fields:      map[string]any{"value": value, "value_units": "celsius"},
		Time:        base.Add(offset),
	}
}

// Run executes the suite against backends produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyQuery", func(t *testing.T) {
		s := newStore(t)
		tables, err := s.Query(context.Background(), storage.QueryRequest{Bucket: "raw"})
		require.NoError(t, err)
		assert.Empty(t, tables)
	})

	t.Run("RangeIsEndExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{
			point("101", 0, 1.0),
			point("101", time.Minute, 2.0),
			point("101", 2*time.Minute, 3.0),
		}))

		tables, err := s.Query(ctx, storage.QueryRequest{
			Bucket: "raw", Measurement: "data",
			Start: base, End: base.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 2)
		assert.Equal(t, 1.0, tables[0].Rows[0].Fields["value"])
		assert.Equal(t, 2.0, tables[0].Rows[1].Fields["value"])
	})

	t.Run("BucketsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{point("101", 0, 1.0)}))

		found, err := s.Exists(ctx, storage.QueryRequest{Bucket: "hires"})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("AbsentTagFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{
			point("101", 0, 1.0),
			point("", 0, 2.0),
		}))

		tables, err := s.Query(ctx, storage.QueryRequest{
			Bucket: "raw",
			Tags:   map[string]storage.TagMatch{"room": storage.NotExists()},
		})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 1)
		assert.Equal(t, 2.0, tables[0].Rows[0].Fields["value"])

		tables, err = s.Query(ctx, storage.QueryRequest{
			Bucket: "raw",
			Tags:   map[string]storage.TagMatch{"room": storage.Eq("101")},
		})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 1)
		assert.Equal(t, 1.0, tables[0].Rows[0].Fields["value"])
	})

	t.Run("FieldAllowList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{point("101", 0, 1.0)}))

		tables, err := s.Query(ctx, storage.QueryRequest{Bucket: "raw", Fields: []string{"value"}})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		assert.Equal(t, map[string]any{"value": 1.0}, tables[0].Rows[0].Fields)
		assert.Equal(t, "value:number", tables[0].Format)

		tables, err = s.Query(ctx, storage.QueryRequest{Bucket: "raw", Fields: []string{"value_avg"}})
		require.NoError(t, err)
		assert.Empty(t, tables)
	})

	t.Run("ShapesStayInSeparateTables", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{
			point("101", 0, 1.0),
			point("102", 0, "[1,2]"),
			point("101", time.Minute, 2.0),
		}))

		tables, err := s.Query(ctx, storage.QueryRequest{Bucket: "raw"})
		require.NoError(t, err)
		require.Len(t, tables, 2)
		assert.NotEqual(t, tables[0].Format, tables[1].Format)
		assert.Len(t, tables[0].Rows, 2)
		assert.Len(t, tables[1].Rows, 1)
	})

	t.Run("WriteIsUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{point("101", 0, 1.0)}))
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{point("101", 300*time.Millisecond, 5.0)}))

		tables, err := s.Query(ctx, storage.QueryRequest{Bucket: "raw"})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 1)
		assert.Equal(t, 5.0, tables[0].Rows[0].Fields["value"])
		assert.True(t, tables[0].Rows[0].Time.Equal(base))
	})

	t.Run("LastDirective", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{
			point("101", 0, 1.0),
			point("101", 5*time.Minute, 2.0),
			point("102", 3*time.Minute, 3.0),
		}))

		tables, err := s.Query(ctx, storage.QueryRequest{
			Bucket:     "raw",
			Directives: []string{storage.DirectiveLast},
		})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 2)
		assert.Equal(t, 3.0, tables[0].Rows[0].Fields["value"])
		assert.Equal(t, 2.0, tables[0].Rows[1].Fields["value"])
	})

	t.Run("UnknownDirective", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Query(context.Background(), storage.QueryRequest{
			Bucket:     "raw",
			Directives: []string{"pivot"},
		})
		require.ErrorIs(t, err, storage.ErrUnsupportedDirective)
	})

	t.Run("ExistsWithinWindow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{point("101", 0, 1.0)}))

		found, err := s.Exists(ctx, storage.QueryRequest{
			Bucket: "raw", Start: base.Add(-time.Second), End: base.Add(2 * time.Second),
		})
		require.NoError(t, err)
		assert.True(t, found)

		found, err = s.Exists(ctx, storage.QueryRequest{
			Bucket: "raw", Start: base.Add(time.Second), End: base.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("DeleteRange", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "lowres", []storage.Point{
			point("101", -24*time.Hour, 1.0),
			point("101", 0, 2.0),
		}))
		require.NoError(t, s.Delete(ctx, storage.DeleteRequest{Bucket: "lowres", Start: base}))

		tables, err := s.Query(ctx, storage.QueryRequest{Bucket: "lowres"})
		require.NoError(t, err)
		require.Len(t, tables, 1)
		require.Len(t, tables[0].Rows, 1)
		assert.Equal(t, 1.0, tables[0].Rows[0].Fields["value"])
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Write(ctx, "raw", []storage.Point{
			point("101", 0, 1.0),
			point("101", time.Minute, 2.0),
			point("102", 2*time.Minute, 3.0),
		}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), stats.TotalPoints)
		assert.Equal(t, uint64(2), stats.TotalSeries)
		assert.True(t, stats.Oldest.Equal(base))
		assert.True(t, stats.Newest.Equal(base.Add(2*time.Minute)))
	})

	t.Run("MissingBucket", func(t *testing.T) {
		s := newStore(t)
		err := s.Write(context.Background(), "", []storage.Point{point("101", 0, 1.0)})
		require.ErrorIs(t, err, storage.ErrNoBucket)
	})
}
