package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/dedup"
)

// LegacyCollection is the collection holding legacy measures.
const LegacyCollection = "measure"

var errNoMeasureTime = errors.New("measure has no datemesure")

// Cursor iterates legacy measure documents. *mongo.Cursor implements it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// LegacyOptions bounds an import.
type LegacyOptions struct {
	Start time.Time // zero imports from the first document
	End   time.Time // zero imports everything

	// DisableCheck skips every duplicate probe.
	DisableCheck bool

	// BatchInterval is the span of one probe batch.
	BatchInterval time.Duration
}

// ImportStats summarizes an import.
type ImportStats struct {
	Processed  int `json:"processed"`
	Written    int `json:"written"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Batches    int `json:"batches"`
}

// LegacyImporter replays legacy measures through the writer.
type LegacyImporter struct {
	writer *Writer
	guard  *dedup.Guard
	opts   LegacyOptions
	log    *zap.Logger
}

// NewLegacyImporter creates an importer.
func NewLegacyImporter(w *Writer, guard *dedup.Guard, opts LegacyOptions, log *zap.Logger) *LegacyImporter {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = dedup.DefaultBatchInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LegacyImporter{writer: w, guard: guard, opts: opts, log: log.Named("legacy")}
}

// OpenLegacy connects to the legacy database and returns a cursor over the
// measure collection ordered by id, starting at start when set.
func OpenLegacy(ctx context.Context, uri, database string, start time.Time) (*mongo.Client, *mongo.Cursor, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect legacy store: %w", err)
	}
	filter := bson.M{}
	if !start.IsZero() {
		filter["_id"] = bson.M{"$gte": primitive.NewObjectIDFromTimestamp(start)}
	}
	cur, err := client.Database(database).Collection(LegacyCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("query %s: %w", LegacyCollection, err)
	}
	return client, cur, nil
}

// Import consumes cur until it is exhausted, the end date is passed or ctx
// is done.
func (li *LegacyImporter) Import(ctx context.Context, cur Cursor) (ImportStats, error) {
	var stats ImportStats
	var batch *dedup.Batch

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			stats.Failed++
			li.log.Warn("undecodable measure", zap.Error(err))
			continue
		}
		stats.Processed++

		m, err := parseMeasure(doc)
		if err != nil {
			stats.Failed++
			li.log.Warn("measure skipped", zap.Any("id", doc["_id"]), zap.Error(err))
			continue
		}
		if !li.opts.Start.IsZero() && m.time.Before(li.opts.Start) {
			stats.Skipped++
			continue
		}
		if !li.opts.End.IsZero() && m.time.After(li.opts.End) {
			li.log.Info("end date reached", zap.Time("end", li.opts.End))
			break
		}

		if batch == nil || !batch.Contains(m.time) {
			end := m.time.Add(li.opts.BatchInterval)
			if !li.opts.End.IsZero() && end.After(li.opts.End) {
				end = li.opts.End.Add(time.Second)
			}
			batch, err = li.guard.Batch(ctx, m.time, end, li.opts.DisableCheck)
			if err != nil {
				return stats, err
			}
			stats.Batches++
		}

		res, err := li.writer.Handle(ctx, m.topic, m.payload, WithTimestamp(m.time), WithBatch(batch))
		switch {
		case err != nil:
			stats.Failed++
			li.log.Warn("measure not imported", zap.String("topic", m.topic), zap.Error(err))
		case res == ResultWritten || res == ResultSimulated:
			stats.Written++
		case res == ResultDuplicate:
			stats.Duplicates++
		default:
			stats.Skipped++
		}

		if stats.Processed%10000 == 0 {
			li.log.Info("import progress", zap.Int("processed", stats.Processed), zap.Time("at", m.time))
		}
	}
	if err := cur.Err(); err != nil {
		return stats, fmt.Errorf("read legacy measures: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

type legacyMeasure struct {
	time    time.Time
	topic   string
	payload map[string]any
}

// parseMeasure extracts time, topic and payload from a legacy document.
// Only the first three topic levels are kept.
func parseMeasure(doc bson.M) (legacyMeasure, error) {
	var m legacyMeasure

	raw, ok := doc["datemesure"]
	if !ok {
		raw, ok = doc["date"]
	}
	if !ok {
		return m, errNoMeasureTime
	}
	switch x := raw.(type) {
	case primitive.DateTime:
		m.time = x.Time().UTC()
	default:
		t, err := ParseTimestamp(x)
		if err != nil {
			return m, err
		}
		m.time = t
	}

	topic, _ := doc["topic"].(string)
	if topic == "" {
		topic, _ = doc["uri"].(string)
	}
	if topic == "" {
		return m, fmt.Errorf("measure has no topic")
	}
	if parts := strings.Split(topic, "/"); len(parts) > 3 {
		topic = strings.Join(parts[:3], "/")
	}
	m.topic = topic

	payload, err := measurePayload(doc)
	if err != nil {
		return m, err
	}
	m.payload = payload
	return m, nil
}

func measurePayload(doc bson.M) (map[string]any, error) {
	raw, ok := doc["payload"]
	if !ok {
		for _, parent := range []string{"data", "mqtt_data"} {
			if sub, isDoc := asDoc(doc[parent]); isDoc {
				if raw, ok = sub["payload"]; ok {
					break
				}
			}
		}
	}
	if !ok || raw == nil {
		return nil, fmt.Errorf("measure has no payload")
	}

	if sub, isDoc := asDoc(raw); isDoc {
		raw = sub
	}
	switch x := raw.(type) {
	case string:
		return DecodePayload([]byte(x))
	case bson.M:
		// Relaxed extended JSON renders plain numbers, which DecodePayload
		// keeps as json.Number like bus payloads.
		b, err := bson.MarshalExtJSON(x, false, false)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return DecodePayload(b)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", raw)
	}
}

func asDoc(v any) (bson.M, bool) {
	switch x := v.(type) {
	case bson.M:
		return x, true
	case bson.D:
		m := make(bson.M, len(x))
		for _, e := range x {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}
