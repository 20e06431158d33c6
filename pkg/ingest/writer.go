package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/dedup"
	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Payload keys holding the reading's timestamp, in lookup order.
var TimestampKeys = []string{"datatime", "timestamp", "time"}

var (
	ErrBadPayload   = errors.New("payload is not a JSON object")
	ErrBadTimestamp = errors.New("unsupported timestamp")
)

// Result tells what Handle did with a message.
type Result int

const (
	ResultWritten Result = iota
	ResultIgnored         // special topic
	ResultNoValue         // no value field
	ResultDuplicate       // already stored
	ResultSimulated       // sim mode, nothing written
)

func (r Result) String() string {
	switch r {
	case ResultWritten:
		return "written"
	case ResultIgnored:
		return "ignored"
	case ResultNoValue:
		return "no_value"
	case ResultDuplicate:
		return "duplicate"
	case ResultSimulated:
		return "simulated"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Sink receives raw points. storage.Storage and *Batcher implement it.
type Sink interface {
	Write(ctx context.Context, bucket string, points []storage.Point) error
}

// Config names where raw readings go.
type Config struct {
	Bucket      string
	Measurement string
	Sim         bool
}

// Writer turns bus messages into raw readings.
type Writer struct {
	cfg       Config
	sink      Sink
	guard     *dedup.Guard
	extractor sensor.Extractor
	inventory *Inventory
	clock     clock.Clock
	log       *zap.Logger
	onResult  func(topic string, res Result, err error)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithGuard enables duplicate detection for readings carrying a timestamp.
func WithGuard(g *dedup.Guard) WriterOption {
	return func(w *Writer) { w.guard = g }
}

// WithExtractor replaces the default TopicExtractor.
func WithExtractor(e sensor.Extractor) WriterOption {
	return func(w *Writer) { w.extractor = e }
}

// WithInventory records every sensor seen.
func WithInventory(inv *Inventory) WriterOption {
	return func(w *Writer) { w.inventory = inv }
}

// WithWriterClock replaces the clock used for locally stamped readings.
func WithWriterClock(clk clock.Clock) WriterOption {
	return func(w *Writer) { w.clock = clk }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(log *zap.Logger) WriterOption {
	return func(w *Writer) { w.log = log }
}

// WithResultHook is called after every handled message.
func WithResultHook(fn func(topic string, res Result, err error)) WriterOption {
	return func(w *Writer) { w.onResult = fn }
}

// NewWriter creates a writer sending points to sink.
func NewWriter(sink Sink, cfg Config, opts ...WriterOption) *Writer {
	w := &Writer{
		cfg:       cfg,
		sink:      sink,
		extractor: sensor.TopicExtractor{},
		clock:     clock.New(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("ingest")
	return w
}

type handleOptions struct {
	timestamp time.Time
	noCheck   bool
	batch     *dedup.Batch
}

// HandleOption adjusts a single Handle call.
type HandleOption func(*handleOptions)

// WithTimestamp stamps the reading with ts instead of the payload's time.
func WithTimestamp(ts time.Time) HandleOption {
	return func(o *handleOptions) { o.timestamp = ts }
}

// WithoutDuplicateCheck skips the duplicate probe.
func WithoutDuplicateCheck() HandleOption {
	return func(o *handleOptions) { o.noCheck = true }
}

// WithBatch probes duplicates through an import batch.
func WithBatch(b *dedup.Batch) HandleOption {
	return func(o *handleOptions) { o.batch = b }
}

// IsSpecialTopic reports topics that never carry sensor readings.
func IsSpecialTopic(topic string) bool {
	if strings.HasPrefix(topic, "_") || strings.HasPrefix(topic, "TestTopic") || strings.HasSuffix(topic, "command") {
		return true
	}
	for _, s := range []string{"camera", "access", "display", "attendance"} {
		if strings.Contains(topic, s) {
			return true
		}
	}
	return false
}

// DecodePayload parses a JSON object keeping numbers as json.Number.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPayload, truncate(raw, 64))
	}
	return payload, nil
}

// HandleJSON decodes raw and calls Handle.
func (w *Writer) HandleJSON(ctx context.Context, topic string, raw []byte, opts ...HandleOption) (Result, error) {
	if IsSpecialTopic(topic) {
		return w.done(topic, ResultIgnored, nil)
	}
	if len(raw) > MaxPayloadBytes {
		return w.done(topic, ResultIgnored, fmt.Errorf("%w: %d bytes", ErrBadPayload, len(raw)))
	}
	payload, err := DecodePayload(raw)
	if err != nil {
		return w.done(topic, ResultIgnored, err)
	}
	return w.Handle(ctx, topic, payload, opts...)
}

// Handle stores the reading carried by one message.
func (w *Writer) Handle(ctx context.Context, topic string, payload map[string]any, opts ...HandleOption) (Result, error) {
	if IsSpecialTopic(topic) {
		w.log.Debug("special topic ignored", zap.String("topic", topic))
		return w.done(topic, ResultIgnored, nil)
	}
	if err := ValidateTopic(topic); err != nil {
		return w.done(topic, ResultIgnored, err)
	}
	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Readings stamped locally cannot be duplicates.
	check := !o.noCheck
	ts := o.timestamp
	if ts.IsZero() {
		for _, key := range TimestampKeys {
			raw, ok := payload[key]
			if !ok || raw == nil {
				continue
			}
			parsed, err := ParseTimestamp(raw)
			if err != nil {
				return w.done(topic, ResultIgnored, fmt.Errorf("topic %s: %w", topic, err))
			}
			ts = parsed
			break
		}
	}
	if ts.IsZero() {
		check = false
		ts = w.clock.Now()
	}
	ts = ts.UTC().Truncate(storage.Precision)

	id, err := w.extractor.ExtractIdentity(topic, payload)
	if err == nil {
		err = ValidateIdentity(id)
	}
	if err != nil {
		return w.done(topic, ResultIgnored, err)
	}

	value, ok := payload[sensor.FieldValue]
	if !ok || value == nil {
		value, ok = shutterValue(id.Kind(), payload)
		if !ok {
			return w.done(topic, ResultNoValue, nil)
		}
	}
	field, err := coerceValue(id.Kind(), value)
	if err != nil {
		return w.done(topic, ResultIgnored, fmt.Errorf("topic %s: %w", topic, err))
	}

	fields := map[string]any{sensor.FieldValue: field}
	units, ok := payload[sensor.FieldUnits]
	if (!ok || units == nil) && strings.EqualFold(id.Kind(), "digital") {
		units, ok = payload["type"]
	}
	if ok && units != nil {
		u, err := unitsField(units)
		if err != nil {
			return w.done(topic, ResultIgnored, fmt.Errorf("topic %s: %w", topic, err))
		}
		fields[sensor.FieldUnits] = u
	}

	if check && (w.guard != nil || o.batch != nil) {
		var dup bool
		if o.batch != nil {
			dup, err = o.batch.Exists(ctx, id, ts)
		} else {
			dup, err = w.guard.Exists(ctx, id, ts)
		}
		if err != nil {
			return w.done(topic, ResultIgnored, err)
		}
		if dup {
			w.log.Debug("duplicate reading dropped", zap.String("sensor", id.String()), zap.Time("time", ts))
			return w.done(topic, ResultDuplicate, nil)
		}
	}

	if w.cfg.Sim {
		w.log.Info("sim mode, reading not written",
			zap.String("sensor", id.String()), zap.Time("time", ts), zap.Any("value", field))
		return w.done(topic, ResultSimulated, nil)
	}

	if w.inventory != nil {
		if _, err := w.inventory.Observe(ctx, id); err != nil {
			w.log.Warn("inventory update failed", zap.String("sensor", id.String()), zap.Error(err))
		}
	}

	point := storage.Point{
		Measurement: w.cfg.Measurement,
		Tags:        id.Tags(),
		Fields:      fields,
		Time:        ts,
	}
	if err := w.sink.Write(ctx, w.cfg.Bucket, []storage.Point{point}); err != nil {
		return w.done(topic, ResultIgnored, fmt.Errorf("write reading from %s: %w", topic, err))
	}
	return w.done(topic, ResultWritten, nil)
}

func (w *Writer) done(topic string, res Result, err error) (Result, error) {
	if w.onResult != nil {
		w.onResult(topic, res, err)
	}
	return res, err
}

// shutterValue returns the status of a stopped shutter.
func shutterValue(kind string, payload map[string]any) (any, bool) {
	if !strings.EqualFold(kind, "shutter") {
		return nil, false
	}
	order, ok := payload["order"].(string)
	if !ok || !strings.EqualFold(order, "stop") {
		return nil, false
	}
	status, ok := payload["status"]
	return status, ok && status != nil
}

// coerceValue converts a payload value to a stored field. Numbers are
// floats, temperature and pressure stay real, humidity is an integer.
// Lists and objects are kept as their JSON text.
func coerceValue(kind string, v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", x, err)
		}
		f = n
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		if !forcedNumeric(kind) {
			return x, nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return x, nil
		}
		f = n
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return string(b), nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("value is not finite")
	}
	if strings.EqualFold(kind, "humidity") {
		f = math.Trunc(f)
	}
	return f, nil
}

func forcedNumeric(kind string) bool {
	switch strings.ToLower(kind) {
	case "temperature", "pressure", "humidity":
		return true
	}
	return false
}

func unitsField(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value_units: %w", err)
	}
	return string(b), nil
}

// ParseTimestamp accepts RFC 3339 strings (with or without zone, zone-less
// means UTC) and unix epochs in seconds or milliseconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, x)
		}
		return epoch(f), nil
	case float64:
		return epoch(x), nil
	case int64:
		return epoch(float64(x)), nil
	case int:
		return epoch(float64(x)), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrBadTimestamp, v)
	}
}

func epoch(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
