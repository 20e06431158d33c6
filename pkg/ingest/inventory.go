package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
)

// Constants for memory safety
const (
	// Forget sensors not seen in the last 30 days
	inventoryRetention = 30 * 24 * time.Hour

	// Run cleanup every hour
	cleanupInterval = 1 * time.Hour

	// InventoryMeasurement is the measurement of inventory rows.
	InventoryMeasurement = "sensors"
)

// Inventory remembers the sensors seen on the bus and records each new one
// in the inventory bucket.
// SAFETY: Periodically forgets long-unseen sensors to bound memory.
type Inventory struct {
	mu sync.RWMutex

	sink   Sink
	bucket string
	clock  clock.Clock

	// sensor key -> last seen
	seen map[string]time.Time

	// sensor key -> identity, for listing
	identities map[string]sensor.Identity

	// kind -> number of known sensors
	perKind map[string]int

	lastCleanup time.Time
}

// NewInventory creates an inventory writing to bucket through sink.
func NewInventory(sink Sink, bucket string, clk clock.Clock) *Inventory {
	if clk == nil {
		clk = clock.New()
	}
	return &Inventory{
		sink:        sink,
		bucket:      bucket,
		clock:       clk,
		seen:        make(map[string]time.Time),
		identities:  make(map[string]sensor.Identity),
		perKind:     make(map[string]int),
		lastCleanup: clk.Now(),
	}
}

// Load seeds the inventory from the rows already in the bucket.
func (inv *Inventory) Load(ctx context.Context, store storage.Storage) (int, error) {
	tables, err := store.Query(ctx, storage.QueryRequest{
		Bucket:      inv.bucket,
		Measurement: InventoryMeasurement,
	})
	if err != nil {
		return 0, fmt.Errorf("load inventory: %w", err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	now := inv.clock.Now()
	n := 0
	for _, t := range tables {
		for _, row := range t.Rows {
			id := sensor.IdentityFromTags(row.Tags)
			if inv.rememberLocked(id, now) {
				n++
			}
		}
	}
	return n, nil
}

// Observe marks id as seen. The first sighting writes an inventory row and
// reports true.
func (inv *Inventory) Observe(ctx context.Context, id sensor.Identity) (bool, error) {
	key := id.Key()
	now := inv.clock.Now()

	inv.mu.Lock()
	inv.cleanupLocked(now)
	if _, ok := inv.seen[key]; ok {
		inv.seen[key] = now
		inv.mu.Unlock()
		return false, nil
	}
	if len(inv.seen) >= MaxKnownSensors {
		inv.mu.Unlock()
		return false, ErrInventoryFull
	}
	inv.rememberLocked(id, now)
	inv.mu.Unlock()

	point := storage.Point{
		Measurement: InventoryMeasurement,
		Tags:        id.Tags(),
		Fields:      map[string]any{"uri": id.String()},
		Time:        now,
	}
	if err := inv.sink.Write(ctx, inv.bucket, []storage.Point{point}); err != nil {
		// Forget it so the next reading retries the write.
		inv.mu.Lock()
		inv.forgetLocked(key)
		inv.mu.Unlock()
		return false, fmt.Errorf("record sensor %s: %w", id, err)
	}
	return true, nil
}

// rememberLocked adds id. MUST be called with lock held.
func (inv *Inventory) rememberLocked(id sensor.Identity, now time.Time) bool {
	key := id.Key()
	_, existed := inv.seen[key]
	inv.seen[key] = now
	if existed {
		return false
	}
	inv.identities[key] = id
	inv.perKind[id.Kind()]++
	return true
}

// forgetLocked removes key. MUST be called with lock held.
func (inv *Inventory) forgetLocked(key string) {
	id, ok := inv.identities[key]
	if !ok {
		return
	}
	delete(inv.seen, key)
	delete(inv.identities, key)
	if inv.perKind[id.Kind()]--; inv.perKind[id.Kind()] <= 0 {
		delete(inv.perKind, id.Kind())
	}
}

// cleanupLocked forgets sensors not seen within inventoryRetention.
// MUST be called with lock held
func (inv *Inventory) cleanupLocked(now time.Time) {
	if now.Sub(inv.lastCleanup) < cleanupInterval {
		return
	}
	inv.lastCleanup = now
	cutoff := now.Add(-inventoryRetention)

	var stale []string
	for key, lastSeen := range inv.seen {
		if lastSeen.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		inv.forgetLocked(key)
	}
}

// Sensors returns the known identities sorted by URI.
func (inv *Inventory) Sensors() []sensor.Identity {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]sensor.Identity, 0, len(inv.identities))
	for _, id := range inv.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Stats returns current inventory statistics
func (inv *Inventory) Stats() InventoryStats {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	perKind := make(map[string]int, len(inv.perKind))
	for k, n := range inv.perKind {
		perKind[k] = n
	}
	return InventoryStats{
		TotalSensors:   len(inv.seen),
		PerKind:        perKind,
		SensorLimit:    MaxKnownSensors,
		UtilizationPct: float64(len(inv.seen)) / float64(MaxKnownSensors) * 100,
	}
}

// InventoryStats provides inventory usage information
type InventoryStats struct {
	TotalSensors   int            `json:"total_sensors"`
	PerKind        map[string]int `json:"per_kind"`
	SensorLimit    int            `json:"sensor_limit"`
	UtilizationPct float64        `json:"utilization_percent"`
}
