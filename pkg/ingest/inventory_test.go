package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/sensor"
	"github.com/nicktill/tinyrollup/pkg/storage"
	"github.com/nicktill/tinyrollup/pkg/storage/memory"
)

func identity(room, kind string) sensor.Identity {
	return sensor.Identity{
		sensor.TagLocation: "ut3",
		sensor.TagBuilding: "u4",
		sensor.TagRoom:     room,
		sensor.TagKind:     kind,
		sensor.TagUnitID:   "u4_" + room,
	}
}

func TestInventory_Observe(t *testing.T) {
	store := memory.New()
	clk := clock.NewMock()
	clk.Set(now)
	inv := NewInventory(store, "inventory", clk)
	ctx := context.Background()

	added, err := inv.Observe(ctx, identity("302", "temperature"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = inv.Observe(ctx, identity("302", "temperature"))
	require.NoError(t, err)
	assert.False(t, added)

	_, err = inv.Observe(ctx, identity("302", "co2"))
	require.NoError(t, err)
	_, err = inv.Observe(ctx, identity("303", "temperature"))
	require.NoError(t, err)

	stored := rows(t, store, "inventory")
	require.Len(t, stored, 3)
	for _, p := range stored {
		assert.Equal(t, InventoryMeasurement, p.Measurement)
		assert.Equal(t, sensor.IdentityFromTags(p.Tags).String(), p.Fields["uri"])
	}

	stats := inv.Stats()
	assert.Equal(t, 3, stats.TotalSensors)
	assert.Equal(t, map[string]int{"temperature": 2, "co2": 1}, stats.PerKind)
	assert.Equal(t, MaxKnownSensors, stats.SensorLimit)

	sensors := inv.Sensors()
	require.Len(t, sensors, 3)
	assert.Equal(t, "ut3/u4/302/co2/u4_302/__", sensors[0].String())
}

func TestInventory_ForgetsStaleSensors(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(now)
	inv := NewInventory(memory.New(), "inventory", clk)
	ctx := context.Background()

	_, err := inv.Observe(ctx, identity("302", "temperature"))
	require.NoError(t, err)

	clk.Add(inventoryRetention + cleanupInterval)
	_, err = inv.Observe(ctx, identity("303", "temperature"))
	require.NoError(t, err)

	assert.Equal(t, 1, inv.Stats().TotalSensors)

	// A forgotten sensor is recorded again when it comes back.
	added, err := inv.Observe(ctx, identity("302", "temperature"))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestInventory_WriteFailureIsRetried(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Close())
	inv := NewInventory(store, "inventory", nil)

	_, err := inv.Observe(context.Background(), identity("302", "temperature"))
	require.ErrorIs(t, err, storage.ErrClosed)
	assert.Equal(t, 0, inv.Stats().TotalSensors)
}

func TestInventory_Load(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	first := NewInventory(store, "inventory", nil)
	for _, room := range []string{"301", "302"} {
		_, err := first.Observe(ctx, identity(room, "humidity"))
		require.NoError(t, err)
	}

	second := NewInventory(store, "inventory", nil)
	n, err := second.Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	added, err := second.Observe(ctx, identity("301", "humidity"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestWriter_RecordsInventory(t *testing.T) {
	store := memory.New()
	inv := NewInventory(store, "inventory", nil)
	w := newTestWriter(t, store, WithInventory(inv))

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"value": 400, "timestamp": %d}`, now.Add(-time.Duration(i)*time.Minute).Unix())
		_, err := w.HandleJSON(context.Background(), "u4/302/co2", []byte(payload))
		require.NoError(t, err)
	}

	assert.Len(t, rows(t, store, "sensors"), 3)
	assert.Len(t, rows(t, store, "inventory"), 1)
	assert.Equal(t, 1, inv.Stats().TotalSensors)
}
