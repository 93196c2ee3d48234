package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testPorts() []Port {
	return []Port{
		{Code: "SEGOT", Name: "Gothenburg", Country: "SE", Latitude: 57.7089, Longitude: 11.9746, Zone: "Kattegat"},
		{Code: "SESTO", Name: "Stockholm", Country: "SE", Latitude: 59.3293, Longitude: 18.0686, Zone: "Baltic-North"},
		{Code: "DEKEL", Name: "Kiel", Country: "DE", Latitude: 54.3233, Longitude: 10.1228, Zone: " Baltic-West "},
	}
}

func openTest(t *testing.T, cfg *Config) *Classifier {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.DBPath = filepath.Join(t.TempDir(), "zones.db")
	c, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(57.7, 11.9, 57.7, 11.9), 1e-9)
	// Gothenburg to Stockholm is roughly 400km
	assert.InDelta(t, 398, Haversine(57.7089, 11.9746, 59.3293, 18.0686), 10)
	// one degree of latitude
	assert.InDelta(t, 111.2, Haversine(0, 0, 1, 0), 0.5)
}

func TestClassifyNearestPort(t *testing.T) {
	c := openTest(t, nil)
	require.NoError(t, c.ImportPorts(testPorts()))
	ctx := context.Background()

	zone, err := c.Classify(ctx, 57.65, 11.80)
	require.NoError(t, err)
	assert.Equal(t, "Kattegat", zone)

	zone, err = c.Classify(ctx, 54.40, 10.30)
	require.NoError(t, err)
	assert.Equal(t, "Baltic-West", zone, "zone names are trimmed on import")

	port, dist, err := c.Nearest(59.30, 18.10)
	require.NoError(t, err)
	assert.Equal(t, "SESTO", port.Code)
	assert.Less(t, dist, 5.0)
}

func TestClassifyOutsideRadius(t *testing.T) {
	c := openTest(t, &Config{MaxDistanceKm: 50, CachePrecision: 2})
	require.NoError(t, c.ImportPorts(testPorts()))

	_, err := c.Classify(context.Background(), 0, -30)
	assert.ErrorIs(t, err, ErrNoNearbyPort)

	// the miss is memoised too
	_, err = c.Classify(context.Background(), 0, -30)
	assert.ErrorIs(t, err, ErrNoNearbyPort)
	assert.Equal(t, 1, c.CachedEntries())
}

func TestClassifyEmptyTable(t *testing.T) {
	c := openTest(t, nil)
	_, err := c.Classify(context.Background(), 57.7, 11.9)
	assert.ErrorIs(t, err, ErrNoNearbyPort)
}

func TestClassifyMemoisesAndImportResets(t *testing.T) {
	c := openTest(t, nil)
	require.NoError(t, c.ImportPorts(testPorts()))
	ctx := context.Background()

	_, err := c.Classify(ctx, 57.701, 11.951)
	require.NoError(t, err)
	_, err = c.Classify(ctx, 57.704, 11.954)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CachedEntries(), "both points round to the same cell")

	require.NoError(t, c.ImportPorts([]Port{
		{Code: "SEGOT", Name: "Gothenburg", Latitude: 57.7089, Longitude: 11.9746, Zone: "West-Coast"},
	}))
	assert.Equal(t, 0, c.CachedEntries())

	zone, err := c.Classify(ctx, 57.701, 11.951)
	require.NoError(t, err)
	assert.Equal(t, "West-Coast", zone)
}

func TestClassifyMemoExpires(t *testing.T) {
	c := openTest(t, &Config{MaxDistanceKm: 50, CachePrecision: 2, CacheTTL: time.Hour})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Classify(ctx, 57.70, 11.97)
	assert.ErrorIs(t, err, ErrNoNearbyPort, "empty table memoises a miss")

	require.NoError(t, c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(testPorts()[0])
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(PortsBucket)).Put([]byte("SEGOT"), data)
	}))

	_, err = c.Classify(ctx, 57.70, 11.97)
	assert.ErrorIs(t, err, ErrNoNearbyPort, "fresh miss is still served")

	now = now.Add(2 * time.Hour)
	zone, err := c.Classify(ctx, 57.70, 11.97)
	require.NoError(t, err)
	assert.Equal(t, "Kattegat", zone)
	assert.Equal(t, 1, c.CachedEntries())
}

func TestClassifyMemoIsCapped(t *testing.T) {
	c := openTest(t, &Config{MaxDistanceKm: 50, CachePrecision: 2, CacheMaxEntries: 8})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		now = now.Add(time.Second)
		_, err := c.Classify(ctx, 10+float64(i)*0.1, -30)
		assert.ErrorIs(t, err, ErrNoNearbyPort)
		assert.LessOrEqual(t, c.CachedEntries(), 8, fmt.Sprintf("after %d cells", i+1))
	}

	// the newest cell survives pruning
	require.NoError(t, c.db.View(func(tx *bolt.Tx) error {
		assert.NotNil(t, tx.Bucket([]byte(ZonesBucket)).Get(c.cacheKey(10+39*0.1, -30)))
		return nil
	}))
}

func TestClassifyHonoursContext(t *testing.T) {
	c := openTest(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Classify(ctx, 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportPortsValidation(t *testing.T) {
	c := openTest(t, nil)
	assert.Error(t, c.ImportPorts([]Port{{Code: "", Zone: "A"}}))
	assert.Error(t, c.ImportPorts([]Port{{Code: "X", Zone: ""}}))
	assert.Error(t, c.ImportPorts([]Port{{Code: "X", Zone: "A", Latitude: 91}}))

	ports, err := c.Ports()
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestOpenImportsSeedFile(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "ports.json")
	require.NoError(t, os.WriteFile(seed, []byte(`[
		{"code":"NOOSL","name":"Oslo","latitude":59.9139,"longitude":10.7522,"zone":"Skagerrak"},
		{"code":"DKCPH","name":"Copenhagen","latitude":55.6761,"longitude":12.5683,"zone":"Oresund"}
	]`), 0o600))

	cfg := &Config{DBPath: filepath.Join(dir, "zones.db"), SeedFile: seed}
	c, err := Open(cfg, nil)
	require.NoError(t, err)

	ports, err := c.Ports()
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "DKCPH", ports[0].Code)

	zone, err := c.Classify(context.Background(), 55.70, 12.60)
	require.NoError(t, err)
	assert.Equal(t, "Oresund", zone)
	require.NoError(t, c.Close())

	// a second open keeps the existing table
	require.NoError(t, os.WriteFile(seed, []byte(`not json`), 0o600))
	c, err = Open(cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	ports, err = c.Ports()
	require.NoError(t, err)
	assert.Len(t, ports, 2)
}

func TestImportFileErrors(t *testing.T) {
	c := openTest(t, nil)
	_, err := c.ImportFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = c.ImportFile(bad)
	assert.Error(t, err)
}
