// Package zone maps coordinates to the zone of the nearest known seaport.
//
// Ports live in a bbolt database so the reference table survives restarts and
// can be refreshed from a JSON seed without touching the binary. Classification
// results are memoised per rounded coordinate in the same database.
package zone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Bucket names for the zone database
const (
	PortsBucket = "ports"
	ZonesBucket = "zones"
	MetaBucket  = "meta"
)

const earthRadiusKm = 6371.0

// ErrNoNearbyPort is returned when no port lies within MaxDistanceKm
var ErrNoNearbyPort = errors.New("no port within classification radius")

// Port is one seaport in the reference table
type Port struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Zone      string  `json:"zone"`
}

// Config holds classifier settings
type Config struct {
	DBPath        string  `json:"db_path" mapstructure:"db_path"`
	MaxDistanceKm float64 `json:"max_distance_km" mapstructure:"max_distance_km"`
	// CachePrecision is the number of decimals coordinates are rounded to
	// before memoisation; 2 is roughly a 1km grid
	CachePrecision int    `json:"cache_precision" mapstructure:"cache_precision"`
	SeedFile       string `json:"seed_file" mapstructure:"seed_file"`
	// CacheTTL expires memoised results, misses included
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	// CacheMaxEntries caps the memo bucket; reaching it prunes expired
	// entries and then the oldest until a quarter of the room is free
	CacheMaxEntries int `json:"cache_max_entries" mapstructure:"cache_max_entries"`
}

// DefaultConfig returns standard classifier settings
func DefaultConfig() *Config {
	return &Config{
		DBPath:         "/var/lib/vesseltrack/zones.db",
		MaxDistanceKm:  200,
		CachePrecision:  2,
		CacheTTL:        30 * 24 * time.Hour,
		CacheMaxEntries: 10000,
	}
}

// memo is the stored form of a classification result
type memo struct {
	Zone      string    `json:"zone"`
	Port      string    `json:"port,omitempty"`
	Miss      bool      `json:"miss,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Classifier implements gps.ZoneClassifier over the bbolt port table
type Classifier struct {
	db     *bolt.DB
	config *Config
	logger *logx.Logger
	now    func() time.Time

	// entries mirrors the memo bucket size; only touched inside db.Update
	entries int
}

// Open opens or creates the zone database and imports SeedFile when the
// ports bucket is empty
func Open(config *Config, logger *logx.Logger) (*Classifier, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxDistanceKm <= 0 {
		config.MaxDistanceKm = 200
	}
	if config.CachePrecision < 0 {
		config.CachePrecision = 0
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = DefaultConfig().CacheMaxEntries
	}
	if logger == nil {
		logger = logx.Nop()
	}

	db, err := bolt.Open(config.DBPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open zone database: %w", err)
	}

	c := &Classifier{db: db, config: config, logger: logger, now: time.Now}
	if err := c.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	c.entries = c.CachedEntries()

	if config.SeedFile != "" {
		n, err := c.countPorts()
		if err != nil {
			db.Close()
			return nil, err
		}
		if n == 0 {
			imported, err := c.ImportFile(config.SeedFile)
			if err != nil {
				db.Close()
				return nil, err
			}
			logger.Info("imported port seed", "file", config.SeedFile, "ports", imported)
		}
	}
	return c, nil
}

func (c *Classifier) initializeBuckets() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{PortsBucket, ZonesBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close closes the database
func (c *Classifier) Close() error {
	return c.db.Close()
}

// ImportPorts upserts ports by code. The memo cache is cleared since earlier
// results may no longer hold.
func (c *Classifier) ImportPorts(ports []Port) error {
	for i := range ports {
		p := &ports[i]
		p.Code = strings.TrimSpace(p.Code)
		p.Zone = strings.TrimSpace(p.Zone)
		if p.Code == "" || p.Zone == "" {
			return fmt.Errorf("port %d: code and zone are required", i)
		}
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return fmt.Errorf("port %s: coordinates out of range", p.Code)
		}
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(PortsBucket))
		for _, p := range ports {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal port %s: %w", p.Code, err)
			}
			if err := bucket.Put([]byte(p.Code), data); err != nil {
				return err
			}
		}

		if err := tx.DeleteBucket([]byte(ZonesBucket)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket([]byte(ZonesBucket)); err != nil {
			return err
		}
		c.entries = 0
		return tx.Bucket([]byte(MetaBucket)).Put([]byte("imported_at"), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// ImportFile reads a JSON array of ports and imports it
func (c *Classifier) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read port seed: %w", err)
	}
	var ports []Port
	if err := json.Unmarshal(data, &ports); err != nil {
		return 0, fmt.Errorf("failed to parse port seed: %w", err)
	}
	if err := c.ImportPorts(ports); err != nil {
		return 0, err
	}
	return len(ports), nil
}

// Ports returns every port in the table, ordered by code
func (c *Classifier) Ports() ([]Port, error) {
	var ports []Port
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(PortsBucket)).ForEach(func(_, v []byte) error {
			var p Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ports = append(ports, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return ports, nil
}

// Nearest returns the closest port and its distance in kilometres
func (c *Classifier) Nearest(lat, lon float64) (Port, float64, error) {
	var (
		best  Port
		bestD = math.Inf(1)
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(PortsBucket)).ForEach(func(_, v []byte) error {
			var p Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if d := Haversine(lat, lon, p.Latitude, p.Longitude); d < bestD {
				best, bestD = p, d
			}
			return nil
		})
	})
	if err != nil {
		return Port{}, 0, fmt.Errorf("failed to scan ports: %w", err)
	}
	if math.IsInf(bestD, 1) {
		return Port{}, 0, ErrNoNearbyPort
	}
	return best, bestD, nil
}

// Classify returns the zone of the nearest port within MaxDistanceKm
func (c *Classifier) Classify(ctx context.Context, lat, lon float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := c.cacheKey(lat, lon)
	if m, ok := c.lookup(key); ok {
		if m.Miss {
			return "", ErrNoNearbyPort
		}
		return m.Zone, nil
	}

	port, dist, err := c.Nearest(lat, lon)
	if err != nil && !errors.Is(err, ErrNoNearbyPort) {
		return "", err
	}
	if err != nil || dist > c.config.MaxDistanceKm {
		c.remember(key, memo{Miss: true, CreatedAt: c.now()})
		return "", ErrNoNearbyPort
	}

	c.logger.Debug("classified position", "zone", port.Zone, "port", port.Code, "distance_km", dist)
	c.remember(key, memo{Zone: port.Zone, Port: port.Code, CreatedAt: c.now()})
	return port.Zone, nil
}

func (c *Classifier) cacheKey(lat, lon float64) []byte {
	p := c.config.CachePrecision
	return []byte(strconv.FormatFloat(lat, 'f', p, 64) + "," + strconv.FormatFloat(lon, 'f', p, 64))
}

func (c *Classifier) lookup(key []byte) (memo, bool) {
	var (
		m  memo
		ok bool
	)
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(ZonesBucket)).Get(key)
		if data == nil {
			return nil
		}
		ok = json.Unmarshal(data, &m) == nil
		return nil
	})
	if ok && c.expired(m) {
		return memo{}, false
	}
	return m, ok
}

func (c *Classifier) expired(m memo) bool {
	return c.now().Sub(m.CreatedAt) > c.config.CacheTTL
}

// remember is best effort; a failed write only costs a rescan
func (c *Classifier) remember(key []byte, m memo) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ZonesBucket))
		if bucket.Get(key) == nil {
			if c.entries >= c.config.CacheMaxEntries {
				if err := c.pruneLocked(bucket); err != nil {
					return err
				}
			}
			c.entries++
		}
		return bucket.Put(key, data)
	}); err != nil {
		c.logger.Warn("failed to memoise zone", "key", string(key), "error", err)
	}
}

// pruneLocked drops expired memos and, if the bucket is still over
// three quarters of the cap, the oldest ones. Runs inside db.Update.
func (c *Classifier) pruneLocked(bucket *bolt.Bucket) error {
	type aged struct {
		key     []byte
		created time.Time
	}
	var keep, drop []aged
	err := bucket.ForEach(func(k, v []byte) error {
		var m memo
		e := aged{key: append([]byte(nil), k...)}
		if json.Unmarshal(v, &m) != nil || c.expired(m) {
			drop = append(drop, e)
			return nil
		}
		e.created = m.CreatedAt
		keep = append(keep, e)
		return nil
	})
	if err != nil {
		return err
	}

	if target := c.config.CacheMaxEntries * 3 / 4; len(keep) > target {
		sort.Slice(keep, func(i, j int) bool { return keep[i].created.Before(keep[j].created) })
		drop = append(drop, keep[:len(keep)-target]...)
		keep = keep[len(keep)-target:]
	}
	for _, e := range drop {
		if err := bucket.Delete(e.key); err != nil {
			return err
		}
	}
	c.logger.Debug("pruned zone memo cache", "removed", len(drop), "kept", len(keep))
	c.entries = len(keep)
	return nil
}

func (c *Classifier) countPorts() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(PortsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// CachedEntries returns how many coordinates have a memoised result
func (c *Classifier) CachedEntries() int {
	n := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(ZonesBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Haversine returns the great circle distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
