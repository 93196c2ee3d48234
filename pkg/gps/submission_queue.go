package gps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// SubmissionConfig configures persistence side effects and the offline buffer
type SubmissionConfig struct {
	// VesselHistory also writes a vessel scoped history row per record
	VesselHistory bool `json:"vessel_history" mapstructure:"vessel_history"`
	// MaxQueueSize bounds the offline buffer, oldest entries are evicted first.
	// Zero means unbounded.
	MaxQueueSize int `json:"max_queue_size" mapstructure:"max_queue_size"`
}

// DefaultSubmissionConfig returns the standard submission settings
func DefaultSubmissionConfig() *SubmissionConfig {
	return &SubmissionConfig{
		VesselHistory: true,
		MaxQueueSize:  10000,
	}
}

// QueueStats counts submission outcomes
type QueueStats struct {
	Submitted       int64     `json:"submitted"`
	Persisted       int64     `json:"persisted"`
	Duplicates      int64     `json:"duplicates"`
	Queued          int64     `json:"queued"`
	Evicted         int64     `json:"evicted"`
	Flushed         int64     `json:"flushed"`
	FlushFailures   int64     `json:"flush_failures"`
	DroppedOnFlush  int64     `json:"dropped_on_flush"`
	PersistFailures int64     `json:"persist_failures"`
	ZoneFailures    int64     `json:"zone_failures"`
	VesselUpdates   int64     `json:"vessel_updates"`
	LastPersistedAt time.Time `json:"last_persisted_at"`
}

// SubmissionQueue deduplicates fixes and persists them, buffering in memory
// while offline
type SubmissionQueue struct {
	store     Store
	zones     ZoneClassifier
	network   NetworkStatus
	identity  IdentityProvider
	publisher RecordPublisher
	config    *SubmissionConfig
	logger    *logx.Logger

	mu       sync.Mutex
	queue    []Record
	lastKey  string
	inFlight map[string]struct{}
	stats    QueueStats
}

// NewSubmissionQueue creates a queue. zones and network may be nil, in which
// case no zone is recorded and the device is treated as always online.
func NewSubmissionQueue(store Store, zones ZoneClassifier, network NetworkStatus, identity IdentityProvider,
	config *SubmissionConfig, logger *logx.Logger) *SubmissionQueue {
	if config == nil {
		config = DefaultSubmissionConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	return &SubmissionQueue{
		store:    store,
		zones:    zones,
		network:  network,
		identity: identity,
		config:   config,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// SetPublisher registers a publisher notified after each persisted record
func (q *SubmissionQueue) SetPublisher(p RecordPublisher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publisher = p
}

// Submit persists a fix or queues it while offline. Duplicates of the last
// persisted fix, of one being persisted, or of the last queued fix are
// dropped without error.
func (q *SubmissionQueue) Submit(ctx context.Context, sample Sample) error {
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("rejected location: %w", err)
	}

	zone := q.classify(ctx, sample)
	key := DedupKey(sample)
	online := q.network == nil || q.network.Online()

	userID := ""
	if q.identity != nil {
		id, err := q.identity.CurrentUserID(ctx)
		if err != nil && online {
			return fmt.Errorf("cannot submit location: %w", err)
		}
		userID = id
	}
	rec := NewRecord(sample, userID, zone)

	q.mu.Lock()
	q.stats.Submitted++
	if key == q.lastKey {
		q.stats.Duplicates++
		q.mu.Unlock()
		return nil
	}
	if _, busy := q.inFlight[key]; busy {
		q.stats.Duplicates++
		q.mu.Unlock()
		return nil
	}
	if !online {
		if n := len(q.queue); n > 0 && DedupKey(q.queue[n-1].Sample) == key {
			q.stats.Duplicates++
			q.mu.Unlock()
			return nil
		}
		q.enqueueLocked(rec)
		pending := len(q.queue)
		q.mu.Unlock()
		q.logger.Debug("offline, location queued", "pending", pending)
		return nil
	}
	q.inFlight[key] = struct{}{}
	publisher := q.publisher
	q.mu.Unlock()

	err := q.store.InsertLocation(ctx, rec)

	q.mu.Lock()
	delete(q.inFlight, key)
	if err != nil {
		q.stats.PersistFailures++
		q.mu.Unlock()
		return fmt.Errorf("failed to persist location: %w", err)
	}
	q.lastKey = key
	q.stats.Persisted++
	q.stats.LastPersistedAt = time.Now()
	q.mu.Unlock()

	vesselID := q.updateVessel(ctx, rec, q.config.VesselHistory)
	if publisher != nil {
		if err := publisher.PublishRecord(rec, vesselID); err != nil {
			q.logger.Warn("failed to publish location record", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// Flush drains the offline buffer, re-stamps every entry with userID and
// persists it in one batch. A failed batch is logged and dropped.
func (q *SubmissionQueue) Flush(ctx context.Context, userID string) error {
	q.mu.Lock()
	batch := q.queue
	q.queue = nil
	publisher := q.publisher
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	for i := range batch {
		batch[i].UserID = userID
	}

	if err := q.store.InsertLocations(ctx, batch); err != nil {
		q.mu.Lock()
		q.stats.FlushFailures++
		q.stats.DroppedOnFlush += int64(len(batch))
		q.mu.Unlock()
		q.logger.Error("failed to flush queued locations, dropping batch", "count", len(batch), "error", err)
		return fmt.Errorf("failed to flush %d queued locations: %w", len(batch), err)
	}

	last := batch[len(batch)-1]
	q.mu.Lock()
	q.stats.Flushed += int64(len(batch))
	q.stats.Persisted += int64(len(batch))
	q.stats.LastPersistedAt = time.Now()
	q.lastKey = DedupKey(last.Sample)
	q.mu.Unlock()

	q.logger.Info("flushed queued locations", "count", len(batch), "user_id", userID)

	vesselID := q.updateVessel(ctx, last, false)
	if publisher != nil {
		for _, rec := range batch {
			if err := publisher.PublishRecord(rec, vesselID); err != nil {
				q.logger.Warn("failed to publish flushed record", "id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// Pending returns the number of queued records
func (q *SubmissionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stats returns a snapshot of submission counters
func (q *SubmissionQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *SubmissionQueue) enqueueLocked(rec Record) {
	if q.config.MaxQueueSize > 0 && len(q.queue) >= q.config.MaxQueueSize {
		q.queue = q.queue[1:]
		q.stats.Evicted++
		q.logger.Warn("offline queue full, evicting oldest location", "max", q.config.MaxQueueSize)
	}
	q.queue = append(q.queue, rec)
	q.stats.Queued++
}

// classify never fails; a classifier error yields no zone
func (q *SubmissionQueue) classify(ctx context.Context, sample Sample) *string {
	if q.zones == nil {
		return nil
	}
	zone, err := q.zones.Classify(ctx, sample.Latitude, sample.Longitude)
	if err != nil || zone == "" {
		q.mu.Lock()
		q.stats.ZoneFailures++
		q.mu.Unlock()
		q.logger.Debug("zone classification failed", "latitude", sample.Latitude, "longitude", sample.Longitude, "error", err)
		return nil
	}
	return &zone
}

// updateVessel moves the user's default vessel to the record's position and
// returns the vessel id, empty when the user has none
func (q *SubmissionQueue) updateVessel(ctx context.Context, rec Record, history bool) string {
	vesselID, ok, err := q.store.DefaultVesselID(ctx, rec.UserID)
	if err != nil {
		q.logger.Warn("failed to look up default vessel", "user_id", rec.UserID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}

	if err := q.store.UpdateVesselPosition(ctx, VesselPosition{
		VesselID:  vesselID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Zone:      rec.Zone,
	}); err != nil {
		q.logger.Warn("failed to update vessel position", "vessel_id", vesselID, "error", err)
	} else {
		q.mu.Lock()
		q.stats.VesselUpdates++
		q.mu.Unlock()
	}

	if history {
		if err := q.store.InsertVesselLocation(ctx, vesselID, rec); err != nil {
			q.logger.Warn("failed to write vessel location history", "vessel_id", vesselID, "error", err)
		}
	}
	return vesselID
}
