package agent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"heimdall/internal/core"
)

const cacheFileName = "offline_cache.db"

var (
	bucketPending = []byte("pending_events")
	bucketRules   = []byte("cached_rules")
	keyRules      = []byte("current")
)

// EventKind tags a queued payload with the REST call that replays it
type EventKind string

const (
	EventKindUsage     EventKind = "usage_event"
	EventKindHeartbeat EventKind = "heartbeat"
)

// PendingEvent is one queued payload awaiting replay
type PendingEvent struct {
	ID        uint64          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
}

type cachedRules struct {
	Rules     json.RawMessage `json:"rules"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Cache is the agent's durable store for events produced while the
// server is unreachable, plus the last successfully fetched rules.
type Cache struct {
	db    *bbolt.DB
	clock core.Clock
}

// OpenCache opens or creates the cache file and its buckets
func OpenCache(path string, clock core.Clock) (*Cache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPending); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Cache{db: db, clock: clock}, nil
}

// Close releases the underlying file
func (c *Cache) Close() error {
	return c.db.Close()
}

// QueueUsageEvent stores a usage report for later replay
func (c *Cache) QueueUsageEvent(payload any) error {
	return c.queue(EventKindUsage, payload)
}

// QueueHeartbeat stores a heartbeat for later replay
func (c *Cache) QueueHeartbeat(payload any) error {
	return c.queue(EventKindHeartbeat, payload)
}

func (c *Cache) queue(kind EventKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		event := PendingEvent{
			ID:        id,
			Kind:      kind,
			Payload:   data,
			CreatedAt: c.clock.Now().UTC(),
		}
		value, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return bucket.Put(itob(id), value)
	})
}

// PendingEvents returns up to limit unsynced events in insertion order
func (c *Cache) PendingEvents(limit int) ([]PendingEvent, error) {
	var events []PendingEvent

	err := c.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPending).Cursor()
		for k, v := cursor.First(); k != nil && len(events) < limit; k, v = cursor.Next() {
			var event PendingEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("corrupt pending event %d: %w", btoi(k), err)
			}
			if event.Synced {
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkSyncedBatch flags the given events as replayed so cleanup can
// reap them later
func (c *Cache) MarkSyncedBatch(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		for _, id := range ids {
			key := itob(id)
			value := bucket.Get(key)
			if value == nil {
				continue
			}
			var event PendingEvent
			if err := json.Unmarshal(value, &event); err != nil {
				return err
			}
			event.Synced = true
			updated, err := json.Marshal(event)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingCount returns how many events still await replay
func (c *Cache) PendingCount() (int, error) {
	count := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var event PendingEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if !event.Synced {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Cleanup deletes synced events older than the retention window and
// returns how many were removed
func (c *Cache) Cleanup(retention time.Duration) (int, error) {
	cutoff := c.clock.Now().UTC().Add(-retention)
	removed := 0

	err := c.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPending).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var event PendingEvent
			if err := json.Unmarshal(v, &event); err != nil {
				continue
			}
			if event.Synced && event.CreatedAt.Before(cutoff) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CacheRules upserts the last known rules payload
func (c *Cache) CacheRules(rules *core.ResolvedRules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	entry := cachedRules{Rules: data, UpdatedAt: c.clock.Now().UTC()}
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRules).Put(keyRules, value)
	})
}

// CachedRules returns the last cached rules, or nil when none were
// ever stored
func (c *Cache) CachedRules() (*core.ResolvedRules, error) {
	var entry *cachedRules

	err := c.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketRules).Get(keyRules)
		if value == nil {
			return nil
		}
		entry = &cachedRules{}
		return json.Unmarshal(value, entry)
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	var rules core.ResolvedRules
	if err := json.Unmarshal(entry.Rules, &rules); err != nil {
		return nil, fmt.Errorf("corrupt cached rules: %w", err)
	}
	return &rules, nil
}

func itob(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func btoi(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
