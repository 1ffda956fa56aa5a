// Package ristretto implements the terminal snapshot cache using
// dgraph-io/ristretto as an in-process cache in front of PostgreSQL.
package ristretto

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/StrataBot/MarketMind/internal/domain/task"
)

// SnapshotCache caches terminal task snapshots by task id, JSON-encoded so
// the cache cost reflects actual memory use.
type SnapshotCache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

// New creates a snapshot cache. maxCostBytes bounds the total cached size;
// ttl bounds how long a terminal snapshot is served without a store read.
func New(maxCostBytes int64, ttl time.Duration) (*SnapshotCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{c: c, ttl: ttl}, nil
}

// Get retrieves a cached snapshot.
func (sc *SnapshotCache) Get(taskID string) (*task.Snapshot, bool) {
	data, found := sc.c.Get(taskID)
	if !found {
		return nil, false
	}
	var snap task.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		sc.c.Del(taskID)
		return nil, false
	}
	return &snap, true
}

// Set stores a snapshot.
func (sc *SnapshotCache) Set(snap *task.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	sc.c.SetWithTTL(snap.ID, data, int64(len(data)), sc.ttl)
}

// Del removes a snapshot.
func (sc *SnapshotCache) Del(taskID string) {
	sc.c.Del(taskID)
}

// Close shuts down the cache and releases resources.
func (sc *SnapshotCache) Close() {
	sc.c.Close()
}
