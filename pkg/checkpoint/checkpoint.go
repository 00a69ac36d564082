// Package checkpoint tracks how far each creator has been archived so
// incremental runs skip work that already committed. State rides along in
// the archive database as feature metadata, so the checkpoint can never
// point past data that was rolled back.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FeatureKey is the archive feature slot holding serialized state.
const FeatureKey = "fanbox-archive"

// CreatorCheckpoint records the newest publication time committed for a
// creator and the plan fee the run was entitled to at the time.
type CreatorCheckpoint struct {
	Updated int64 `json:"updated"`
	Fee     int   `json:"fee"`
}

// State is the serialized form of a cache plus the failed-post ledger.
type State struct {
	Creators    map[string]CreatorCheckpoint `json:"creators"`
	FailedPosts []string                     `json:"failed_posts"`
}

// Cache holds checkpoints for one run. Safe for concurrent use; the sync
// stage advances while discovery reads.
type Cache struct {
	mu       sync.Mutex
	creators map[string]CreatorCheckpoint
	// prevFailed is the ledger inherited from the previous run, re-queued
	// once at run start. failed collects this run's failures and replaces
	// prevFailed on save.
	prevFailed []string
	failed     []string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{creators: make(map[string]CreatorCheckpoint)}
}

// FromState restores a cache from persisted state.
func FromState(s State) *Cache {
	c := New()
	for id, cp := range s.Creators {
		c.creators[id] = cp
	}
	c.prevFailed = append(c.prevFailed, s.FailedPosts...)
	return c
}

// LastUpdated returns the creator's checkpoint, or ok=false when there is
// none usable. A checkpoint taken at a lower fee than the current plan is
// unusable: posts locked then may be accessible now, so the whole history
// has to be rescanned.
func (c *Cache) LastUpdated(creatorID string, fee int) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, ok := c.creators[creatorID]
	if !ok || cp.Fee < fee {
		return 0, false
	}
	return cp.Updated, true
}

// Advance moves the creator's checkpoint forward. Updated only ever grows;
// a stale advance from a slow worker cannot move it back. The stored fee
// becomes the higher of the current plan fee and the recorded one.
func (c *Cache) Advance(creatorID string, updated int64, fee int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := c.creators[creatorID]
	if updated > cp.Updated {
		cp.Updated = updated
	}
	if fee > cp.Fee {
		cp.Fee = fee
	}
	c.creators[creatorID] = cp
}

// PreviousFailures returns the post ids the previous run failed to commit.
// They are queued ahead of discovery so a transient failure does not leave
// a permanent hole behind an advanced checkpoint.
func (c *Cache) PreviousFailures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prevFailed))
	copy(out, c.prevFailed)
	return out
}

// RecordFailure adds a post id to this run's ledger.
func (c *Cache) RecordFailure(postID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, postID)
}

// State snapshots the cache for persistence. The failed ledger holds only
// this run's failures; the inherited ones either succeeded or failed again.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{Creators: make(map[string]CreatorCheckpoint, len(c.creators))}
	for id, cp := range c.creators {
		s.Creators[id] = cp
	}
	s.FailedPosts = append(s.FailedPosts, c.failed...)
	return s
}

// Store is the slice of the archive the checkpoint persists through.
type Store interface {
	GetFeature(ctx context.Context, name string) ([]byte, error)
	SetFeature(ctx context.Context, name string, data []byte) error
}

// Load restores the cache from the archive, returning an empty cache when
// no state has been saved yet.
func Load(ctx context.Context, store Store) (*Cache, error) {
	raw, err := store.GetFeature(ctx, FeatureKey)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint state: %w", err)
	}
	if len(raw) == 0 {
		return New(), nil
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding checkpoint state: %w", err)
	}
	return FromState(s), nil
}

// Save writes the cache back to the archive.
func Save(ctx context.Context, store Store, c *Cache) error {
	raw, err := json.Marshal(c.State())
	if err != nil {
		return fmt.Errorf("encoding checkpoint state: %w", err)
	}
	if err := store.SetFeature(ctx, FeatureKey, raw); err != nil {
		return fmt.Errorf("saving checkpoint state: %w", err)
	}
	return nil
}
