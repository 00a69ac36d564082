package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastUpdatedUnknownCreator(t *testing.T) {
	c := New()
	_, ok := c.LastUpdated("alice", 500)
	assert.False(t, ok)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	c := New()
	c.Advance("alice", 100, 500)
	c.Advance("alice", 50, 500)

	updated, ok := c.LastUpdated("alice", 500)
	require.True(t, ok)
	assert.Equal(t, int64(100), updated)
}

func TestFeeIncreaseInvalidatesCheckpoint(t *testing.T) {
	c := New()
	c.Advance("alice", 100, 500)

	// Same or lower fee keeps the checkpoint usable.
	_, ok := c.LastUpdated("alice", 500)
	assert.True(t, ok)
	_, ok = c.LastUpdated("alice", 300)
	assert.True(t, ok)

	// A higher plan unlocks posts the old run never saw.
	_, ok = c.LastUpdated("alice", 1000)
	assert.False(t, ok)

	// After a full rescan at the new fee the checkpoint is usable again.
	c.Advance("alice", 100, 1000)
	_, ok = c.LastUpdated("alice", 1000)
	assert.True(t, ok)
}

func TestConcurrentAdvanceKeepsMax(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			c.Advance("alice", ts, 500)
		}(i)
	}
	wg.Wait()

	updated, ok := c.LastUpdated("alice", 500)
	require.True(t, ok)
	assert.Equal(t, int64(100), updated)
}

func TestFailedLedgerIsReplacedNotAccumulated(t *testing.T) {
	c := FromState(State{FailedPosts: []string{"old1", "old2"}})
	assert.Equal(t, []string{"old1", "old2"}, c.PreviousFailures())

	c.RecordFailure("new1")

	s := c.State()
	assert.Equal(t, []string{"new1"}, s.FailedPosts)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) GetFeature(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[name], nil
}

func (m *memStore) SetFeature(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = data
	return nil
}

func TestLoadSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	c, err := Load(ctx, store)
	require.NoError(t, err)
	_, ok := c.LastUpdated("alice", 500)
	assert.False(t, ok)

	c.Advance("alice", 1234, 500)
	c.RecordFailure("p9")
	require.NoError(t, err)
	require.NoError(t, Save(ctx, store, c))

	restored, err := Load(ctx, store)
	require.NoError(t, err)

	updated, ok := restored.LastUpdated("alice", 500)
	require.True(t, ok)
	assert.Equal(t, int64(1234), updated)
	assert.Equal(t, []string{"p9"}, restored.PreviousFailures())
}

func TestLoadRejectsCorruptState(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.SetFeature(ctx, FeatureKey, []byte("{not json")))

	_, err := Load(ctx, store)
	require.Error(t, err)
}
