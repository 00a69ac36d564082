package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, time.Minute)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(1, 10*time.Millisecond)
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, tb.Allow())
}

func TestTokenBucketReset(t *testing.T) {
	tb := NewTokenBucket(1, time.Minute)
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	tb.Reset()
	assert.True(t, tb.Allow())
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewSemaphore(2)

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Acquire(ctx))
	assert.Equal(t, 2, s.InUse())

	// Pool is full: a third acquire blocks until a release.
	acquired := make(chan struct{})
	go func() {
		_ = s.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should have blocked")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not proceed after release")
	}
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphoreMinimumSize(t *testing.T) {
	s := NewSemaphore(0)
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, s.InUse())
}
