package ratelimit

import "context"

// Semaphore is a counting permit pool bounding concurrent operations.
// The API client and the file download stage hold independent pools since
// API calls are small and downloads are large, slow transfers.
type Semaphore struct {
	permits chan struct{}
}

// NewSemaphore creates a permit pool of the given size.
func NewSemaphore(size int) *Semaphore {
	if size <= 0 {
		size = 1
	}
	return &Semaphore{permits: make(chan struct{}, size)}
}

// Acquire blocks until a permit is available or the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool.
func (s *Semaphore) Release() {
	<-s.permits
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int {
	return len(s.permits)
}
