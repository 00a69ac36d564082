package pipeline

import (
	"context"
	"sync"
)

// downloadLoop serves file requests from the fetch stage. Each request is
// handled by its own goroutine so a large batch for one post never stalls
// another post's batch; the semaphore bounds actual transfers globally.
func (p *Pipeline) downloadLoop(ctx context.Context, files <-chan fileRequest) {
	var handlers sync.WaitGroup
	for req := range files {
		handlers.Add(1)
		go func(req fileRequest) {
			defer handlers.Done()
			p.handleBatch(ctx, req)
		}(req)
	}
	handlers.Wait()
}

// handleBatch downloads every URL in the request and replies with the
// temp paths of the ones that succeeded. Failures are left out of the
// map; the sync stage treats any missing URL as grounds to abort the
// post. The reply is always sent, even when everything failed, so the
// sync stage never blocks on a dead request.
func (p *Pipeline) handleBatch(ctx context.Context, req fileRequest) {
	results := make(map[string]string, len(req.urls))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, url := range req.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			if err := p.downloads.Acquire(ctx); err != nil {
				return
			}
			defer p.downloads.Release()

			path, err := p.client.Download(ctx, url)
			if err != nil {
				if !p.checkFatal(err) {
					p.log.WithError(err).WithField("url", url).Warn("download failed")
				}
				return
			}
			mu.Lock()
			results[url] = path
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	req.reply <- results
	close(req.reply)
}
