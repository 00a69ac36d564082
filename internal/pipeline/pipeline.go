// Package pipeline wires the archiving stages together: creator discovery
// feeds post discovery, discovered posts are fetched and transformed
// concurrently, their files download in parallel, and a single sync stage
// commits each post transactionally. Stages communicate over bounded
// channels so a slow database cannot pile up unbounded fetched posts.
package pipeline

import (
	"context"
	"path/filepath"
	"sync"

	"fanboxarchive/pkg/archive"
	"fanboxarchive/pkg/checkpoint"
	"fanboxarchive/pkg/config"
	"fanboxarchive/pkg/content"
	errs "fanboxarchive/pkg/errors"
	"fanboxarchive/pkg/fanbox"
	"fanboxarchive/pkg/logger"
	"fanboxarchive/pkg/ratelimit"
)

const (
	// PlatformFanbox and PlatformPixiv are the platform rows every archive
	// carries. Creators get an alias on each.
	PlatformFanbox = "fanbox"
	PlatformPixiv  = "pixiv"

	stageBuffer = 16
)

// postJob is one post to fetch. Creator and item are nil when the job was
// re-queued from the previous run's failure ledger; everything needed then
// comes from the fetched post itself.
type postJob struct {
	postID  string
	creator *fanbox.Creator
	item    *fanbox.PostListItem
}

// fileRequest asks the download stage for a batch of URLs. The reply map
// holds a temp file path per URL that downloaded successfully and is sent
// exactly once.
type fileRequest struct {
	urls  []string
	reply chan map[string]string
}

// syncEvent is a fully fetched post waiting for its files and a commit.
type syncEvent struct {
	job      postJob
	post     *fanbox.Post
	comments []fanbox.Comment
	items    []content.Item
	coverURL string
	reply    chan map[string]string
}

// creatorProgress tracks a creator's in-flight posts so the checkpoint
// only advances once every post of the run committed.
type creatorProgress struct {
	pending    int
	discovered bool
	failed     bool
	lastDate   int64
	fee        int
}

// Pipeline runs one archiving session.
type Pipeline struct {
	cfg    *config.Config
	client *fanbox.Client
	store  *archive.Store
	cache  *checkpoint.Cache
	log    logger.Logger

	downloads *ratelimit.Semaphore

	platformFanbox int64
	platformPixiv  int64

	// authors caches creatorID to author row for the run.
	authorMu sync.Mutex
	authors  map[string]int64

	progressMu sync.Mutex
	progress   map[string]*creatorProgress

	fatalOnce sync.Once
	fatalErr  error
	cancel    context.CancelFunc

	statMu     sync.Mutex
	committed  int
	skipped    int
	failedRuns int
}

// New assembles a pipeline from configuration. The archive database lives
// inside the output directory next to the media tree.
func New(cfg *config.Config, client *fanbox.Client, store *archive.Store) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		client:    client,
		store:     store,
		log:       logger.GetLogger(),
		downloads: ratelimit.NewSemaphore(cfg.Download.ConcurrentDownloads),
		authors:   make(map[string]int64),
		progress:  make(map[string]*creatorProgress),
	}
}

// Run executes a full archiving session and persists the checkpoint at
// the end. A session error aborts all stages; anything already committed
// stays committed.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel

	var err error
	p.platformFanbox, err = p.store.ImportPlatform(ctx, PlatformFanbox)
	if err != nil {
		return err
	}
	p.platformPixiv, err = p.store.ImportPlatform(ctx, PlatformPixiv)
	if err != nil {
		return err
	}

	p.cache, err = checkpoint.Load(ctx, p.store)
	if err != nil {
		return err
	}

	jobs := make(chan postJob, stageBuffer)
	files := make(chan fileRequest, stageBuffer)
	syncs := make(chan syncEvent, stageBuffer)

	var stages sync.WaitGroup

	stages.Add(1)
	go func() {
		defer stages.Done()
		defer close(jobs)
		p.discover(ctx, jobs)
	}()

	var fetchers sync.WaitGroup
	for i := 0; i < p.cfg.RateLimit.ConcurrentRequests; i++ {
		fetchers.Add(1)
		go func() {
			defer fetchers.Done()
			p.fetchWorker(ctx, jobs, files, syncs)
		}()
	}
	stages.Add(1)
	go func() {
		defer stages.Done()
		fetchers.Wait()
		close(files)
		close(syncs)
	}()

	stages.Add(1)
	go func() {
		defer stages.Done()
		p.downloadLoop(ctx, files)
	}()

	stages.Add(1)
	go func() {
		defer stages.Done()
		p.syncLoop(ctx, syncs)
	}()

	stages.Wait()

	if saveErr := checkpoint.Save(context.Background(), p.store, p.cache); saveErr != nil {
		p.log.WithError(saveErr).Error("failed to persist checkpoint")
		if p.fatalErr == nil {
			p.fatalErr = saveErr
		}
	}

	p.statMu.Lock()
	p.log.InfoWithFields("run finished", map[string]interface{}{
		"committed": p.committed,
		"skipped":   p.skipped,
		"failed":    p.failedRuns,
	})
	failed := p.failedRuns
	p.statMu.Unlock()
	if failed > 0 {
		p.log.WithField("failed", failed).Warn("some posts did not archive; they will be retried next run")
	}

	if p.fatalErr != nil {
		return p.fatalErr
	}
	return ctx.Err()
}

// fail records a fatal error and tears the run down. Only session errors
// and infrastructure failures come through here; per-post errors go to
// the failure ledger instead.
func (p *Pipeline) fail(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		p.log.WithError(err).Error("aborting run")
		p.cancel()
	})
}

// checkFatal routes an error either to the fatal path or back to the
// caller for per-post handling. Returns true when the error was fatal.
func (p *Pipeline) checkFatal(err error) bool {
	if errs.IsSession(err) {
		p.fail(err)
		return true
	}
	return false
}

func (p *Pipeline) recordFailure(postID string, err error) {
	p.log.WithError(err).WithField("post", postID).Warn("post failed, queued for next run")
	p.cache.RecordFailure(postID)
	p.statMu.Lock()
	p.failedRuns++
	p.statMu.Unlock()
}

func (p *Pipeline) mediaPath(relative string) string {
	return filepath.Join(p.cfg.Archive.Output, filepath.FromSlash(relative))
}

// progressFor returns the tracker for a creator, creating it on first use.
func (p *Pipeline) progressFor(creatorID string) *creatorProgress {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	prog, ok := p.progress[creatorID]
	if !ok {
		prog = &creatorProgress{}
		p.progress[creatorID] = prog
	}
	return prog
}

// jobEnqueued notes one more in-flight post for the creator.
func (p *Pipeline) jobEnqueued(creatorID string) {
	p.progressMu.Lock()
	p.progress[creatorID].pending++
	p.progressMu.Unlock()
}

// discoveryDone marks the creator's discovery complete and advances the
// checkpoint immediately when nothing was enqueued.
func (p *Pipeline) discoveryDone(creatorID string, lastDate int64, fee int) {
	p.progressMu.Lock()
	prog := p.progress[creatorID]
	prog.discovered = true
	prog.lastDate = lastDate
	prog.fee = fee
	advance := prog.pending == 0 && !prog.failed && prog.lastDate > 0
	p.progressMu.Unlock()

	if advance {
		p.cache.Advance(creatorID, lastDate, fee)
	}
}

// jobDone marks one post finished. The checkpoint advances only when the
// whole creator finished without failures; otherwise the failed posts ride
// the ledger and the checkpoint stays put so nothing is lost behind it.
func (p *Pipeline) jobDone(creatorID string, ok bool) {
	if creatorID == "" {
		return
	}
	p.progressMu.Lock()
	prog := p.progress[creatorID]
	prog.pending--
	if !ok {
		prog.failed = true
	}
	advance := prog.discovered && prog.pending == 0 && !prog.failed && prog.lastDate > 0
	lastDate, fee := prog.lastDate, prog.fee
	p.progressMu.Unlock()

	if advance {
		p.cache.Advance(creatorID, lastDate, fee)
	}
}

func (p *Pipeline) addSkipped(n int) {
	p.statMu.Lock()
	p.skipped += n
	p.statMu.Unlock()
}

func (p *Pipeline) addCommitted() {
	p.statMu.Lock()
	p.committed++
	p.statMu.Unlock()
}

// Stats reports run counters, used by the CLI summary.
func (p *Pipeline) Stats() (committed, skipped, failed int) {
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return p.committed, p.skipped, p.failedRuns
}
