package pipeline

import (
	"context"
	"sync"

	"fanboxarchive/pkg/config"
	"fanboxarchive/pkg/fanbox"
)

// discover feeds the job channel: first the previous run's failed posts,
// then every post of every accepted creator that survives filtering,
// checkpointing and dedup.
func (p *Pipeline) discover(ctx context.Context, jobs chan<- postJob) {
	requeued := p.cache.PreviousFailures()
	for i, postID := range requeued {
		p.log.WithField("post", postID).Info("re-queueing post failed in previous run")
		select {
		case jobs <- postJob{postID: postID}:
		case <-ctx.Done():
			// Aborted before they could run; keep them on the ledger.
			for _, rest := range requeued[i:] {
				p.cache.RecordFailure(rest)
			}
			return
		}
	}

	creators, err := p.listCreators(ctx)
	if err != nil {
		if !p.checkFatal(err) {
			p.fail(err)
		}
		return
	}
	p.log.WithField("creators", len(creators)).Info("discovered creators")

	var wg sync.WaitGroup
	for _, creator := range creators {
		wg.Add(1)
		go func(creator fanbox.Creator) {
			defer wg.Done()
			p.discoverPosts(ctx, creator, jobs)
		}(creator)
	}
	wg.Wait()
}

// listCreators merges the accepted creator lists. A creator present in
// both lists keeps the supporting entry, since that one carries the fee.
func (p *Pipeline) listCreators(ctx context.Context) ([]fanbox.Creator, error) {
	accept := p.cfg.Archive.Accept
	seen := make(map[string]fanbox.Creator)

	if accept == config.AcceptAll || accept == config.AcceptFollowing {
		following, err := p.client.FollowingCreators(ctx)
		if err != nil {
			return nil, err
		}
		p.log.WithField("creators", len(following)).Info("fetched following creators")
		for _, f := range following {
			seen[f.CreatorID] = f.Creator()
		}
	}
	if accept == config.AcceptAll || accept == config.AcceptSupporting {
		supporting, err := p.client.SupportingCreators(ctx)
		if err != nil {
			return nil, err
		}
		p.log.WithField("creators", len(supporting)).Info("fetched supporting creators")
		for _, s := range supporting {
			seen[s.CreatorID] = s.Creator()
		}
	}

	var creators []fanbox.Creator
	for _, creator := range seen {
		if !p.cfg.FilterCreator(creator.CreatorID, creator.Fee) {
			p.log.WithField("creator", creator.CreatorID).Debug("creator filtered out")
			continue
		}
		creators = append(creators, creator)
	}
	return creators, nil
}

// discoverPosts lists one creator's posts and enqueues the ones worth
// fetching. A listing failure skips the creator for this run; its
// checkpoint stays put so the next run picks everything up again.
func (p *Pipeline) discoverPosts(ctx context.Context, creator fanbox.Creator, jobs chan<- postJob) {
	log := p.log.WithField("creator", creator.CreatorID)

	var since int64
	if p.cfg.Archive.Strategy == config.StrategyIncrement {
		if updated, ok := p.cache.LastUpdated(creator.CreatorID, creator.Fee); ok {
			since = updated
		}
	}

	p.progressFor(creator.CreatorID)

	items, lastDate, err := p.client.ListPosts(ctx, creator.CreatorID, since)
	if err != nil {
		if !p.checkFatal(err) {
			log.WithError(err).Error("listing posts failed, skipping creator")
		}
		return
	}
	log.WithFields(map[string]interface{}{
		"posts": len(items),
		"since": since,
	}).Info("discovered posts")

	for i := range items {
		item := items[i]
		if !p.cfg.FilterPost(item.FeeRequired, item.IsRestricted) {
			p.addSkipped(1)
			continue
		}
		if p.cfg.Archive.Strategy != config.StrategyForce {
			source := fanbox.SourceLink(creator.CreatorID, item.ID)
			archived, err := p.store.HasPostSince(ctx, source, item.UpdatedDatetime)
			if err != nil {
				log.WithError(err).WithField("post", item.ID).Error("dedup check failed")
				continue
			}
			if archived {
				p.addSkipped(1)
				continue
			}
		}

		p.jobEnqueued(creator.CreatorID)
		select {
		case jobs <- postJob{postID: item.ID, creator: &creator, item: &item}:
		case <-ctx.Done():
			return
		}
	}

	p.discoveryDone(creator.CreatorID, lastDate, creator.Fee)
}
