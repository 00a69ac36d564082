package pipeline

import (
	"context"

	"fanboxarchive/pkg/content"
)

// fetchWorker drains the job channel: fetches the full post and its
// comments, transforms the body, kicks off the file downloads, and hands
// the post to the sync stage together with the pending download reply.
func (p *Pipeline) fetchWorker(ctx context.Context, jobs <-chan postJob, files chan<- fileRequest, syncs chan<- syncEvent) {
	for job := range jobs {
		if ctx.Err() != nil {
			p.abandonJob(job)
			continue
		}
		p.fetchOne(ctx, job, files, syncs)
	}
}

func jobCreatorID(job postJob) string {
	if job.creator == nil {
		return ""
	}
	return job.creator.CreatorID
}

// abandonJob drops a job on shutdown. Re-queued ledger posts go back on
// the ledger so an aborted run does not lose them; creator posts are
// covered by the unadvanced checkpoint already.
func (p *Pipeline) abandonJob(job postJob) {
	if job.creator == nil {
		p.cache.RecordFailure(job.postID)
	}
	p.jobDone(jobCreatorID(job), false)
}

func (p *Pipeline) fetchOne(ctx context.Context, job postJob, files chan<- fileRequest, syncs chan<- syncEvent) {
	log := p.log.WithField("post", job.postID)

	post, err := p.client.PostInfo(ctx, job.postID)
	if err != nil {
		if !p.checkFatal(err) {
			p.recordFailure(job.postID, err)
		}
		p.jobDone(jobCreatorID(job), false)
		return
	}

	comments, err := p.client.Comments(ctx, post.ID, post.CommentCount)
	if err != nil {
		if !p.checkFatal(err) {
			p.recordFailure(job.postID, err)
		}
		p.jobDone(jobCreatorID(job), false)
		return
	}

	items, err := content.Transform(post.Body)
	if err != nil {
		p.recordFailure(job.postID, err)
		p.jobDone(jobCreatorID(job), false)
		return
	}

	coverURL := post.CoverImageURL
	if coverURL == "" && post.Cover != nil {
		coverURL = post.Cover.URL
	}

	var urls []string
	if coverURL != "" {
		urls = append(urls, coverURL)
	}
	for _, meta := range content.Files(items) {
		urls = append(urls, meta.URL)
	}

	// The reply channel is buffered so the download handler never blocks
	// on a sync stage that is busy with another post.
	reply := make(chan map[string]string, 1)
	select {
	case files <- fileRequest{urls: urls, reply: reply}:
	case <-ctx.Done():
		p.abandonJob(job)
		return
	}

	log.WithFields(map[string]interface{}{
		"title": post.Title,
		"files": len(urls),
	}).Debug("post fetched")

	select {
	case syncs <- syncEvent{
		job:      job,
		post:     post,
		comments: comments,
		items:    items,
		coverURL: coverURL,
		reply:    reply,
	}:
	case <-ctx.Done():
		p.abandonJob(job)
	}
}
