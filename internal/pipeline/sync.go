package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fanboxarchive/pkg/archive"
	"fanboxarchive/pkg/fanbox"
)

// syncLoop commits fetched posts one at a time. Serializing here keeps
// SQLite happy and makes the commit the single point where a post becomes
// visible: post row, file records and media files land together or not
// at all.
func (p *Pipeline) syncLoop(ctx context.Context, syncs <-chan syncEvent) {
	for ev := range syncs {
		p.syncOne(ctx, ev)
	}
}

func (p *Pipeline) syncOne(ctx context.Context, ev syncEvent) {
	log := p.log.WithField("post", ev.post.ID)

	// The download handler always replies, even on full failure, so this
	// receive cannot deadlock.
	downloads := <-ev.reply
	defer func() {
		for _, tmp := range downloads {
			os.Remove(tmp)
		}
	}()

	if ctx.Err() != nil {
		p.abandonJob(ev.job)
		return
	}

	creatorID, name, userID := ev.creatorIdentity()

	authorID, err := p.resolveAuthor(ctx, creatorID, name, userID)
	if err != nil {
		p.recordFailure(ev.post.ID, err)
		p.jobDone(jobCreatorID(ev.job), false)
		return
	}

	tags := append([]string(nil), ev.post.Tags...)
	if ev.post.FeeRequired == 0 {
		tags = append(tags, "free")
	}
	if ev.post.HasAdultContent {
		tags = append(tags, "R-18")
	}

	rec := archive.PostRecord{
		AuthorID:   authorID,
		AuthorName: name,
		PostID:     ev.post.ID,
		Source:     fanbox.SourceLink(creatorID, ev.post.ID),
		Title:      ev.post.Title,
		CoverURL:   ev.coverURL,
		Content:    ev.items,
		Comments:   flattenComments(ev.comments),
		Tags:       tags,
		Published:  ev.post.PublishedDatetime,
		Updated:    ev.post.UpdatedDatetime,
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.recordFailure(ev.post.ID, err)
		p.jobDone(jobCreatorID(ev.job), false)
		return
	}

	commitErr := func() error {
		postID, placements, err := tx.ImportPost(ctx, rec)
		if err != nil {
			return err
		}

		// File gate: every placement must have a downloaded file. One
		// missing file aborts the whole post rather than committing a
		// record that points at nothing. Checked before any copy so an
		// aborted post leaves no stray media behind.
		for _, placement := range placements {
			if _, ok := downloads[placement.URL]; !ok {
				return fmt.Errorf("missing file %s", placement.URL)
			}
		}
		if err := p.materializePlacements(placements, downloads); err != nil {
			return err
		}

		if err := tx.AddToCollection(ctx, postID, name); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if commitErr != nil {
		tx.Rollback()
		p.recordFailure(ev.post.ID, commitErr)
		p.jobDone(jobCreatorID(ev.job), false)
		return
	}

	log.Info("post archived")
	p.addCommitted()
	p.jobDone(jobCreatorID(ev.job), true)
}

// creatorIdentity resolves who the post belongs to. Jobs from discovery
// carry the creator; re-queued failures fall back to the fetched post.
func (ev syncEvent) creatorIdentity() (creatorID, name, userID string) {
	if ev.job.creator != nil {
		c := ev.job.creator
		return c.CreatorID, c.Name, c.UserID
	}
	return ev.post.CreatorID, ev.post.User.Name, ev.post.User.UserID
}

// resolveAuthor maps a creator to an author row, once per run. The author
// gets an alias for the fanbox page and, when known, the linked pixiv
// account, so the same person archived from either side stays one author.
func (p *Pipeline) resolveAuthor(ctx context.Context, creatorID, name, userID string) (int64, error) {
	p.authorMu.Lock()
	defer p.authorMu.Unlock()

	if id, ok := p.authors[creatorID]; ok {
		return id, nil
	}

	aliases := []archive.Alias{
		{PlatformID: p.platformFanbox, Source: fanbox.CreatorLink(creatorID)},
	}
	if userID != "" {
		aliases = append(aliases, archive.Alias{
			PlatformID: p.platformPixiv,
			Source:     fanbox.PixivUserLink(userID),
		})
	}

	id, err := p.store.ImportAuthor(ctx, archive.Author{Name: name, Aliases: aliases})
	if err != nil {
		return 0, fmt.Errorf("resolving author %s: %w", creatorID, err)
	}
	p.authors[creatorID] = id
	return id, nil
}

// flattenComments turns the depth-one reply tree into a flat list,
// replies following their root in order.
func flattenComments(comments []fanbox.Comment) []archive.CommentRecord {
	var out []archive.CommentRecord
	var add func(c fanbox.Comment, parentID string)
	add = func(c fanbox.Comment, parentID string) {
		out = append(out, archive.CommentRecord{
			ID:       c.ID,
			ParentID: parentID,
			UserID:   c.User.UserID,
			UserName: c.User.Name,
			Body:     c.Body,
			Created:  c.CreatedDatetime,
		})
		for _, reply := range c.Replies {
			add(reply, c.ID)
		}
	}
	for _, c := range comments {
		add(c, c.ParentCommentID)
	}
	return out
}

// materializePlacements copies the downloaded temp files into the media
// tree. All placements of a post share one directory, created up front.
// Any copy failure removes the files already copied so the rolled-back
// post leaves no media behind.
func (p *Pipeline) materializePlacements(placements []archive.Placement, downloads map[string]string) error {
	if len(placements) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.mediaPath(placements[0].Path)), 0755); err != nil {
		return fmt.Errorf("creating media directory: %w", err)
	}

	var copied []string
	for _, placement := range placements {
		dst := p.mediaPath(placement.Path)
		if err := copyFile(downloads[placement.URL], dst); err != nil {
			for _, done := range copied {
				os.Remove(done)
			}
			return err
		}
		copied = append(copied, dst)
	}
	return nil
}

// copyFile copies a downloaded temp file into the media tree. Temp files
// live on another filesystem often enough that rename is not an option.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening downloaded file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return out.Close()
}
