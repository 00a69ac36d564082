// Package archive is the persistent store for archived posts. It is a
// single-file SQLite database holding authors, posts, their media file
// records, and free-form feature metadata. Media bytes live on disk next
// to the database; the store only records their relative paths.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fanboxarchive/pkg/content"
)

// Store wraps the archive database.
type Store struct {
	db *sql.DB
}

// OpenOrCreate opens the database at dbPath, creating and migrating it as
// needed. SQLite handles one writer; a single connection keeps the pure-Go
// driver from tripping over itself under concurrent use.
func OpenOrCreate(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS platforms (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS authors (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			name  TEXT NOT NULL,
			thumb TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS author_aliases (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			platform_id INTEGER NOT NULL REFERENCES platforms(id),
			author_id   INTEGER NOT NULL REFERENCES authors(id),
			source      TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			author_id INTEGER NOT NULL REFERENCES authors(id),
			source    TEXT NOT NULL UNIQUE,
			title     TEXT NOT NULL,
			thumb     TEXT NOT NULL DEFAULT '',
			content   TEXT NOT NULL,
			comments  TEXT NOT NULL DEFAULT '[]',
			published INTEGER NOT NULL,
			updated   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS post_tags (
			post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			tag_id  INTEGER NOT NULL REFERENCES tags(id),
			UNIQUE (post_id, tag_id)
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS collection_posts (
			collection_id INTEGER NOT NULL REFERENCES collections(id),
			post_id       INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			UNIQUE (collection_id, post_id)
		)`,
		`CREATE TABLE IF NOT EXISTS file_metas (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			raw_id  TEXT NOT NULL,
			path    TEXT NOT NULL,
			url     TEXT NOT NULL,
			mime    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS features (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_id)`,
		`CREATE INDEX IF NOT EXISTS idx_file_metas_post ON file_metas(post_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// ImportPlatform returns the id of the named platform, creating it first
// if needed.
func (s *Store) ImportPlatform(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platforms (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return 0, fmt.Errorf("importing platform %s: %w", name, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM platforms WHERE name = ?`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("importing platform %s: %w", name, err)
	}
	return id, nil
}

// Alias links an author record to an account on some platform. Source is
// the account's canonical URL and is unique across the archive.
type Alias struct {
	PlatformID int64
	Source     string
}

// Author is the input to ImportAuthor.
type Author struct {
	Name    string
	Aliases []Alias
}

// ImportAuthor resolves an author by any of its aliases, creating the
// author and missing aliases on first sight. A creator reached both via
// fanbox and via the linked pixiv account resolves to one author row.
func (s *Store) ImportAuthor(ctx context.Context, author Author) (int64, error) {
	if len(author.Aliases) == 0 {
		return 0, errors.New("author has no aliases")
	}

	var id int64
	for _, alias := range author.Aliases {
		err := s.db.QueryRowContext(ctx,
			`SELECT author_id FROM author_aliases WHERE source = ?`, alias.Source).Scan(&id)
		if err == nil {
			// Known author; make sure all aliases are attached.
			return id, s.attachAliases(ctx, id, author.Aliases)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("resolving author alias %s: %w", alias.Source, err)
		}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO authors (name) VALUES (?)`, author.Name)
	if err != nil {
		return 0, fmt.Errorf("importing author %s: %w", author.Name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, s.attachAliases(ctx, id, author.Aliases)
}

func (s *Store) attachAliases(ctx context.Context, authorID int64, aliases []Alias) error {
	for _, alias := range aliases {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO author_aliases (platform_id, author_id, source) VALUES (?, ?, ?)
			 ON CONFLICT(source) DO NOTHING`,
			alias.PlatformID, authorID, alias.Source)
		if err != nil {
			return fmt.Errorf("attaching alias %s: %w", alias.Source, err)
		}
	}
	return nil
}

// HasPostSince reports whether a post with the given source is already
// archived at or past the given update time. Used by the dedup check to
// skip unchanged posts without fetching them.
func (s *Store) HasPostSince(ctx context.Context, source string, updated time.Time) (bool, error) {
	var stored int64
	err := s.db.QueryRowContext(ctx,
		`SELECT updated FROM posts WHERE source = ?`, source).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking post %s: %w", source, err)
	}
	return stored >= updated.Unix(), nil
}

// GetFeature returns the named feature payload, nil when unset.
func (s *Store) GetFeature(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM features WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading feature %s: %w", name, err)
	}
	return data, nil
}

// SetFeature stores the named feature payload, replacing any previous one.
func (s *Store) SetFeature(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO features (name, data) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data`,
		name, string(data))
	if err != nil {
		return fmt.Errorf("writing feature %s: %w", name, err)
	}
	return nil
}

// Placement is where one downloaded file belongs in the media tree,
// relative to the archive root.
type Placement struct {
	FileID int64
	Path   string
	URL    string
}

// CommentRecord is the archived form of one comment, flattened from the
// platform's reply tree.
type CommentRecord struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	UserID   string    `json:"user_id"`
	UserName string    `json:"user_name"`
	Body     string    `json:"body"`
	Created  time.Time `json:"created"`
}

// PostRecord is the input to ImportPost.
type PostRecord struct {
	AuthorID   int64
	AuthorName string
	// PostID is the platform-side post id, used for the media directory.
	PostID    string
	Source    string
	Title     string
	CoverURL  string
	Content   []content.Item
	Comments  []CommentRecord
	Tags      []string
	Published time.Time
	Updated   time.Time
}

// contentEntry is the serialized form of a content item. File entries
// reference the archived file by its relative path.
type contentEntry struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Tx is an archive transaction. Nothing it writes is visible until Commit.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit makes the transaction's writes visible.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback discards the transaction's writes. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// ImportPost writes the post row, its tags, and its file records, and
// returns the media placements the caller must satisfy before committing.
// Re-importing an existing source replaces the post and its file records.
func (t *Tx) ImportPost(ctx context.Context, rec PostRecord) (int64, []Placement, error) {
	commentsJSON, err := json.Marshal(commentsOrEmpty(rec.Comments))
	if err != nil {
		return 0, nil, fmt.Errorf("encoding comments: %w", err)
	}

	dir := path.Join(sanitizeSegment(rec.AuthorName), sanitizeSegment(rec.PostID))

	var thumb string
	var placements []Placement
	if rec.CoverURL != "" {
		meta := content.FromURL(rec.CoverURL)
		thumb = path.Join(dir, sanitizeSegment(meta.Filename))
		placements = append(placements, Placement{Path: thumb, URL: meta.URL})
	}

	entries := make([]contentEntry, 0, len(rec.Content))
	type fileRow struct {
		meta content.FileMeta
		path string
	}
	var fileRows []fileRow
	for _, item := range rec.Content {
		switch item.Kind {
		case content.KindText:
			entries = append(entries, contentEntry{Type: "text", Text: item.Text})
		case content.KindFile:
			p := path.Join(dir, sanitizeSegment(item.File.Filename))
			entries = append(entries, contentEntry{Type: "file", Path: p})
			fileRows = append(fileRows, fileRow{meta: item.File, path: p})
		}
	}
	contentJSON, err := json.Marshal(entries)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding content: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO posts (author_id, source, title, thumb, content, comments, published, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
			author_id = excluded.author_id,
			title     = excluded.title,
			thumb     = excluded.thumb,
			content   = excluded.content,
			comments  = excluded.comments,
			published = excluded.published,
			updated   = excluded.updated`,
		rec.AuthorID, rec.Source, rec.Title, thumb,
		string(contentJSON), string(commentsJSON),
		rec.Published.Unix(), rec.Updated.Unix())
	if err != nil {
		return 0, nil, fmt.Errorf("importing post %s: %w", rec.Source, err)
	}

	var postID int64
	err = t.tx.QueryRowContext(ctx, `SELECT id FROM posts WHERE source = ?`, rec.Source).Scan(&postID)
	if err != nil {
		return 0, nil, fmt.Errorf("importing post %s: %w", rec.Source, err)
	}

	// Replaced posts drop their old file records; the new placements are
	// the source of truth.
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM file_metas WHERE post_id = ?`, postID); err != nil {
		return 0, nil, fmt.Errorf("clearing file records of post %s: %w", rec.Source, err)
	}
	for _, row := range fileRows {
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO file_metas (post_id, raw_id, path, url, mime) VALUES (?, ?, ?, ?, ?)`,
			postID, row.meta.RawID, row.path, row.meta.URL, row.meta.MIME)
		if err != nil {
			return 0, nil, fmt.Errorf("recording file %s: %w", row.path, err)
		}
		fileID, err := res.LastInsertId()
		if err != nil {
			return 0, nil, err
		}
		placements = append(placements, Placement{FileID: fileID, Path: row.path, URL: row.meta.URL})
	}

	if err := t.importTags(ctx, postID, rec.Tags); err != nil {
		return 0, nil, err
	}
	return postID, placements, nil
}

func (t *Tx) importTags(ctx context.Context, postID int64, tags []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM post_tags WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("clearing tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, tag); err != nil {
			return fmt.Errorf("importing tag %s: %w", tag, err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO post_tags (post_id, tag_id)
			 SELECT ?, id FROM tags WHERE name = ?
			 ON CONFLICT(post_id, tag_id) DO NOTHING`, postID, tag); err != nil {
			return fmt.Errorf("tagging post: %w", err)
		}
	}
	return nil
}

// AddToCollection places a post in the named collection, creating the
// collection on first use.
func (t *Tx) AddToCollection(ctx context.Context, postID int64, name string) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO collections (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("importing collection %s: %w", name, err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO collection_posts (collection_id, post_id)
		 SELECT id, ? FROM collections WHERE name = ?
		 ON CONFLICT(collection_id, post_id) DO NOTHING`, postID, name); err != nil {
		return fmt.Errorf("adding post to collection %s: %w", name, err)
	}
	return nil
}

func commentsOrEmpty(comments []CommentRecord) []CommentRecord {
	if comments == nil {
		return []CommentRecord{}
	}
	return comments
}

// sanitizeSegment makes a string safe as a single path segment.
func sanitizeSegment(s string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	out := strings.TrimSpace(replacer.Replace(s))
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
