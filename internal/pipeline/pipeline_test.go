package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanboxarchive/pkg/archive"
	"fanboxarchive/pkg/checkpoint"
	"fanboxarchive/pkg/config"
	"fanboxarchive/pkg/fanbox"
	"fanboxarchive/pkg/logger"
)

var postPublished = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeFanbox is a minimal in-process FANBOX serving one creator with one
// post. Counters expose how often each endpoint was hit.
type fakeFanbox struct {
	srv *httptest.Server

	supporting   func() string
	postInfoHits int32
	imageStatus  int
}

func newFakeFanbox(t *testing.T) *fakeFanbox {
	t.Helper()
	f := &fakeFanbox{imageStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/plan.listSupporting", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.supporting())
	})
	mux.HandleFunc("/creator.listFollowing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"body":[]}`)
	})
	mux.HandleFunc("/post.paginateCreator", func(w http.ResponseWriter, r *http.Request) {
		page := f.srv.URL + "/post.listCreator?creatorId=alice&firstPublishedDatetime=" +
			url.QueryEscape(postPublished.Format(time.RFC3339))
		fmt.Fprintf(w, `{"body":[%q]}`, page)
	})
	mux.HandleFunc("/post.listCreator", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"body":[%s]}`, f.listItemJSON())
	})
	mux.HandleFunc("/post.info", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.postInfoHits, 1)
		require.Equal(t, "42", r.URL.Query().Get("postId"))
		fmt.Fprintf(w, `{"body":%s}`, f.postJSON())
	})
	mux.HandleFunc("/post.getComments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"body":{"commentList":{"items":[
			{"id":"c1","body":"root","user":{"userId":"u9","name":"Fan"},
			 "replies":[{"id":"c2","body":"reply","user":{"userId":"111","name":"Alice"}}]}
		]}}}`)
	})
	mux.HandleFunc("/files/i1.png", func(w http.ResponseWriter, r *http.Request) {
		if f.imageStatus != http.StatusOK {
			w.WriteHeader(f.imageStatus)
			return
		}
		fmt.Fprint(w, "png-bytes")
	})
	mux.HandleFunc("/cover.jpeg", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "cover-bytes")
	})

	f.supporting = func() string {
		return `{"body":[{"creatorId":"alice","fee":500,"user":{"userId":"111","name":"Alice"}}]}`
	}
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFanbox) listItemJSON() string {
	item := map[string]interface{}{
		"id":                "42",
		"title":             "a post",
		"feeRequired":       500,
		"publishedDatetime": postPublished.Format(time.RFC3339),
		"updatedDatetime":   postPublished.Format(time.RFC3339),
		"commentCount":      2,
		"creatorId":         "alice",
		"user":              map[string]string{"userId": "111", "name": "Alice"},
	}
	raw, _ := json.Marshal(item)
	return string(raw)
}

func (f *fakeFanbox) postJSON() string {
	post := map[string]interface{}{
		"id":                "42",
		"title":             "a post",
		"feeRequired":       500,
		"publishedDatetime": postPublished.Format(time.RFC3339),
		"updatedDatetime":   postPublished.Format(time.RFC3339),
		"commentCount":      2,
		"creatorId":         "alice",
		"tags":              []string{"art"},
		"user":              map[string]string{"userId": "111", "name": "Alice"},
		"type":              "article",
		"coverImageUrl":     f.srv.URL + "/cover.jpeg",
		"body": map[string]interface{}{
			"blocks": []map[string]interface{}{
				{"type": "p", "text": "hello"},
				{"type": "image", "imageId": "i1"},
			},
			"imageMap": map[string]interface{}{
				"i1": map[string]interface{}{
					"id": "i1", "extension": "png",
					"originalUrl": f.srv.URL + "/files/i1.png",
				},
			},
		},
	}
	raw, _ := json.Marshal(post)
	return string(raw)
}

func testPipeline(t *testing.T, f *fakeFanbox) (*Pipeline, *archive.Store, *config.Config) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Archive.Output = t.TempDir()
	cfg.Fanbox.SessionID = "test"

	client := fanbox.NewClient(fanbox.Options{
		BaseURL:   f.srv.URL,
		Cookie:    cfg.CookieHeader(),
		UserAgent: "test-agent",
	})

	store, err := archive.OpenOrCreate(filepath.Join(cfg.Archive.Output, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(cfg, client, store), store, cfg
}

func TestRunArchivesCreatorPost(t *testing.T) {
	ctx := context.Background()
	f := newFakeFanbox(t)
	p, store, cfg := testPipeline(t, f)

	require.NoError(t, p.Run(ctx))

	committed, _, failed := p.Stats()
	assert.Equal(t, 1, committed)
	assert.Zero(t, failed)

	// Post row is visible and media files landed in {author}/{post}/.
	skip, err := store.HasPostSince(ctx, "https://alice.fanbox.cc/posts/42", postPublished)
	require.NoError(t, err)
	assert.True(t, skip)

	data, err := os.ReadFile(filepath.Join(cfg.Archive.Output, "Alice", "42", "i1.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	data, err = os.ReadFile(filepath.Join(cfg.Archive.Output, "Alice", "42", "cover.jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "cover-bytes", string(data))

	// Checkpoint advanced to the newest published time at the plan fee.
	cache, err := checkpoint.Load(ctx, store)
	require.NoError(t, err)
	updated, ok := cache.LastUpdated("alice", 500)
	require.True(t, ok)
	assert.Equal(t, postPublished.Unix(), updated)
}

func TestSecondRunSkipsViaCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFakeFanbox(t)
	p, store, cfg := testPipeline(t, f)

	require.NoError(t, p.Run(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&f.postInfoHits))

	// Fresh pipeline, same store: the page is at the checkpoint, so the
	// post is never fetched again.
	client := fanbox.NewClient(fanbox.Options{BaseURL: f.srv.URL, Cookie: "FANBOXSESSID=test"})
	second := New(cfg, client, store)
	require.NoError(t, second.Run(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.postInfoHits))
	committed, _, _ := second.Stats()
	assert.Zero(t, committed)
}

func TestMissingFileAbortsPost(t *testing.T) {
	ctx := context.Background()
	f := newFakeFanbox(t)
	f.imageStatus = http.StatusNotFound
	p, store, cfg := testPipeline(t, f)

	require.NoError(t, p.Run(ctx))

	committed, _, failed := p.Stats()
	assert.Zero(t, committed)
	assert.Equal(t, 1, failed)

	// Nothing visible: no post row, no media.
	skip, err := store.HasPostSince(ctx, "https://alice.fanbox.cc/posts/42", postPublished)
	require.NoError(t, err)
	assert.False(t, skip)
	_, err = os.Stat(filepath.Join(cfg.Archive.Output, "Alice", "42", "i1.png"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.Archive.Output, "Alice", "42", "cover.jpeg"))
	assert.True(t, os.IsNotExist(err), "aborted posts leave no media behind")

	// The post rides the ledger and the checkpoint stays put.
	cache, err := checkpoint.Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, cache.PreviousFailures())
	_, ok := cache.LastUpdated("alice", 500)
	assert.False(t, ok)
}

func TestFailedPostIsRequeuedNextRun(t *testing.T) {
	ctx := context.Background()
	f := newFakeFanbox(t)
	// No creators this run; only the ledger feeds the pipeline.
	f.supporting = func() string { return `{"body":[]}` }
	p, store, _ := testPipeline(t, f)

	c := checkpoint.FromState(checkpoint.State{FailedPosts: []string{"42"}})
	require.NoError(t, checkpoint.Save(ctx, store, c))

	require.NoError(t, p.Run(ctx))

	committed, _, failed := p.Stats()
	assert.Equal(t, 1, committed)
	assert.Zero(t, failed)

	// The ledger entry either committed or failed again; here it is gone.
	cache, err := checkpoint.Load(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, cache.PreviousFailures())
}

func TestSessionErrorAbortsRun(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"general_error"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Archive.Output = t.TempDir()
	client := fanbox.NewClient(fanbox.Options{BaseURL: srv.URL, Cookie: "FANBOXSESSID=dead"})
	store, err := archive.OpenOrCreate(filepath.Join(cfg.Archive.Output, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	err = New(cfg, client, store).Run(context.Background())
	require.Error(t, err)
}

func TestEmptyDownloadBatchRepliesImmediately(t *testing.T) {
	p := &Pipeline{log: logger.GetLogger()}
	reply := make(chan map[string]string, 1)
	p.handleBatch(context.Background(), fileRequest{reply: reply})

	select {
	case m := <-reply:
		assert.Empty(t, m)
	case <-time.After(time.Second):
		t.Fatal("no reply for empty batch")
	}
}

func TestFailedCopyRemovesEarlierFiles(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Archive.Output = t.TempDir()
	p := &Pipeline{cfg: cfg, log: logger.GetLogger()}

	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("bytes"), 0644))

	placements := []archive.Placement{
		{Path: "Alice/42/a.png", URL: "https://cdn.example/a.png"},
		{Path: "Alice/42/b.png", URL: "https://cdn.example/b.png"},
	}
	downloads := map[string]string{
		"https://cdn.example/a.png": src,
		// The second temp file is gone, so its copy fails.
		"https://cdn.example/b.png": filepath.Join(t.TempDir(), "vanished"),
	}

	require.Error(t, p.materializePlacements(placements, downloads))

	_, err := os.Stat(filepath.Join(cfg.Archive.Output, "Alice", "42", "a.png"))
	assert.True(t, os.IsNotExist(err), "files copied before the failure are removed")
}

func TestListCreatorsLogsSourceCounts(t *testing.T) {
	f := newFakeFanbox(t)
	p, _, _ := testPipeline(t, f)
	p.cfg.Archive.Accept = config.AcceptAll

	capture := newCaptureLogger()
	p.log = capture

	creators, err := p.listCreators(context.Background())
	require.NoError(t, err)
	require.Len(t, creators, 1)

	following, ok := capture.fieldFor("fetched following creators", "creators")
	require.True(t, ok)
	assert.Equal(t, 0, following)

	supporting, ok := capture.fieldFor("fetched supporting creators", "creators")
	require.True(t, ok)
	assert.Equal(t, 1, supporting)
}

// captureLogger records every emitted entry so tests can assert on log
// output without parsing console text.
type captureLogger struct {
	rec    *logRecorder
	fields map[string]interface{}
}

type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	msg    string
	fields map[string]interface{}
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{rec: &logRecorder{}}
}

func (l *captureLogger) with(fields map[string]interface{}) *captureLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &captureLogger{rec: l.rec, fields: merged}
}

func (l *captureLogger) record(msg string, fields map[string]interface{}) {
	entry := logEntry{msg: msg, fields: l.with(fields).fields}
	l.rec.mu.Lock()
	l.rec.entries = append(l.rec.entries, entry)
	l.rec.mu.Unlock()
}

// fieldFor returns the named field of the first entry with the given
// message.
func (l *captureLogger) fieldFor(msg, field string) (interface{}, bool) {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	for _, entry := range l.rec.entries {
		if entry.msg == msg {
			v, ok := entry.fields[field]
			return v, ok
		}
	}
	return nil, false
}

func (l *captureLogger) Debug(msg string) { l.record(msg, nil) }
func (l *captureLogger) Info(msg string)  { l.record(msg, nil) }
func (l *captureLogger) Warn(msg string)  { l.record(msg, nil) }
func (l *captureLogger) Error(msg string) { l.record(msg, nil) }
func (l *captureLogger) Fatal(msg string) { l.record(msg, nil) }

func (l *captureLogger) WithField(key string, value interface{}) logger.Logger {
	return l.with(map[string]interface{}{key: value})
}
func (l *captureLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return l.with(fields)
}
func (l *captureLogger) WithError(err error) logger.Logger {
	return l.with(map[string]interface{}{"error": err})
}

func (l *captureLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.record(msg, fields)
}
func (l *captureLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.record(msg, fields)
}
func (l *captureLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.record(msg, fields)
}
func (l *captureLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.record(msg, fields)
}

func (l *captureLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}

func TestFlattenComments(t *testing.T) {
	flat := flattenComments([]fanbox.Comment{
		{
			ID:   "c1",
			Body: "root",
			User: fanbox.User{UserID: "u1", Name: "Fan"},
			Replies: []fanbox.Comment{
				{ID: "c2", Body: "reply", User: fanbox.User{UserID: "u2", Name: "Alice"}},
			},
		},
		{ID: "c3", Body: "another root"},
	})

	require.Len(t, flat, 3)
	assert.Equal(t, "c1", flat[0].ID)
	assert.Empty(t, flat[0].ParentID)
	assert.Equal(t, "c2", flat[1].ID)
	assert.Equal(t, "c1", flat[1].ParentID)
	assert.Equal(t, "c3", flat[2].ID)
}
