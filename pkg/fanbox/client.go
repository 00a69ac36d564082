package fanbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	errs "fanboxarchive/pkg/errors"
	"fanboxarchive/pkg/logger"
	"fanboxarchive/pkg/ratelimit"
	"fanboxarchive/pkg/retry"
)

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API origin, used by tests.
	BaseURL   string
	Cookie    string
	UserAgent string

	RequestsPerMinute  int
	ConcurrentRequests int
	MaxRetries         int
	Timeout            time.Duration
	DownloadTimeout    time.Duration

	Logger logger.Logger
}

// Client talks to the FANBOX API. All calls share one permit pool and one
// token bucket, so total API pressure stays bounded no matter how many
// pipeline stages issue requests at once.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	downloadClient *http.Client
	headers        map[string]string
	limiter        ratelimit.Limiter
	permits        *ratelimit.Semaphore
	maxRetries     int
	logger         logger.Logger
}

// NewClient creates a configured API client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.ConcurrentRequests <= 0 {
		opts.ConcurrentRequests = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	return &Client{
		baseURL:        opts.BaseURL,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout},
		headers: map[string]string{
			"Cookie":     opts.Cookie,
			"User-Agent": opts.UserAgent,
			"Origin":     Origin,
			"Referer":    Origin + "/",
			"Accept":     "application/json",
		},
		limiter:    ratelimit.NewTokenBucket(opts.RequestsPerMinute, time.Minute),
		permits:    ratelimit.NewSemaphore(opts.ConcurrentRequests),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// envelope is the outer shape of every API response. A populated error
// field means the body is absent.
type envelope struct {
	Body  json.RawMessage `json:"body"`
	Error string          `json:"error"`
}

// fetchAPI performs a rate-limited GET and unwraps the response envelope
// into T. An error field of "general_error" means the session cookie is
// dead; that is fatal for the whole run, not a per-request failure.
func fetchAPI[T any](ctx context.Context, c *Client, url string) (T, error) {
	var zero T

	if err := c.permits.Acquire(ctx); err != nil {
		return zero, err
	}
	defer c.permits.Release()

	raw, err := retry.DoWithResult(func() ([]byte, error) {
		c.limiter.Wait()
		return c.doRequest(ctx, c.httpClient, url)
	}, c.retryConfig(ctx))
	if err != nil {
		return zero, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, errs.NewInvalidResponse("response is not a JSON envelope", string(raw))
	}
	if env.Error != "" {
		if env.Error == "general_error" {
			return zero, errs.NewSessionError("session rejected by API")
		}
		return zero, errs.NewInvalidResponse(fmt.Sprintf("API error %q", env.Error), string(raw))
	}
	if len(env.Body) == 0 || string(env.Body) == "null" {
		return zero, errs.NewInvalidResponse("envelope has no body", string(raw))
	}

	var out T
	if err := json.Unmarshal(env.Body, &out); err != nil {
		return zero, errs.NewInvalidResponse(fmt.Sprintf("decoding body: %v", err), string(env.Body))
	}
	return out, nil
}

func (c *Client) retryConfig(ctx context.Context) *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.maxRetries
	cfg.Context = ctx
	cfg.Logger = c.logger
	return cfg
}

// doRequest issues one GET and maps HTTP-level failures to typed errors.
func (c *Client) doRequest(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.Error{Type: errs.ErrorTypeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.Error{Type: errs.ErrorTypeNetwork, Message: fmt.Sprintf("reading body: %v", err)}
	}
	return body, nil
}

func statusError(code int) *errs.Error {
	switch {
	case code == http.StatusUnauthorized:
		return &errs.Error{Type: errs.ErrorTypeSession, Message: "unauthorized", Code: code}
	case code == http.StatusTooManyRequests:
		return &errs.Error{Type: errs.ErrorTypeRateLimit, Message: "rate limited", Code: code}
	case code == http.StatusNotFound:
		return &errs.Error{Type: errs.ErrorTypeNotFound, Message: "not found", Code: code}
	case code >= 500:
		return &errs.Error{Type: errs.ErrorTypeServerError, Message: "server error", Code: code}
	default:
		return &errs.Error{Type: errs.ErrorTypeUnknown, Message: "unexpected status", Code: code}
	}
}

// FollowingCreators lists creators the account follows.
func (c *Client) FollowingCreators(ctx context.Context) ([]FollowingCreator, error) {
	return fetchAPI[[]FollowingCreator](ctx, c, c.listFollowingURL())
}

// SupportingCreators lists creators the account holds a paid plan for.
func (c *Client) SupportingCreators(ctx context.Context) ([]SupportingCreator, error) {
	return fetchAPI[[]SupportingCreator](ctx, c, c.listSupportingURL())
}

// ListPosts returns a creator's post index, newest first, along with the
// newest publication time seen (unix seconds, 0 when nothing was fetched).
//
// Page URLs from post.paginateCreator embed the first post's publication
// time, so pages at or before the checkpoint are skipped without being
// fetched at all. Remaining pages are fetched concurrently; each fetch
// still passes through the shared permit pool.
func (c *Client) ListPosts(ctx context.Context, creatorID string, since int64) ([]PostListItem, int64, error) {
	pages, err := fetchAPI[[]string](ctx, c, c.paginateCreatorURL(creatorID))
	if err != nil {
		return nil, 0, fmt.Errorf("paginating creator %s: %w", creatorID, err)
	}

	var keep []string
	for _, page := range pages {
		if dt, ok := pageDatetime(page); ok && since > 0 && dt <= since {
			c.logger.DebugWithFields("skipping page at or before checkpoint", map[string]interface{}{
				"creator":  creatorID,
				"page":     page,
				"page_ts":  dt,
				"since_ts": since,
			})
			continue
		}
		keep = append(keep, page)
	}
	if len(keep) == 0 {
		return nil, 0, nil
	}

	results := make([][]PostListItem, len(keep))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fetchErr error
	)
	for i, page := range keep {
		wg.Add(1)
		go func(i int, page string) {
			defer wg.Done()
			items, err := fetchAPI[[]PostListItem](ctx, c, page)
			if err != nil {
				mu.Lock()
				// Session errors win so the run aborts instead of retrying
				// the same dead cookie on the next creator.
				if fetchErr == nil || errs.IsSession(err) {
					fetchErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = items
		}(i, page)
	}
	wg.Wait()
	if fetchErr != nil {
		return nil, 0, fmt.Errorf("listing posts of %s: %w", creatorID, fetchErr)
	}

	var items []PostListItem
	var lastDate int64
	for _, page := range results {
		for _, item := range page {
			if ts := item.PublishedDatetime.Unix(); ts > lastDate {
				lastDate = ts
			}
			items = append(items, item)
		}
	}
	// Page fetches land in request-completion order inside each slice, but
	// slices keep the page order; sort items newest first to make downstream
	// behavior deterministic.
	sort.Slice(items, func(i, j int) bool {
		return items[i].PublishedDatetime.After(items[j].PublishedDatetime)
	})
	return items, lastDate, nil
}

// PostInfo fetches the full post record.
func (c *Client) PostInfo(ctx context.Context, postID string) (*Post, error) {
	post, err := fetchAPI[Post](ctx, c, c.postInfoURL(postID))
	if err != nil {
		return nil, fmt.Errorf("fetching post %s: %w", postID, err)
	}
	return &post, nil
}

// commentPageSize matches the web client's page size.
const commentPageSize = 10

// Comments walks the comment cursor until the API stops returning a next
// URL. Posts with a zero comment count skip the walk entirely.
func (c *Client) Comments(ctx context.Context, postID string, commentCount int) ([]Comment, error) {
	if commentCount == 0 {
		return nil, nil
	}

	var comments []Comment
	next := c.postCommentsURL(postID, commentPageSize)
	for next != "" {
		page, err := fetchAPI[commentPage](ctx, c, next)
		if err != nil {
			return nil, fmt.Errorf("fetching comments of post %s: %w", postID, err)
		}
		if page.CommentList == nil {
			break
		}
		comments = append(comments, page.CommentList.Items...)
		next = page.CommentList.NextURL
	}
	return comments, nil
}

// Download fetches a media URL into a temporary file and returns its path.
// The caller owns the file and removes it after the post commits or aborts.
// Downloads bypass the API token bucket; concurrency is bounded by the
// download stage's own semaphore.
func (c *Client) Download(ctx context.Context, url string) (string, error) {
	return retry.DoWithResult(func() (string, error) {
		return c.downloadOnce(ctx, url)
	}, c.retryConfig(ctx))
}

func (c *Client) downloadOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &errs.Error{Type: errs.ErrorTypeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "fanboxarchive-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &errs.Error{Type: errs.ErrorTypeNetwork, Message: fmt.Sprintf("downloading %s: %v", url, err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), nil
}
