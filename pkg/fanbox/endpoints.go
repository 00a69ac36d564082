package fanbox

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultBaseURL is the production API origin. Tests point BaseURL at a
// local httptest server instead.
const DefaultBaseURL = "https://api.fanbox.cc"

// Origin is sent as both Origin and Referer; the API rejects requests
// without them.
const Origin = "https://www.fanbox.cc"

func (c *Client) listSupportingURL() string {
	return c.baseURL + "/plan.listSupporting"
}

func (c *Client) listFollowingURL() string {
	return c.baseURL + "/creator.listFollowing"
}

func (c *Client) paginateCreatorURL(creatorID string) string {
	return fmt.Sprintf("%s/post.paginateCreator?creatorId=%s", c.baseURL, url.QueryEscape(creatorID))
}

func (c *Client) postInfoURL(postID string) string {
	return fmt.Sprintf("%s/post.info?postId=%s", c.baseURL, url.QueryEscape(postID))
}

func (c *Client) postCommentsURL(postID string, limit int) string {
	return fmt.Sprintf("%s/post.getComments?postId=%s&limit=%d", c.baseURL, url.QueryEscape(postID), limit)
}

// pageDatetime extracts the firstPublishedDatetime parameter from a page
// URL returned by post.paginateCreator. The first page has no parameter;
// ok is false in that case.
func pageDatetime(pageURL string) (int64, bool) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return 0, false
	}
	raw := u.Query().Get("firstPublishedDatetime")
	if raw == "" {
		return 0, false
	}
	t, err := parseDatetime(raw)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

func parseDatetime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, raw)
}
