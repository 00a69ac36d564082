package fanbox

import (
	"fmt"
	"time"
)

// User is the pixiv account behind a creator or comment.
type User struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

// Creator is an immutable snapshot of a creator resolved during discovery.
// The same creator may appear in both the following and supporting lists;
// discovery deduplicates by CreatorID with the last-seen fee winning.
type Creator struct {
	CreatorID string
	Name      string
	UserID    string
	Fee       int
}

// FollowingCreator is a creator from creator.listFollowing. Following a
// creator grants no plan, so the fee is zero.
type FollowingCreator struct {
	CreatorID string `json:"creatorId"`
	User      User   `json:"user"`
}

// Creator converts the list entry to a Creator snapshot.
func (f FollowingCreator) Creator() Creator {
	return Creator{
		CreatorID: f.CreatorID,
		Name:      f.User.Name,
		UserID:    f.User.UserID,
	}
}

// SupportingCreator is a creator from plan.listSupporting.
type SupportingCreator struct {
	CreatorID string `json:"creatorId"`
	Fee       int    `json:"fee"`
	User      User   `json:"user"`
}

// Creator converts the list entry to a Creator snapshot.
func (s SupportingCreator) Creator() Creator {
	return Creator{
		CreatorID: s.CreatorID,
		Name:      s.User.Name,
		UserID:    s.User.UserID,
		Fee:       s.Fee,
	}
}

// Cover is a post's cover image reference.
type Cover struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// PostListItem is a post as returned by the paginated creator index.
// It carries enough to decide whether a full fetch is needed.
type PostListItem struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	FeeRequired       int       `json:"feeRequired"`
	PublishedDatetime time.Time `json:"publishedDatetime"`
	UpdatedDatetime   time.Time `json:"updatedDatetime"`
	Tags              []string  `json:"tags"`
	CommentCount      int       `json:"commentCount"`
	IsRestricted      bool      `json:"isRestricted"`
	User              User      `json:"user"`
	CreatorID         string    `json:"creatorId"`
	HasAdultContent   bool      `json:"hasAdultContent"`
	Cover             *Cover    `json:"cover"`
	Excerpt           string    `json:"excerpt"`
}

// Post is the full record from post.info. Immutable once fetched.
type Post struct {
	PostListItem
	Type          string    `json:"type"`
	CoverImageURL string    `json:"coverImageUrl"`
	Body          *PostBody `json:"body"`
}

// PostBody is the rich-text payload: either a flat text field or an ordered
// block sequence with id-keyed side tables its references resolve against.
type PostBody struct {
	Text        string                  `json:"text"`
	Blocks      []PostBlock             `json:"blocks"`
	Images      []PostImage             `json:"images"`
	Videos      []PostVideo             `json:"videos"`
	Files       []PostFile              `json:"files"`
	ImageMap    map[string]PostImage    `json:"imageMap"`
	FileMap     map[string]PostFile     `json:"fileMap"`
	EmbedMap    map[string]PostEmbed    `json:"embedMap"`
	URLEmbedMap map[string]PostURLEmbed `json:"urlEmbedMap"`
}

// Block types as they appear on the wire.
const (
	BlockParagraph = "p"
	BlockHeader    = "header"
	BlockImage     = "image"
	BlockFile      = "file"
	BlockEmbed     = "embed"
	BlockURLEmbed  = "url_embed"
	BlockVideo     = "video"
)

// PostBlock is one structural unit of a block-formatted body. Exactly one
// of the reference ids is set, depending on Type.
type PostBlock struct {
	Type       string           `json:"type"`
	Text       string           `json:"text"`
	Styles     []PostBlockStyle `json:"styles"`
	ImageID    string           `json:"imageId"`
	FileID     string           `json:"fileId"`
	EmbedID    string           `json:"embedId"`
	URLEmbedID string           `json:"urlEmbedId"`
	VideoID    string           `json:"videoId"`
}

// PostBlockStyle is an inline style span over the block's original text,
// addressed by rune offset and length.
type PostBlockStyle struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// PostImage is an image side-table entry.
type PostImage struct {
	ID           string `json:"id"`
	Extension    string `json:"extension"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	OriginalURL  string `json:"originalUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// Filename returns the archived filename for the image.
func (i PostImage) Filename() string {
	return fmt.Sprintf("%s.%s", i.ID, i.Extension)
}

// PostFile is a file side-table entry.
type PostFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
}

// Filename returns the archived filename for the file.
func (f PostFile) Filename() string {
	return fmt.Sprintf("%s.%s", f.Name, f.Extension)
}

// PostVideo is an externally hosted video referenced by a video block.
type PostVideo struct {
	ServiceProvider string `json:"serviceProvider"`
	VideoID         string `json:"videoId"`
}

// PostEmbed is a provider-keyed embed side-table entry.
type PostEmbed struct {
	ID              string `json:"id"`
	ServiceProvider string `json:"serviceProvider"`
	ContentID       string `json:"contentId"`
}

// URL embed sub-kinds as they appear on the wire.
const (
	URLEmbedHTML       = "html"
	URLEmbedHTMLCard   = "html.card"
	URLEmbedFanboxPost = "fanbox.post"
	URLEmbedDefault    = "default"
)

// PostURLEmbed is a url-embed side-table entry. Which fields are populated
// depends on Type: html kinds carry raw HTML to mine, fanbox.post carries
// the embedded post's list item, default carries url and host.
type PostURLEmbed struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	HTML     string        `json:"html"`
	URL      string        `json:"url"`
	Host     string        `json:"host"`
	PostInfo *PostListItem `json:"postInfo"`
}

// Comment is a single post comment. Replies are only present on root
// comments; the tree is depth one, not arbitrary recursion.
type Comment struct {
	ID              string    `json:"id"`
	ParentCommentID string    `json:"parentCommentId"`
	RootCommentID   string    `json:"rootCommentId"`
	Body            string    `json:"body"`
	CreatedDatetime time.Time `json:"createdDatetime"`
	User            User      `json:"user"`
	Replies         []Comment `json:"replies"`
}

// commentPage is the body of post.getComments.
type commentPage struct {
	CommentList *struct {
		Items   []Comment `json:"items"`
		NextURL string    `json:"nextUrl"`
	} `json:"commentList"`
}

// SourceLink builds the canonical post URL used as the archive dedup key.
func SourceLink(creatorID, postID string) string {
	return fmt.Sprintf("https://%s.fanbox.cc/posts/%s", creatorID, postID)
}

// CreatorLink builds a creator's public page URL.
func CreatorLink(creatorID string) string {
	return fmt.Sprintf("https://%s.fanbox.cc/", creatorID)
}

// PixivUserLink builds the linked pixiv profile URL.
func PixivUserLink(userID string) string {
	return fmt.Sprintf("https://www.pixiv.net/users/%s", userID)
}
