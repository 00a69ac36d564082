// Package content turns a post body into an ordered list of renderable
// items. The transform is pure: it never touches the network, so file
// items carry the source URL for a later download stage to resolve.
package content

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"

	"fanboxarchive/pkg/fanbox"
	"fanboxarchive/pkg/logger"
)

// Kind discriminates item variants.
type Kind int

const (
	KindText Kind = iota
	KindFile
)

// Item is one unit of transformed post content, in display order.
type Item struct {
	Kind Kind
	Text string
	File FileMeta
}

// FileMeta describes a downloadable placement before the file exists
// locally. RawID is the platform-side id used for dedup in the archive.
type FileMeta struct {
	RawID    string
	Filename string
	URL      string
	MIME     string
}

// guessMIME maps a filename extension to a media type, empty when the
// extension is unknown.
func guessMIME(filename string) string {
	return mime.TypeByExtension(path.Ext(filename))
}

func textItem(text string) Item { return Item{Kind: KindText, Text: text} }
func fileItem(meta FileMeta) Item {
	return Item{Kind: KindFile, File: meta}
}

// FromURL builds a FileMeta for a bare URL such as a cover image, naming
// the file after the last path segment.
func FromURL(rawURL string) FileMeta {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	return FileMeta{RawID: name, Filename: name, URL: rawURL, MIME: guessMIME(name)}
}

// FromImage builds a FileMeta for an image side-table entry.
func FromImage(img fanbox.PostImage) FileMeta {
	name := img.Filename()
	return FileMeta{RawID: img.ID, Filename: name, URL: img.OriginalURL, MIME: guessMIME(name)}
}

// FromFile builds a FileMeta for a file side-table entry.
func FromFile(f fanbox.PostFile) FileMeta {
	name := f.Filename()
	return FileMeta{RawID: f.ID, Filename: name, URL: f.URL, MIME: guessMIME(name)}
}

// Transform converts a post body into ordered items. Bodies come in two
// shapes: flat text with side arrays, or an ordered block list with
// id-keyed side tables. A nil body (restricted post) yields no items.
func Transform(body *fanbox.PostBody) ([]Item, error) {
	if body == nil {
		return nil, nil
	}
	if body.Blocks != nil {
		return transformBlocks(body)
	}
	return transformText(body), nil
}

// Files extracts the download list from transformed items.
func Files(items []Item) []FileMeta {
	var metas []FileMeta
	for _, item := range items {
		if item.Kind == KindFile {
			metas = append(metas, item.File)
		}
	}
	return metas
}

func transformText(body *fanbox.PostBody) []Item {
	var items []Item
	if body.Text != "" {
		items = append(items, textItem(strings.ReplaceAll(body.Text, "\n", "<br>")))
	}
	for _, img := range body.Images {
		items = append(items, fileItem(FromImage(img)))
	}
	for _, f := range body.Files {
		items = append(items, fileItem(FromFile(f)))
	}
	return items
}

func transformBlocks(body *fanbox.PostBody) ([]Item, error) {
	log := logger.GetLogger()
	var items []Item
	for _, block := range body.Blocks {
		switch block.Type {
		case fanbox.BlockParagraph:
			if block.Text == "" {
				items = append(items, textItem("<br>"))
				continue
			}
			styled, err := styleText(block.Text, block.Styles)
			if err != nil {
				return nil, err
			}
			items = append(items, textItem("<p>"+strings.ReplaceAll(styled, "\n", "<br>")+"</p>"))

		case fanbox.BlockHeader:
			styled, err := styleText(block.Text, block.Styles)
			if err != nil {
				return nil, err
			}
			items = append(items, textItem("<h2>"+styled+"</h2>"))

		case fanbox.BlockImage:
			img, ok := body.ImageMap[block.ImageID]
			if !ok {
				log.WarnWithFields("image block references missing entry", map[string]interface{}{
					"image_id": block.ImageID,
				})
				items = append(items, missingRef("image", block.ImageID))
				continue
			}
			items = append(items, fileItem(FromImage(img)))

		case fanbox.BlockFile:
			f, ok := body.FileMap[block.FileID]
			if !ok {
				log.WarnWithFields("file block references missing entry", map[string]interface{}{
					"file_id": block.FileID,
				})
				items = append(items, missingRef("file", block.FileID))
				continue
			}
			items = append(items, fileItem(FromFile(f)))

		case fanbox.BlockEmbed:
			embed, ok := body.EmbedMap[block.EmbedID]
			if !ok {
				log.WarnWithFields("embed block references missing entry", map[string]interface{}{
					"embed_id": block.EmbedID,
				})
				items = append(items, missingRef("embed", block.EmbedID))
				continue
			}
			items = append(items, textItem(embedHTML(embed)))

		case fanbox.BlockURLEmbed:
			embed, ok := body.URLEmbedMap[block.URLEmbedID]
			if !ok {
				log.WarnWithFields("url embed block references missing entry", map[string]interface{}{
					"url_embed_id": block.URLEmbedID,
				})
				items = append(items, missingRef("url embed", block.URLEmbedID))
				continue
			}
			items = append(items, textItem(urlEmbedHTML(embed)))

		case fanbox.BlockVideo:
			video, ok := findVideo(body.Videos, block.VideoID)
			if !ok {
				items = append(items, missingRef("video", block.VideoID))
				continue
			}
			items = append(items, textItem(videoHTML(video)))

		default:
			log.WarnWithFields("skipping unknown block type", map[string]interface{}{
				"block_type": block.Type,
			})
		}
	}
	return items, nil
}

func missingRef(kind, id string) Item {
	return textItem(fmt.Sprintf("<p>[missing %s %s]</p>", kind, id))
}

func findVideo(videos []fanbox.PostVideo, id string) (fanbox.PostVideo, bool) {
	for _, v := range videos {
		if v.VideoID == id {
			return v, true
		}
	}
	return fanbox.PostVideo{}, false
}

// styleText applies inline style spans by splicing open and close markers
// into the text at rune offsets. Insertions are applied from the highest
// offset down so earlier offsets stay valid, and at a shared offset close
// markers land before open markers so overlapping spans stay balanced.
func styleText(text string, styles []fanbox.PostBlockStyle) (string, error) {
	if len(styles) == 0 {
		return text, nil
	}

	insertions := make(map[int][]string)
	for _, style := range styles {
		open, close, err := styleMarkers(style.Type)
		if err != nil {
			return "", err
		}
		insertions[style.Offset] = append(insertions[style.Offset], open)
		end := style.Offset + style.Length
		insertions[end] = append([]string{close}, insertions[end]...)
	}

	offsets := make([]int, 0, len(insertions))
	for off := range insertions {
		offsets = append(offsets, off)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(offsets)))

	runes := []rune(text)
	out := string(runes)
	for _, off := range offsets {
		if off < 0 || off > len(runes) {
			return "", fmt.Errorf("style offset %d out of range for text of %d runes", off, len(runes))
		}
		out = string(runes[:off]) + strings.Join(insertions[off], "") + outTail(out, runes, off)
	}
	return out, nil
}

// outTail returns the already-spliced suffix of out starting at rune
// offset off of the original text. Since splices only happen at offsets
// greater than or equal to off, the prefix up to off is untouched.
func outTail(out string, runes []rune, off int) string {
	prefix := len(string(runes[:off]))
	return out[prefix:]
}

func styleMarkers(kind string) (string, string, error) {
	switch kind {
	case "bold":
		return "<b>", "</b>", nil
	default:
		return "", "", fmt.Errorf("unknown style type %q", kind)
	}
}

func embedHTML(embed fanbox.PostEmbed) string {
	var link string
	switch embed.ServiceProvider {
	case "youtube":
		link = "https://www.youtube.com/watch?v=" + embed.ContentID
	case "google_forms":
		link = fmt.Sprintf("https://docs.google.com/forms/d/e/%s/viewform", embed.ContentID)
	case "fanbox":
		link = "https://www.fanbox.cc/@" + embed.ContentID
	case "twitter":
		link = "https://twitter.com/i/web/status/" + embed.ContentID
	default:
		logger.GetLogger().WarnWithFields("unknown embed provider", map[string]interface{}{
			"provider":   embed.ServiceProvider,
			"content_id": embed.ContentID,
		})
		return fmt.Sprintf("<p>[embed %s:%s]</p>", embed.ServiceProvider, embed.ContentID)
	}
	return anchor(link, link)
}

func urlEmbedHTML(embed fanbox.PostURLEmbed) string {
	switch embed.Type {
	case fanbox.URLEmbedHTML, fanbox.URLEmbedHTMLCard:
		if src, ok := iframeSrc(embed.HTML); ok {
			return anchor(src, src)
		}
		return embed.HTML

	case fanbox.URLEmbedFanboxPost:
		if embed.PostInfo != nil {
			link := fanbox.SourceLink(embed.PostInfo.CreatorID, embed.PostInfo.ID)
			return anchor(link, embed.PostInfo.Title)
		}
		return missingRef("embedded post", embed.ID).Text

	case fanbox.URLEmbedDefault:
		label := embed.Host
		if label == "" {
			label = embed.URL
		}
		return anchor(embed.URL, label)

	default:
		logger.GetLogger().WarnWithFields("unknown url embed type", map[string]interface{}{
			"embed_type": embed.Type,
		})
		return anchor(embed.URL, embed.URL)
	}
}

func videoHTML(video fanbox.PostVideo) string {
	var link string
	switch video.ServiceProvider {
	case "youtube":
		link = "https://www.youtube.com/watch?v=" + video.VideoID
	case "vimeo":
		link = "https://vimeo.com/" + video.VideoID
	default:
		link = video.VideoID
	}
	return anchor(link, link)
}

func anchor(href, label string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, href, label)
}

// iframeSrc mines the src attribute of the first iframe tag in raw HTML.
// A full HTML parser is overkill for the one attribute the embeds carry.
func iframeSrc(html string) (string, bool) {
	idx := strings.Index(html, "<iframe")
	if idx < 0 {
		return "", false
	}
	rest := html[idx:]
	srcIdx := strings.Index(rest, `src="`)
	if srcIdx < 0 {
		return "", false
	}
	rest = rest[srcIdx+len(`src="`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
