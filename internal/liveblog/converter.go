package liveblog

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Downloader stages a remote resource into a local temp file.
type Downloader interface {
	DownloadFile(ctx context.Context, href string) (string, error)
}

// Converter turns one raw source post into an ordered list of content blocks
// plus the staged image paths it produced. Conversion is stateless and never
// fails a post: malformed structure degrades to an empty result, an unknown
// block type is dropped.
type Converter struct {
	downloader Downloader
	logger     zerolog.Logger
}

func NewConverter(downloader Downloader, logger zerolog.Logger) *Converter {
	return &Converter{downloader: downloader, logger: logger}
}

// Convert walks the post's content groups; only the group named "main"
// contributes blocks.
func (c *Converter) Convert(ctx context.Context, raw map[string]any) ([]ContentBlock, []string) {
	blocks := []ContentBlock{}
	images := []string{}
	if raw == nil {
		return blocks, images
	}
	if !validatePost(raw) {
		c.logger.Warn().Str("guid", stringField(raw, "guid")).Msg("post failed schema validation, skipping conversion")
		return blocks, images
	}
	groups, ok := raw["groups"].([]any)
	if !ok {
		if _, present := raw["groups"]; present {
			c.logger.Warn().Str("guid", stringField(raw, "guid")).Msg("malformed groups, skipping conversion")
		}
		return blocks, images
	}
	for _, rawGroup := range groups {
		group, ok := rawGroup.(map[string]any)
		if !ok || stringField(group, "id") != "main" {
			continue
		}
		refs, ok := group["refs"].([]any)
		if !ok {
			continue
		}
		for _, rawRef := range refs {
			ref, ok := rawRef.(map[string]any)
			if !ok {
				continue
			}
			item, ok := ref["item"].(map[string]any)
			if !ok {
				continue
			}
			switch stringField(item, "item_type") {
			case "text":
				blocks = append(blocks, ContentBlock{
					Type: BlockText,
					Text: strings.TrimSpace(stringField(item, "text")),
				})
			case "quote":
				blocks = append(blocks, ContentBlock{
					Type: BlockQuote,
					Text: stringField(item, "text"),
					Meta: metaField(item),
				})
			case "embed":
				blocks = append(blocks, ContentBlock{
					Type: BlockEmbed,
					Text: stringField(item, "text"),
					Meta: metaField(item),
				})
			case "image":
				block, tmpPath := c.convertImage(ctx, item)
				blocks = append(blocks, block)
				if tmpPath != "" {
					images = append(images, tmpPath)
				}
			default:
				c.logger.Debug().
					Str("item_type", stringField(item, "item_type")).
					Msg("dropping unknown block type")
			}
		}
	}
	return blocks, images
}

// convertImage stages the baseImage rendition for upload. When no media
// payload is present, or staging fails, the block still carries the
// caption/credit fragment with an empty staged path.
func (c *Converter) convertImage(ctx context.Context, item map[string]any) (ContentBlock, string) {
	meta := metaField(item)
	caption := stringField(meta, "caption")
	credit := stringField(meta, "credit")

	text := ""
	if caption != "" {
		text += fmt.Sprintf("<br>%s ", caption)
	}
	if credit != "" {
		text += fmt.Sprintf("<i>(%s)</i>", credit)
	}
	if caption != "" || credit != "" {
		text += "<br>"
	}
	text += " "

	block := ContentBlock{
		Type: BlockImage,
		Text: text,
		Meta: meta,
	}
	href := baseImageHref(meta)
	if href == "" || c.downloader == nil {
		return block, ""
	}
	tmpPath, err := c.downloader.DownloadFile(ctx, href)
	if err != nil {
		c.logger.Error().Err(err).Str("href", href).Msg("staging image failed")
		return block, ""
	}
	block.TmpPath = tmpPath
	return block, tmpPath
}

func baseImageHref(meta map[string]any) string {
	media, ok := meta["media"].(map[string]any)
	if !ok {
		return ""
	}
	renditions, ok := media["renditions"].(map[string]any)
	if !ok {
		return ""
	}
	baseImage, ok := renditions["baseImage"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(baseImage, "href")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	value, _ := m[key].(string)
	return value
}

func metaField(item map[string]any) map[string]any {
	meta, ok := item["meta"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return meta
}
