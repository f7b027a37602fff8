package liveblog

// BlockType tags one converted content unit.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockQuote BlockType = "quote"
	BlockEmbed BlockType = "embed"
	BlockImage BlockType = "image"
)

// ContentBlock is one normalized content unit extracted from a source post.
// Meta is opaque passthrough (captions, credits, quote attribution, embed
// metadata). For images TmpPath holds the staged local file until the target
// uploads it and substitutes media metadata plus rendered figure HTML.
type ContentBlock struct {
	Type    BlockType
	Text    string
	Meta    map[string]any
	TmpPath string
}
