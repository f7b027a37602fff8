package liveblog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// TargetAPI is the slice of the client the executor needs.
type TargetAPI interface {
	Login(ctx context.Context) error
	PostJSON(ctx context.Context, path string, body any, expectStatus int) (map[string]any, error)
	PatchJSON(ctx context.Context, path string, body any, etag string, expectStatus int) (map[string]any, error)
	UploadMedia(ctx context.Context, tmpPath string) (map[string]any, error)
}

// TargetResponse is the normalized outcome of one target operation.
type TargetResponse struct {
	Doc     TargetDocument
	Deleted bool
}

type TargetOptions struct {
	Client      TargetAPI
	TargetID    string
	SaveAsDraft bool
	Logger      zerolog.Logger
}

// Target performs idempotent create/update/delete operations against the
// target service. Item saves are separate network calls and are not rolled
// back on partial failure; a failed create or update is retried whole next
// cycle.
type Target struct {
	client      TargetAPI
	targetID    string
	saveAsDraft bool
	logger      zerolog.Logger
}

func NewTarget(opts TargetOptions) *Target {
	return &Target{
		client:      opts.Client,
		targetID:    opts.TargetID,
		saveAsDraft: opts.SaveAsDraft,
		logger:      opts.Logger.With().Str("target", opts.TargetID).Logger(),
	}
}

// SaveAsDraft reports whether the target accepts drafts.
func (t *Target) SaveAsDraft() bool {
	return t.saveAsDraft
}

// TargetID returns the target blog this executor writes to.
func (t *Target) TargetID() string {
	return t.targetID
}

// Create uploads every content block as a target item, then submits the new
// post document referencing them.
func (t *Target) Create(ctx context.Context, envelope *PostEnvelope) (*TargetResponse, error) {
	if err := t.client.Login(ctx); err != nil {
		return nil, err
	}
	items, err := t.saveItems(ctx, envelope)
	if err != nil {
		return nil, err
	}
	data := t.buildPostData(envelope, items)
	res, err := t.client.PostJSON(ctx, "/posts", data, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("creating post %s: %w", envelope.ID, err)
	}
	return responseFromDoc(res), nil
}

// Update replays the item-saving pass and patches the existing target
// document, guarded by the previously recorded etag. An etag mismatch
// surfaces as a ConflictError, never swallowed.
func (t *Target) Update(ctx context.Context, envelope *PostEnvelope) (*TargetResponse, error) {
	doc := envelope.TargetDoc()
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("%w: no target document for post %s", ErrInvalidInput, envelope.ID)
	}
	if err := t.client.Login(ctx); err != nil {
		return nil, err
	}
	items, err := t.saveItems(ctx, envelope)
	if err != nil {
		return nil, err
	}
	data := t.buildPostData(envelope, items)
	res, err := t.client.PatchJSON(ctx, "/posts/"+doc.ID, data, doc.Etag, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("updating post %s: %w", envelope.ID, err)
	}
	return responseFromDoc(res), nil
}

// Delete issues an etag-guarded tombstone patch against the existing target
// document. No item saving happens.
func (t *Target) Delete(ctx context.Context, envelope *PostEnvelope) (*TargetResponse, error) {
	doc := envelope.TargetDoc()
	if doc == nil || doc.ID == "" {
		return nil, fmt.Errorf("%w: no target document for post %s", ErrInvalidInput, envelope.ID)
	}
	if err := t.client.Login(ctx); err != nil {
		return nil, err
	}
	data := map[string]any{
		"deleted":     true,
		"post_status": "open",
	}
	res, err := t.client.PatchJSON(ctx, "/posts/"+doc.ID, data, doc.Etag, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("deleting post %s: %w", envelope.ID, err)
	}
	response := responseFromDoc(res)
	response.Deleted = true
	return response, nil
}

// HandleExtras is a no-op extension point for target-specific
// post-processing, always invoked after one of the operations above.
func (t *Target) HandleExtras(ctx context.Context, envelope *PostEnvelope) error {
	return nil
}

func (t *Target) saveItems(ctx context.Context, envelope *PostEnvelope) ([]map[string]any, error) {
	items := make([]map[string]any, 0, len(envelope.Content))
	for _, block := range envelope.Content {
		item, err := t.saveItem(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("saving item for post %s: %w", envelope.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// saveItem persists one content block as a target item. Image blocks upload
// their staged file first; the persisted media metadata replaces the local
// staging path.
func (t *Target) saveItem(ctx context.Context, block ContentBlock) (map[string]any, error) {
	var data map[string]any
	if block.Type == BlockImage && block.TmpPath != "" {
		resource, err := t.client.UploadMedia(ctx, block.TmpPath)
		if err != nil {
			return nil, err
		}
		data = buildImageItem(block, resource)
	} else {
		data = map[string]any{
			"item_type": string(block.Type),
			"text":      block.Text,
		}
		if len(block.Meta) > 0 {
			data["meta"] = block.Meta
		}
	}
	data["blog"] = t.targetID
	return t.client.PostJSON(ctx, "/items", data, http.StatusCreated)
}

// buildPostData assembles the create/update payload with the root/main group
// structure the target expects.
func (t *Target) buildPostData(envelope *PostEnvelope, items []map[string]any) map[string]any {
	refs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		refs = append(refs, map[string]any{"residRef": itemGUID(item)})
	}
	postStatus := "open"
	if t.saveAsDraft {
		postStatus = "draft"
	}
	return map[string]any{
		"post_status": postStatus,
		"sticky":      envelope.IsSticky(),
		"highlight":   envelope.IsHighlighted(),
		"blog":        t.targetID,
		"groups": []map[string]any{
			{
				"id":   "root",
				"refs": []map[string]any{{"idRef": "main"}},
				"role": "grpRole:NEP",
			},
			{
				"id":   "main",
				"refs": refs,
				"role": "grpRole:Main",
			},
		},
	}
}

// buildImageItem renders the persisted media resource into an image item:
// media metadata plus a figure fragment enumerating all four renditions.
func buildImageItem(block ContentBlock, resource map[string]any) map[string]any {
	caption := stringField(block.Meta, "caption")
	credit := stringField(block.Meta, "credit")
	renditions, _ := resource["renditions"].(map[string]any)
	if renditions == nil {
		renditions = map[string]any{}
	}
	item := map[string]any{
		"item_type": "image",
		"meta": map[string]any{
			"caption": caption,
			"credit":  credit,
			"media": map[string]any{
				"_id":        resource["_id"],
				"renditions": renditions,
			},
		},
	}
	byline := caption
	if credit != "" {
		byline += fmt.Sprintf(" Credit: %s", credit)
	}
	thumbHref, thumbWidth := rendition(renditions, "thumbnail")
	baseHref, baseWidth := rendition(renditions, "baseImage")
	viewHref, viewWidth := rendition(renditions, "viewImage")
	originalHref, originalWidth := rendition(renditions, "original")
	item["text"] = fmt.Sprintf(
		`<figure> <img src="%s" alt="%s" srcset="%s %dw, %s %dw, %s %dw, %s %dw" /><figcaption>%s</figcaption></figure>`,
		thumbHref, url.QueryEscape(caption),
		baseHref, baseWidth,
		viewHref, viewWidth,
		thumbHref, thumbWidth,
		originalHref, originalWidth,
		byline,
	)
	return item
}

func rendition(renditions map[string]any, name string) (string, int) {
	entry, ok := renditions[name].(map[string]any)
	if !ok {
		return "", 0
	}
	width := 0
	switch v := entry["width"].(type) {
	case float64:
		width = int(v)
	case int:
		width = v
	}
	return stringField(entry, "href"), width
}

func itemGUID(item map[string]any) string {
	if guid := stringField(item, "guid"); guid != "" {
		return guid
	}
	return stringField(item, "_id")
}

func responseFromDoc(res map[string]any) *TargetResponse {
	return &TargetResponse{
		Doc: TargetDocument{
			ID:   stringField(res, "_id"),
			Etag: stringField(res, "_etag"),
		},
	}
}
