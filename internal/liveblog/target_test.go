package liveblog

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type patchCall struct {
	path string
	body map[string]any
	etag string
}

type fakeTargetAPI struct {
	loginCalls  int
	loginErr    error
	itemCounter int

	postCalls  []map[string]any
	postPaths  []string
	postErr    error
	postResult map[string]any

	patchCalls []patchCall
	patchErr   error

	uploads      []string
	uploadErr    error
	uploadResult map[string]any
}

func (f *fakeTargetAPI) Login(ctx context.Context) error {
	f.loginCalls++
	return f.loginErr
}

func (f *fakeTargetAPI) PostJSON(ctx context.Context, path string, body any, expectStatus int) (map[string]any, error) {
	bodyMap := body.(map[string]any)
	f.postCalls = append(f.postCalls, bodyMap)
	f.postPaths = append(f.postPaths, path)
	if f.postErr != nil {
		return nil, f.postErr
	}
	if path == "/items" {
		f.itemCounter++
		return map[string]any{"guid": fmt.Sprintf("urn:item:%d", f.itemCounter)}, nil
	}
	if f.postResult != nil {
		return f.postResult, nil
	}
	return map[string]any{"_id": "doc-new", "_etag": "etag-new"}, nil
}

func (f *fakeTargetAPI) PatchJSON(ctx context.Context, path string, body any, etag string, expectStatus int) (map[string]any, error) {
	f.patchCalls = append(f.patchCalls, patchCall{path: path, body: body.(map[string]any), etag: etag})
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	return map[string]any{"_id": "doc-1", "_etag": "etag-2"}, nil
}

func (f *fakeTargetAPI) UploadMedia(ctx context.Context, tmpPath string) (map[string]any, error) {
	f.uploads = append(f.uploads, tmpPath)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.uploadResult, nil
}

func newTestTarget(client TargetAPI, saveAsDraft bool) *Target {
	return NewTarget(TargetOptions{
		Client:      client,
		TargetID:    "target-blog-1",
		SaveAsDraft: saveAsDraft,
		Logger:      zerolog.Nop(),
	})
}

func envelopeWithContent(t *testing.T, overrides map[string]any, content ...ContentBlock) *PostEnvelope {
	t.Helper()
	envelope := mustEnvelope(t, rawPost(overrides))
	envelope.Content = content
	return envelope
}

func TestCreateSavesItemsAndPostsDocument(t *testing.T) {
	client := &fakeTargetAPI{}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, map[string]any{"sticky": true},
		ContentBlock{Type: BlockText, Text: "first"},
		ContentBlock{Type: BlockQuote, Text: "second", Meta: map[string]any{"credit": "x"}},
	)

	res, err := target.Create(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, "doc-new", res.Doc.ID)
	assert.Equal(t, "etag-new", res.Doc.Etag)
	assert.False(t, res.Deleted)
	assert.Equal(t, 1, client.loginCalls)

	// two item saves then one post save
	require.Equal(t, []string{"/items", "/items", "/posts"}, client.postPaths)
	item := client.postCalls[0]
	assert.Equal(t, "text", item["item_type"])
	assert.Equal(t, "target-blog-1", item["blog"])
	quoteItem := client.postCalls[1]
	assert.Equal(t, map[string]any{"credit": "x"}, quoteItem["meta"])

	post := client.postCalls[2]
	assert.Equal(t, "open", post["post_status"])
	assert.Equal(t, true, post["sticky"])
	assert.Equal(t, false, post["highlight"])
	assert.Equal(t, "target-blog-1", post["blog"])
	groups := post["groups"].([]map[string]any)
	require.Len(t, groups, 2)
	assert.Equal(t, "root", groups[0]["id"])
	assert.Equal(t, "grpRole:NEP", groups[0]["role"])
	assert.Equal(t, "main", groups[1]["id"])
	refs := groups[1]["refs"].([]map[string]any)
	require.Len(t, refs, 2)
	assert.Equal(t, "urn:item:1", refs[0]["residRef"])
	assert.Equal(t, "urn:item:2", refs[1]["residRef"])
}

func TestCreateAsDraft(t *testing.T) {
	client := &fakeTargetAPI{}
	target := newTestTarget(client, true)
	envelope := envelopeWithContent(t, nil, ContentBlock{Type: BlockText, Text: "draft text"})

	_, err := target.Create(context.Background(), envelope)
	require.NoError(t, err)
	post := client.postCalls[len(client.postCalls)-1]
	assert.Equal(t, "draft", post["post_status"])
}

func TestCreateUploadsImagesBeforeBuildingItems(t *testing.T) {
	client := &fakeTargetAPI{
		uploadResult: map[string]any{
			"_id": "media-9",
			"renditions": map[string]any{
				"thumbnail": map[string]any{"href": "http://cdn/t.jpg", "width": 120.0},
				"baseImage": map[string]any{"href": "http://cdn/b.jpg", "width": 1400.0},
				"viewImage": map[string]any{"href": "http://cdn/v.jpg", "width": 640.0},
				"original":  map[string]any{"href": "http://cdn/o.jpg", "width": 3000.0},
			},
		},
	}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, nil, ContentBlock{
		Type:    BlockImage,
		Meta:    map[string]any{"caption": "Unterschrift", "credit": "Rechte"},
		TmpPath: "/tmp/staged.jpg",
	})

	_, err := target.Create(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/staged.jpg"}, client.uploads)

	item := client.postCalls[0]
	assert.Equal(t, "image", item["item_type"])
	meta := item["meta"].(map[string]any)
	assert.Equal(t, "Unterschrift", meta["caption"])
	assert.Equal(t, "Rechte", meta["credit"])
	media := meta["media"].(map[string]any)
	assert.Equal(t, "media-9", media["_id"])

	text := item["text"].(string)
	assert.Contains(t, text, `<figure> <img src="http://cdn/t.jpg"`)
	assert.Contains(t, text, `alt="Unterschrift"`)
	assert.Contains(t, text, `srcset="http://cdn/b.jpg 1400w, http://cdn/v.jpg 640w, http://cdn/t.jpg 120w, http://cdn/o.jpg 3000w"`)
	assert.Contains(t, text, `<figcaption>Unterschrift Credit: Rechte</figcaption></figure>`)
}

func TestCreateItemFailureAborts(t *testing.T) {
	client := &fakeTargetAPI{postErr: fmt.Errorf("item save failed")}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, nil, ContentBlock{Type: BlockText, Text: "x"})

	_, err := target.Create(context.Background(), envelope)
	assert.Error(t, err)
}

func TestUpdatePatchesWithEtag(t *testing.T) {
	client := &fakeTargetAPI{}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, nil, ContentBlock{Type: BlockText, Text: "changed"})
	envelope.SetExisting(&SyncRecord{
		PostID:    envelope.ID,
		TargetDoc: &TargetDocument{ID: "doc-1", Etag: "etag-1"},
	})

	res, err := target.Update(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.Doc.ID)
	assert.Equal(t, "etag-2", res.Doc.Etag)

	require.Len(t, client.patchCalls, 1)
	assert.Equal(t, "/posts/doc-1", client.patchCalls[0].path)
	assert.Equal(t, "etag-1", client.patchCalls[0].etag)
}

func TestUpdateSurfacesConflict(t *testing.T) {
	client := &fakeTargetAPI{patchErr: &ConflictError{Path: "/posts/doc-1", Etag: "etag-1"}}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, nil, ContentBlock{Type: BlockText, Text: "changed"})
	envelope.SetExisting(&SyncRecord{
		PostID:    envelope.ID,
		TargetDoc: &TargetDocument{ID: "doc-1", Etag: "etag-1"},
	})

	_, err := target.Update(context.Background(), envelope)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUpdateWithoutTargetDocFails(t *testing.T) {
	target := newTestTarget(&fakeTargetAPI{}, false)
	envelope := envelopeWithContent(t, nil)

	_, err := target.Update(context.Background(), envelope)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = target.Delete(context.Background(), envelope)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteSendsTombstonePatch(t *testing.T) {
	client := &fakeTargetAPI{}
	target := newTestTarget(client, false)
	envelope := envelopeWithContent(t, nil, ContentBlock{Type: BlockText, Text: "gone"})
	envelope.SetExisting(&SyncRecord{
		PostID:    envelope.ID,
		TargetDoc: &TargetDocument{ID: "doc-1", Etag: "etag-1"},
	})

	res, err := target.Delete(context.Background(), envelope)
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	// no item saving on delete
	assert.Empty(t, client.postCalls)
	require.Len(t, client.patchCalls, 1)
	assert.Equal(t, map[string]any{"deleted": true, "post_status": "open"}, client.patchCalls[0].body)
	assert.Equal(t, "etag-1", client.patchCalls[0].etag)
}

func TestHandleExtrasIsNoop(t *testing.T) {
	target := newTestTarget(&fakeTargetAPI{}, false)
	envelope := envelopeWithContent(t, nil)
	assert.NoError(t, target.HandleExtras(context.Background(), envelope))
}
