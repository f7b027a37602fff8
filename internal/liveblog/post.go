package liveblog

import (
	"fmt"
	"time"
)

// Action is the resolved sync decision for one post.
type Action string

const (
	ActionIgnore Action = "ignore"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// TargetDocument identifies a previously created document on the target side
// together with the etag recorded at write time.
type TargetDocument struct {
	ID   string `json:"id" bson:"id"`
	Etag string `json:"etag" bson:"etag"`
}

// SyncRecord is the externally persisted link between a source post and its
// target document. A nil record means the post was never synced.
type SyncRecord struct {
	PostID    string          `json:"postId" bson:"post_id"`
	SourceID  string          `json:"sourceId" bson:"source_id"`
	TargetID  string          `json:"targetId,omitempty" bson:"target_id,omitempty"`
	TargetDoc *TargetDocument `json:"targetDoc,omitempty" bson:"target_doc,omitempty"`
	SyncedAt  time.Time       `json:"syncedAt" bson:"synced_at"`
}

// PostEnvelope wraps one raw source post plus its converted content and the
// sync record attached by the caller. Data is immutable once loaded.
type PostEnvelope struct {
	Data    map[string]any
	Content []ContentBlock
	Images  []string

	ID       string
	SourceID string
	Created  time.Time
	Updated  time.Time

	existing *SyncRecord
}

// timestampLayouts covers the wire formats the source emits for _created and
// _updated.
var timestampLayouts = []string{
	"2006-01-02T15:04:05+0000",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidInput, value)
}

func NewPostEnvelope(raw map[string]any, content []ContentBlock, images []string) (*PostEnvelope, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil post", ErrInvalidInput)
	}
	id := stringField(raw, "guid")
	if id == "" {
		return nil, fmt.Errorf("%w: post without guid", ErrInvalidInput)
	}
	created, err := parseTimestamp(stringField(raw, "_created"))
	if err != nil {
		return nil, err
	}
	updated, err := parseTimestamp(stringField(raw, "_updated"))
	if err != nil {
		return nil, err
	}
	sourceID := stringField(raw, "blog")
	if sourceID == "" {
		if numeric, ok := raw["blog"].(float64); ok {
			sourceID = fmt.Sprintf("%.0f", numeric)
		}
	}
	return &PostEnvelope{
		Data:     raw,
		Content:  content,
		Images:   images,
		ID:       id,
		SourceID: sourceID,
		Created:  created,
		Updated:  updated,
	}, nil
}

// SetExisting attaches the externally looked-up sync record. It is called
// once per cycle before GetAction is queried.
func (p *PostEnvelope) SetExisting(record *SyncRecord) {
	p.existing = record
}

func (p *PostEnvelope) Existing() *SyncRecord {
	return p.existing
}

// IsKnown reports whether the post was previously synced.
func (p *PostEnvelope) IsKnown() bool {
	return p.existing != nil
}

// TargetDoc projects the stored target document out of the attached record.
// Absence of a record yields nil, the "unsynced" signal.
func (p *PostEnvelope) TargetDoc() *TargetDocument {
	if p.existing == nil {
		return nil
	}
	return p.existing.TargetDoc
}

func (p *PostEnvelope) TargetID() string {
	if p.existing == nil {
		return ""
	}
	return p.existing.TargetID
}

func (p *PostEnvelope) IsDeleted() bool {
	if deleted, ok := p.Data["deleted"].(bool); ok && deleted {
		return true
	}
	unpublished := stringField(p.Data, "unpublished_date")
	published := stringField(p.Data, "published_date")
	if unpublished == "" || published == "" {
		return false
	}
	unpublishedAt, errU := parseTimestamp(unpublished)
	publishedAt, errP := parseTimestamp(published)
	if errU != nil || errP != nil {
		return unpublished > published
	}
	return unpublishedAt.After(publishedAt)
}

func (p *PostEnvelope) IsSticky() bool {
	sticky, _ := p.Data["sticky"].(bool)
	return sticky
}

func (p *PostEnvelope) IsHighlighted() bool {
	highlighted, _ := p.Data["lb_highlight"].(bool)
	return highlighted
}

func (p *PostEnvelope) IsDraft() bool {
	return stringField(p.Data, "post_status") == "draft"
}

func (p *PostEnvelope) IsSubmitted() bool {
	return stringField(p.Data, "post_status") == "submitted"
}

// IsUpdate reports whether the post was edited after creation, judged on the
// raw timestamp strings.
func (p *PostEnvelope) IsUpdate() bool {
	return stringField(p.Data, "_created") != stringField(p.Data, "_updated")
}

// GetAction resolves the sync decision. First match wins:
// draft/submitted posts never reach a target that refuses drafts; a deleted
// post that was never synced has nothing to delete on the target.
func (p *PostEnvelope) GetAction(draftAllowed bool) Action {
	if (p.IsDraft() || p.IsSubmitted()) && !draftAllowed {
		return ActionIgnore
	}
	if p.IsDeleted() {
		if !p.IsKnown() {
			return ActionIgnore
		}
		return ActionDelete
	}
	if !p.IsKnown() {
		return ActionCreate
	}
	return ActionUpdate
}
