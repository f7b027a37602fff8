package liveblog

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// watermarkTimeLayout is the wire format for the poll filter's lower bound.
const watermarkTimeLayout = "2006-01-02T15:04:05+00:00"

// SourceAPI is the slice of the client the poller needs.
type SourceAPI interface {
	GetJSON(ctx context.Context, path, rawQuery string) (map[string]any, error)
}

// LastSyncedLookup resolves the externally persisted watermark for a source.
type LastSyncedLookup interface {
	LastSynced(ctx context.Context, sourceID string) (*time.Time, error)
}

type PollerOptions struct {
	Client    SourceAPI
	Converter *Converter
	Store     LastSyncedLookup
	SourceID  string
	PageSize  int
	StatusTTL time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Poller drives one polling cycle against a source blog. The watermark is
// owned exclusively by the poller for its source and only touched from the
// poll cycle's own execution context.
type Poller struct {
	client    SourceAPI
	converter *Converter
	store     LastSyncedLookup
	sourceID  string
	pageSize  int
	statusTTL time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	watermark time.Time

	statusExpires  time.Time
	statusArchived bool
}

func NewPoller(opts PollerOptions) *Poller {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	statusTTL := opts.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		client:    opts.Client,
		converter: opts.Converter,
		store:     opts.Store,
		sourceID:  opts.SourceID,
		pageSize:  pageSize,
		statusTTL: statusTTL,
		logger:    opts.Logger.With().Str("source", opts.SourceID).Logger(),
		now:       now,
	}
}

func (p *Poller) SourceID() string {
	return p.sourceID
}

// Watermark returns the last successfully observed update time.
func (p *Poller) Watermark() time.Time {
	return p.watermark
}

// SetWatermark force-sets the watermark. Used by external resets, e.g. after
// an archived source cools down.
func (p *Poller) SetWatermark(t time.Time) {
	p.watermark = t.UTC()
}

// Poll runs one cycle: liveness check, filtered fetch, envelope wrapping and
// watermark advance. It returns an empty slice across all normal operating
// failures and never advances the watermark on a failed fetch.
func (p *Poller) Poll(ctx context.Context) []*PostEnvelope {
	if p.sourceArchived(ctx) {
		p.logger.Info().Msg("source archived, skipping poll")
		return []*PostEnvelope{}
	}
	rawQuery, err := p.postsQuery(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("building poll query failed")
		return []*PostEnvelope{}
	}
	res, err := p.client.GetJSON(ctx, "/client_blogs/"+p.sourceID+"/posts", rawQuery)
	if err != nil {
		p.logger.Warn().Err(err).Msg("poll fetch failed, retrying next cycle")
		return []*PostEnvelope{}
	}
	items, _ := res["_items"].([]any)
	envelopes := make([]*PostEnvelope, 0, len(items))
	for _, rawItem := range items {
		raw, ok := rawItem.(map[string]any)
		if !ok {
			continue
		}
		content, images := p.converter.Convert(ctx, raw)
		envelope, err := NewPostEnvelope(raw, content, images)
		if err != nil {
			p.logger.Warn().Err(err).Msg("skipping malformed post")
			continue
		}
		envelopes = append(envelopes, envelope)
		// results are sorted ascending by _updated, so the last envelope
		// carries the new watermark
		if envelope.Updated.After(p.watermark) {
			p.watermark = envelope.Updated
		}
	}
	return envelopes
}

// sourceArchived checks the source's blog status, cached for a bounded TTL.
// A failed status fetch counts as live so a flaky status endpoint cannot
// stall polling.
func (p *Poller) sourceArchived(ctx context.Context) bool {
	if p.now().Before(p.statusExpires) {
		return p.statusArchived
	}
	meta, err := p.client.GetJSON(ctx, "/client_blogs/"+p.sourceID, "")
	if err != nil {
		p.logger.Warn().Err(err).Msg("source status check failed")
		return false
	}
	p.statusArchived = stringField(meta, "blog_status") == "closed"
	p.statusExpires = p.now().Add(p.statusTTL)
	return p.statusArchived
}

// postsQuery builds the filter "updated strictly greater than watermark",
// sorted ascending, page size bounded.
func (p *Poller) postsQuery(ctx context.Context) (string, error) {
	watermark, err := p.resolveWatermark(ctx)
	if err != nil {
		return "", err
	}
	source := map[string]any{
		"query": map[string]any{
			"filtered": map[string]any{
				"filter": map[string]any{
					"and": []any{
						map[string]any{
							"range": map[string]any{
								"_updated": map[string]any{
									"gt": watermark.UTC().Format(watermarkTimeLayout),
								},
							},
						},
					},
				},
			},
		},
		"sort": []any{
			map[string]any{
				"_updated": map[string]any{"order": "asc"},
			},
		},
	}
	encoded, err := json.Marshal(source)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("max_results", strconv.Itoa(p.pageSize))
	query.Set("page", "1")
	query.Set("source", string(encoded))
	return query.Encode(), nil
}

// resolveWatermark falls back to the external store and finally to the
// current wall clock, so a freshly added source does not backfill its entire
// history.
func (p *Poller) resolveWatermark(ctx context.Context) (time.Time, error) {
	if !p.watermark.IsZero() {
		return p.watermark, nil
	}
	if p.store != nil {
		persisted, err := p.store.LastSynced(ctx, p.sourceID)
		if err != nil {
			return time.Time{}, err
		}
		if persisted != nil {
			p.watermark = persisted.UTC()
			return p.watermark, nil
		}
	}
	p.watermark = p.now().UTC()
	return p.watermark, nil
}
