// Package bridge drives complete sync cycles: poll the source, resolve each
// post's action against the sync store, replay it to the target and persist
// the outcome.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/newsbridge/livesync/internal/liveblog"
	"github.com/newsbridge/livesync/internal/syncstore"
)

// Poller is the source side of one bridge.
type Poller interface {
	Poll(ctx context.Context) []*liveblog.PostEnvelope
	Watermark() time.Time
	SourceID() string
}

// Executor is the target side of one bridge.
type Executor interface {
	Create(ctx context.Context, envelope *liveblog.PostEnvelope) (*liveblog.TargetResponse, error)
	Update(ctx context.Context, envelope *liveblog.PostEnvelope) (*liveblog.TargetResponse, error)
	Delete(ctx context.Context, envelope *liveblog.PostEnvelope) (*liveblog.TargetResponse, error)
	HandleExtras(ctx context.Context, envelope *liveblog.PostEnvelope) error
	SaveAsDraft() bool
	TargetID() string
}

// Status is a point-in-time snapshot of one bridge for the ops endpoint.
type Status struct {
	Label     string     `json:"label"`
	SourceID  string     `json:"sourceId"`
	Watermark *time.Time `json:"watermark,omitempty"`
	Cycles    uint64     `json:"cycles"`
	Created   uint64     `json:"created"`
	Updated   uint64     `json:"updated"`
	Deleted   uint64     `json:"deleted"`
	Ignored   uint64     `json:"ignored"`
	Failures  uint64     `json:"failures"`
	LastError string     `json:"lastError,omitempty"`
}

type Options struct {
	Label    string
	Poller   Poller
	Target   Executor
	Store    syncstore.Store
	Nudge    <-chan struct{}
	Interval time.Duration
	Logger   zerolog.Logger
}

// Bridge runs one source/target pair. Per-post target operations execute
// sequentially in post order; the target's etag discipline makes parallel
// writes for the same document unsafe.
type Bridge struct {
	label    string
	poller   Poller
	target   Executor
	store    syncstore.Store
	nudge    <-chan struct{}
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	status Status
}

func New(opts Options) *Bridge {
	interval := opts.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	label := opts.Label
	if label == "" {
		label = opts.Poller.SourceID()
	}
	return &Bridge{
		label:    label,
		poller:   opts.Poller,
		target:   opts.Target,
		store:    opts.Store,
		nudge:    opts.Nudge,
		interval: interval,
		logger:   opts.Logger.With().Str("bridge", label).Logger(),
		status: Status{
			Label:    label,
			SourceID: opts.Poller.SourceID(),
		},
	}
}

// Run polls until ctx is cancelled. A notifier nudge triggers an immediate
// cycle between ticks.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	if err := b.SyncOnce(ctx); err != nil {
		b.logger.Error().Err(err).Msg("sync cycle failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.nudge:
			b.logger.Debug().Msg("poll nudged by source notification")
		}
		if err := b.SyncOnce(ctx); err != nil {
			b.logger.Error().Err(err).Msg("sync cycle failed")
		}
	}
}

// SyncOnce runs a single complete cycle. Failures on one post abandon that
// post for this cycle and keep the batch going; the externally persisted
// watermark only advances once every post in the batch was processed
// end-to-end.
func (b *Bridge) SyncOnce(ctx context.Context) error {
	cycleID := uuid.NewString()
	logger := b.logger.With().Str("cycle", cycleID).Logger()
	envelopes := b.poller.Poll(ctx)
	b.bumpCycle()
	if len(envelopes) == 0 {
		return nil
	}
	logger.Info().Int("posts", len(envelopes)).Msg("processing poll batch")

	clean := true
	for _, envelope := range envelopes {
		if err := b.syncPost(ctx, logger, envelope); err != nil {
			clean = false
			b.recordFailure(err)
			logger.Error().Err(err).Str("post", envelope.ID).Msg("post sync failed, retrying next cycle")
		}
	}
	if !clean {
		return nil
	}
	watermark := b.poller.Watermark()
	if watermark.IsZero() {
		return nil
	}
	if err := b.store.SetLastSynced(ctx, b.poller.SourceID(), watermark); err != nil {
		b.recordFailure(err)
		return err
	}
	b.setWatermark(watermark)
	return nil
}

func (b *Bridge) syncPost(ctx context.Context, logger zerolog.Logger, envelope *liveblog.PostEnvelope) error {
	existing, err := b.store.Lookup(ctx, envelope.ID)
	if err != nil {
		return err
	}
	envelope.SetExisting(existing)

	action := envelope.GetAction(b.target.SaveAsDraft())
	logger = logger.With().Str("post", envelope.ID).Str("action", string(action)).Logger()

	switch action {
	case liveblog.ActionIgnore:
		b.bump(&b.status.Ignored)
		logger.Debug().Msg("ignoring post")
	case liveblog.ActionCreate:
		res, err := b.target.Create(ctx, envelope)
		if err != nil {
			return err
		}
		if err := b.saveRecord(ctx, envelope, res); err != nil {
			return err
		}
		b.bump(&b.status.Created)
		logger.Info().Str("target_doc", res.Doc.ID).Msg("post created")
	case liveblog.ActionUpdate:
		res, err := b.target.Update(ctx, envelope)
		if err != nil {
			if errors.Is(err, liveblog.ErrConflict) {
				logger.Warn().Msg("etag conflict, update abandoned this cycle")
			}
			return err
		}
		if err := b.saveRecord(ctx, envelope, res); err != nil {
			return err
		}
		b.bump(&b.status.Updated)
		logger.Info().Str("target_doc", res.Doc.ID).Msg("post updated")
	case liveblog.ActionDelete:
		if _, err := b.target.Delete(ctx, envelope); err != nil {
			if errors.Is(err, liveblog.ErrConflict) {
				logger.Warn().Msg("etag conflict, delete abandoned this cycle")
			}
			return err
		}
		if err := b.store.Delete(ctx, envelope.ID); err != nil {
			return err
		}
		b.bump(&b.status.Deleted)
		logger.Info().Msg("post deleted")
	}
	return b.target.HandleExtras(ctx, envelope)
}

func (b *Bridge) saveRecord(ctx context.Context, envelope *liveblog.PostEnvelope, res *liveblog.TargetResponse) error {
	return b.store.Save(ctx, liveblog.SyncRecord{
		PostID:    envelope.ID,
		SourceID:  envelope.SourceID,
		TargetID:  b.target.TargetID(),
		TargetDoc: &res.Doc,
		SyncedAt:  time.Now().UTC(),
	})
}

// Status returns a copy of the bridge's counters.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bridge) bump(counter *uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*counter++
}

func (b *Bridge) bumpCycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Cycles++
}

func (b *Bridge) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Failures++
	b.status.LastError = err.Error()
}

func (b *Bridge) setWatermark(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := t
	b.status.Watermark = &clone
}
