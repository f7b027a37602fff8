package liveblog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Notifier subscribes to a source's websocket notification endpoint and
// nudges the poll loop whenever the source announces a change. Polling stays
// the source of truth; the notifier only shortens the wait for the next
// cycle and the connector is fully functional without it.
type Notifier struct {
	url       string
	logger    zerolog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	nudge     chan struct{}
}

func NewNotifier(url string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		url:       url,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  time.Minute,
		nudge:     make(chan struct{}, 1),
	}
}

// Nudge is signalled whenever a notification arrives. The channel carries at
// most one pending nudge; coalescing is intentional.
func (n *Notifier) Nudge() <-chan struct{} {
	return n.nudge
}

// Run keeps a subscription alive until ctx is cancelled, reconnecting with
// exponential backoff.
func (n *Notifier) Run(ctx context.Context) {
	delay := n.baseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.Warn().Err(err).Dur("retry_in", delay).Msg("notification stream lost")
		}
		if sleepContext(ctx, delay) != nil {
			return
		}
		delay *= 2
		if delay > n.maxDelay {
			delay = n.maxDelay
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	n.logger.Debug().Str("url", n.url).Msg("notification stream connected")
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
		select {
		case n.nudge <- struct{}{}:
		default:
		}
	}
}
