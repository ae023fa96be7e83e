package progress

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Listener is a notification source such as a Postgres LISTEN connection.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel string, payload string, err error)
}

// NoticeDecoder parses a notification payload into the entry pointer it carries.
type NoticeDecoder func(payload string) (runID uuid.UUID, seq int64, origin string, err error)

// Relay republishes entries appended by other processes to local subscribers.
type Relay struct {
	listener Listener
	channel  string
	decode   NoticeDecoder
	store    LogStore
	hub      *Hub
	origin   string
	logger   *slog.Logger
}

// NewRelay creates a Relay. Notifications whose origin equals origin were
// sent by this process and are skipped, since the hub already saw them.
func NewRelay(listener Listener, channel string, decode NoticeDecoder, store LogStore, hub *Hub, origin string, logger *slog.Logger) *Relay {
	return &Relay{
		listener: listener,
		channel:  channel,
		decode:   decode,
		store:    store,
		hub:      hub,
		origin:   origin,
		logger:   logger,
	}
}

// Start listens until ctx is cancelled. It blocks, so call it in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	if err := r.listener.Listen(ctx, r.channel); err != nil {
		r.logger.Error("progress relay: listen", "channel", r.channel, "error", err)
		return
	}
	r.logger.Info("progress relay: listening", "channel", r.channel)

	for {
		channel, payload, err := r.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("progress relay: notification error, retrying", "error", err)
			continue
		}
		if channel != r.channel {
			continue
		}
		r.handle(ctx, payload)
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	runID, seq, origin, err := r.decode(payload)
	if err != nil {
		r.logger.Warn("progress relay: bad payload", "error", err)
		return
	}
	if origin == r.origin || r.hub.Subscribers(runID) == 0 {
		return
	}
	entries, err := r.store.ListProgress(ctx, runID, seq-1)
	if err != nil {
		r.logger.Warn("progress relay: load entry", "run_id", runID, "seq", seq, "error", err)
		return
	}
	for _, e := range entries {
		if e.Seq != seq {
			break
		}
		r.hub.Publish(e)
		if IsFinal(e) {
			r.hub.Close(runID)
		}
	}
}
