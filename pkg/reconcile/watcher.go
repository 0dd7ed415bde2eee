package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/api/client"
)

// API is the slice of the deskpool client the watcher needs.
type API interface {
	ActiveSession(ctx context.Context, token string) (client.Lease, error)
	EndSession(ctx context.Context, token string, leaseID int64) (client.Lease, error)
}

// EventType classifies watcher notifications.
type EventType string

const (
	// EventTick fires every second with the remaining time.
	EventTick EventType = "tick"
	// EventWarning fires once per threshold as the deadline approaches.
	EventWarning EventType = "warning"
	// EventEnded fires when the session is over, locally or server-side.
	EventEnded EventType = "ended"
	// EventReauth fires when the server rejects the token.
	EventReauth EventType = "reauth"
)

// Event is one watcher notification.
type Event struct {
	Type      EventType
	Lease     client.Lease
	Remaining time.Duration
}

// Default cadence and warning thresholds.
const (
	DefaultPollInterval = 10 * time.Second
	tickInterval        = time.Second
)

var defaultWarnings = []time.Duration{10 * time.Minute, 5 * time.Minute, time.Minute}

// Watcher tracks one session from the kiosk side. The server clock is
// authoritative: the countdown is always recomputed from the lease start
// and duration, never decremented locally, so a frozen laptop that wakes
// up late jumps straight to the right value.
type Watcher struct {
	api          API
	token        string
	logger       *slog.Logger
	pollInterval time.Duration
	warnings     []time.Duration
	events       chan Event
	now          func() time.Time

	lease  client.Lease
	warned map[time.Duration]bool
}

// NewWatcher constructs a Watcher for an already-started lease.
func NewWatcher(api API, token string, lease client.Lease, logger *slog.Logger, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		api:          api,
		token:        token,
		logger:       logger.With("component", "watcher"),
		pollInterval: pollInterval,
		warnings:     defaultWarnings,
		events:       make(chan Event, 16),
		now:          time.Now,
		lease:        lease,
		warned:       make(map[time.Duration]bool),
	}
}

// Events returns the notification channel. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run drives the countdown and reconciliation loops until the session ends,
// the token is rejected, or ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	poller := time.NewTicker(w.pollInterval)
	defer poller.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done := w.tick(ctx); done {
				return nil
			}
		case <-poller.C:
			if done := w.poll(ctx); done {
				return nil
			}
		}
	}
}

// tick advances the local countdown. It reports true once the session is
// over and the end call has been issued.
func (w *Watcher) tick(ctx context.Context) bool {
	remaining := w.remaining()
	if remaining <= 0 {
		w.finish(ctx)
		return true
	}
	for _, threshold := range w.warnings {
		if remaining <= threshold && !w.warned[threshold] {
			w.warned[threshold] = true
			w.emit(Event{Type: EventWarning, Lease: w.lease, Remaining: remaining})
		}
	}
	w.emit(Event{Type: EventTick, Lease: w.lease, Remaining: remaining})
	return false
}

// poll reconciles against the server. Server state wins: an admin force-end
// or a sweep shows up here before the local countdown reaches zero.
func (w *Watcher) poll(ctx context.Context) bool {
	lease, err := w.api.ActiveSession(ctx, w.token)
	if err != nil {
		var apiErr client.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusNotFound:
				w.emit(Event{Type: EventEnded, Lease: w.lease})
				return true
			case http.StatusUnauthorized:
				w.emit(Event{Type: EventReauth, Lease: w.lease})
				return true
			}
		}
		// Transient failure: keep counting down from the last known state.
		w.logger.Warn("session poll failed", "error", err)
		return false
	}
	if lease.ID != w.lease.ID {
		w.warned = make(map[time.Duration]bool)
	}
	w.lease = lease
	return false
}

// finish issues the end call exactly once. The server treats ending an
// already-ended lease as success, and a 404 means it is gone entirely, so
// both count as a clean finish.
func (w *Watcher) finish(ctx context.Context) {
	lease, err := w.api.EndSession(ctx, w.token, w.lease.ID)
	if err != nil {
		var apiErr client.APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
			w.logger.Warn("session end failed", "lease_id", w.lease.ID, "error", err)
		}
	} else {
		w.lease = lease
	}
	w.emit(Event{Type: EventEnded, Lease: w.lease})
}

func (w *Watcher) remaining() time.Duration {
	left := w.lease.ExpiresAt().Sub(w.now())
	if left < 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

func (w *Watcher) emit(event Event) {
	select {
	case w.events <- event:
	default:
		// A slow consumer drops ticks rather than stalling the countdown.
	}
}
