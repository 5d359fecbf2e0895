package request

import (
	"context"
	"encoding/json"
	"time"

	"fetchd/event"
)

// Tracker applies mutations to a request, enforcing the status state machine
// and progress monotonicity. Every persisted change writes only the columns
// that changed and notifies the owning user's subscribers.
type Tracker struct {
	store *Store
	bus   event.Publisher
}

func NewTracker(store *Store, bus event.Publisher) *Tracker {
	if bus == nil {
		bus = event.NopPublisher{}
	}
	return &Tracker{store: store, bus: bus}
}

// SetStatus moves the request to next. Setting the current status is a no-op
// with no persisted write and no notification.
func (t *Tracker) SetStatus(ctx context.Context, r *Request, next Status) error {
	if next == r.Status {
		return nil
	}
	if r.Status.Terminal() || !r.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{From: r.Status, To: next}
	}

	set := map[string]interface{}{"status": string(next)}
	now := time.Now().UTC()

	switch next {
	case StatusPreProcessing:
		// Stamp once; re-entry must not refresh the original timestamp.
		if r.StartProcessingAt == nil {
			r.StartProcessingAt = &now
			set["start_processing_at"] = now
		}
	case StatusCompleted:
		r.CompletedAt = &now
		set["completed_at"] = now
	}

	if err := t.store.Update(ctx, r.ID, set); err != nil {
		return err
	}
	r.Status = next

	t.notify(ctx, r, event.TypeStatusUpdate)
	return nil
}

// SetProgress updates the 0-100 progress value. Values above 100 are clamped
// (a server may send more bytes than its advertised content length); values
// below the current progress are rejected, except the explicit 0 written by
// Reset.
func (t *Tracker) SetProgress(ctx context.Context, r *Request, value int) error {
	if value > 100 {
		value = 100
	}
	if value != 0 && value < r.Progress {
		return &RegressingProgressError{Current: r.Progress, Value: value}
	}
	if err := t.store.Update(ctx, r.ID, map[string]interface{}{"progress": value}); err != nil {
		return err
	}
	r.Progress = value

	t.notify(ctx, r, event.TypeRequestUpdate)
	return nil
}

func (t *Tracker) SetTitle(ctx context.Context, r *Request, title string) error {
	if err := t.store.Update(ctx, r.ID, map[string]interface{}{"title": title}); err != nil {
		return err
	}
	r.Title = title

	t.notify(ctx, r, event.TypeRequestUpdate)
	return nil
}

func (t *Tracker) SetPayload(ctx context.Context, r *Request, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := t.store.Update(ctx, r.ID, map[string]interface{}{"payload": string(b)}); err != nil {
		return err
	}
	r.Payload = b
	return nil
}

// Reset flips a failing request to failed and clears progress, title and
// payload in a single update. It is the only path that may lower progress.
func (t *Tracker) Reset(ctx context.Context, r *Request) error {
	if r.Status != StatusFailed {
		if r.Status.Terminal() {
			return &InvalidTransitionError{From: r.Status, To: StatusFailed}
		}
		r.Status = StatusFailed
	}

	err := t.store.Update(ctx, r.ID, map[string]interface{}{
		"status":   string(StatusFailed),
		"progress": 0,
		"title":    "",
		"payload":  nil,
	})
	if err != nil {
		return err
	}
	r.Progress = 0
	r.Title = ""
	r.Payload = nil

	t.notify(ctx, r, event.TypeStatusUpdate)
	return nil
}

// SetCompression stamps the compression milestone timestamps. Nil values
// clear a stamp (used when the storage directory no longer exists).
func (t *Tracker) SetCompression(ctx context.Context, r *Request, startedAt, compressedAt *time.Time) error {
	err := t.store.Update(ctx, r.ID, map[string]interface{}{
		"start_compressing_at": nullTime(startedAt),
		"compressed_at":        nullTime(compressedAt),
	})
	if err != nil {
		return err
	}
	r.StartCompressingAt = startedAt
	r.CompressedAt = compressedAt
	return nil
}

func (t *Tracker) notify(ctx context.Context, r *Request, typ string) {
	// Fire-and-forget: a failed publish never fails the mutation.
	_ = t.bus.Publish(ctx, r.UserID, event.Event{Type: typ, Payload: r})
}
