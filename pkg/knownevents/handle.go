package knownevents

import (
	"context"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// Handle addresses the known-event record of one lineage key.
type Handle struct {
	registry *Registry
	key      string
}

// Key returns the lineage key.
func (h *Handle) Key() string {
	return h.key
}

// GetEvents returns a snapshot of the record.
func (h *Handle) GetEvents(ctx context.Context) (*engine.EventSet, error) {
	res, err := h.send(ctx, command{op: opGet})
	if err != nil {
		return nil, err
	}
	return res.events, nil
}

// SetEvents replaces the record with events.
func (h *Handle) SetEvents(ctx context.Context, events []engine.Event) error {
	_, err := h.send(ctx, command{op: opSet, events: events})
	return err
}

// AddEvent inserts event and reports whether the record changed.
func (h *Handle) AddEvent(ctx context.Context, event engine.Event) (bool, error) {
	res, err := h.send(ctx, command{op: opAdd, event: event})
	if err != nil {
		return false, err
	}
	return res.changed, nil
}

// RemoveEvent deletes event and reports whether the record changed.
func (h *Handle) RemoveEvent(ctx context.Context, event engine.Event) (bool, error) {
	res, err := h.send(ctx, command{op: opRemove, event: event})
	if err != nil {
		return false, err
	}
	return res.changed, nil
}

// DeleteEntity clears all state for the key.
func (h *Handle) DeleteEntity(ctx context.Context) error {
	_, err := h.send(ctx, command{op: opDelete})
	return err
}

func (h *Handle) send(ctx context.Context, cmd command) (result, error) {
	a, err := h.registry.actorFor(h.key)
	if err != nil {
		return result{}, err
	}

	cmd.ctx = ctx
	cmd.reply = make(chan result, 1)

	select {
	case a.mailbox <- cmd:
	case <-a.stop:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}
