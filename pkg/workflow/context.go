package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// ErrSuspended is returned from WaitForSignal when no signal is available yet.
// Workflow code must return it (wrapped or not) without further side effects.
var ErrSuspended = errors.New("workflow suspended")

// IsSuspended reports whether err means the instance parked on a signal.
func IsSuspended(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// SourceExpiry marks a signal raised by the runtime when a wait deadline passed.
const SourceExpiry = "expiry"

// Signal is a received external signal.
type Signal struct {
	Name    string
	Payload json.RawMessage
	Source  string
}

// Decode unmarshals the payload into v.
func (s Signal) Decode(v any) error {
	if len(s.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(s.Payload, v)
}

// Expired reports whether the signal was raised because its wait timed out.
func (s Signal) Expired() bool {
	return s.Source == SourceExpiry
}

type suspension struct {
	signal   string
	deadline *time.Time
}

// Context is the deterministic view a workflow function runs against. Every
// input it exposes (time, activity results, signals) comes from history, so
// replaying the same history reproduces the same decisions.
type Context struct {
	ctx        context.Context
	rt         *Runtime
	instanceID string
	workflow   string

	history []*stores.HistoryEntry
	cursor  int
	now     time.Time

	customStatus string
	logger       *telemetry.Logger

	suspended *suspension
	aborted   error
	fatal     error
}

func newContext(ctx context.Context, rt *Runtime, inst *stores.Instance, history []*stores.HistoryEntry) *Context {
	return &Context{
		ctx:          ctx,
		rt:           rt,
		instanceID:   inst.ID,
		workflow:     inst.Workflow,
		history:      history,
		cursor:       1,
		now:          history[0].RecordedAt,
		customStatus: inst.CustomStatus,
		logger:       rt.logger.WithInstanceID(inst.ID).WithField("workflow", inst.Workflow),
	}
}

// InstanceID returns the id of the running instance.
func (c *Context) InstanceID() string {
	return c.instanceID
}

// Now returns the logical time: the moment the most recent history entry
// consumed by this execution was first recorded.
func (c *Context) Now() time.Time {
	return c.now
}

// IsReplaying reports whether the workflow is still re-reading recorded history.
func (c *Context) IsReplaying() bool {
	return c.cursor < len(c.history)
}

// Logger returns a logger that stays silent while replaying.
func (c *Context) Logger() *telemetry.Logger {
	if c.IsReplaying() {
		return telemetry.NopLogger()
	}
	return c.logger
}

// SetCustomStatus publishes a progress value on the instance status.
func (c *Context) SetCustomStatus(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode custom status")
		return
	}
	c.customStatus = string(data)
}

// halted returns the error every call must return once the pass cannot go on.
func (c *Context) halted() error {
	switch {
	case c.fatal != nil:
		return c.fatal
	case c.aborted != nil:
		return c.aborted
	case c.suspended != nil:
		return ErrSuspended
	}
	return nil
}

func (c *Context) fail(err error) error {
	if c.fatal == nil {
		c.fatal = err
	}
	return c.fatal
}

func (c *Context) abort(err error) error {
	if c.aborted == nil {
		c.aborted = err
	}
	return c.aborted
}

func (c *Context) nondeterminism(entry *stores.HistoryEntry, kind stores.HistoryKind, name string) error {
	return c.fail(engine.NewPermanentError(
		fmt.Sprintf("history mismatch at seq %d: recorded %s %q, workflow asked for %s %q",
			entry.Seq, entry.Kind, entry.Name, kind, name), nil).
		WithResource(c.instanceID).WithCode(engine.ErrCodeNondeterminism))
}

// next returns the next recorded entry, if any.
func (c *Context) next() (*stores.HistoryEntry, bool) {
	if c.cursor < len(c.history) {
		return c.history[c.cursor], true
	}
	return nil, false
}

func (c *Context) consume(entry *stores.HistoryEntry) {
	c.cursor++
	c.now = entry.RecordedAt
}

func (c *Context) record(entry *stores.HistoryEntry) {
	c.history = append(c.history, entry)
	c.consume(entry)
}

func (c *Context) callActivity(name string, input any) (json.RawMessage, error) {
	if err := c.halted(); err != nil {
		return nil, err
	}

	if entry, ok := c.next(); ok {
		switch {
		case entry.Kind == stores.HistoryActivityCompleted && entry.Name == name:
			c.consume(entry)
			return json.RawMessage(entry.Payload), nil
		case entry.Kind == stores.HistoryActivityFailed && entry.Name == name:
			c.consume(entry)
			var rec failureRecord
			if err := json.Unmarshal([]byte(entry.Payload), &rec); err != nil {
				return nil, c.fail(engine.NewPermanentError("corrupt activity failure record", err).
					WithResource(c.instanceID).WithCode(engine.ErrCodeInternal))
			}
			return nil, rec.err(name)
		default:
			return nil, c.nondeterminism(entry, stores.HistoryActivityCompleted, name)
		}
	}

	seq := len(c.history)
	out, callErr := c.rt.executeActivity(c.ctx, c.instanceID, name, seq, input)
	if callErr != nil && c.ctx.Err() != nil {
		return nil, c.abort(c.ctx.Err())
	}

	entry := &stores.HistoryEntry{
		InstanceID: c.instanceID,
		Seq:        seq,
		Kind:       stores.HistoryActivityCompleted,
		Name:       name,
		Payload:    string(out),
		RecordedAt: c.rt.clock().UTC(),
	}
	var result error
	if callErr != nil {
		rec := newFailureRecord(callErr)
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, c.fail(fmt.Errorf("failed to encode activity failure: %w", err))
		}
		entry.Kind = stores.HistoryActivityFailed
		entry.Payload = string(payload)
		result = rec.err(name)
	}
	if entry.Payload == "" {
		entry.Payload = "null"
	}

	if err := c.rt.backend.AppendHistory(c.ctx, entry); err != nil {
		return nil, c.abort(fmt.Errorf("failed to record activity %s: %w", name, err))
	}
	c.record(entry)

	if result != nil {
		return nil, result
	}
	return out, nil
}

// WaitForSignal returns the next signal with the given name. When none has
// arrived the instance suspends: ErrSuspended is returned and the workflow
// function must return. A positive timeout sets a deadline, measured from the
// logical time, after which the runtime raises an expiry signal.
func (c *Context) WaitForSignal(name string, timeout time.Duration) (Signal, error) {
	if err := c.halted(); err != nil {
		return Signal{}, err
	}

	if entry, ok := c.next(); ok {
		if entry.Kind != stores.HistorySignalReceived || entry.Name != name {
			return Signal{}, c.nondeterminism(entry, stores.HistorySignalReceived, name)
		}
		c.consume(entry)
		sig, err := decodeSignalEntry(entry)
		if err != nil {
			return Signal{}, c.fail(err)
		}
		return sig, nil
	}

	seq := len(c.history)
	recordedAt := c.rt.clock().UTC()
	sig, err := c.rt.backend.ConsumeSignal(c.ctx, c.instanceID, name, seq, recordedAt)
	if err != nil {
		return Signal{}, c.abort(fmt.Errorf("failed to consume signal %s: %w", name, err))
	}
	if sig != nil {
		payload, err := json.Marshal(stores.SignalRecord{Payload: json.RawMessage(sig.Payload), Source: sig.Source})
		if err != nil {
			return Signal{}, c.fail(fmt.Errorf("failed to encode signal record: %w", err))
		}
		entry := &stores.HistoryEntry{
			InstanceID: c.instanceID,
			Seq:        seq,
			Kind:       stores.HistorySignalReceived,
			Name:       name,
			Payload:    string(payload),
			RecordedAt: recordedAt,
		}
		c.record(entry)
		return Signal{Name: name, Payload: json.RawMessage(sig.Payload), Source: sig.Source}, nil
	}

	s := &suspension{signal: name}
	if timeout > 0 {
		deadline := c.now.Add(timeout)
		s.deadline = &deadline
	}
	c.suspended = s
	return Signal{}, ErrSuspended
}

func decodeSignalEntry(entry *stores.HistoryEntry) (Signal, error) {
	var rec stores.SignalRecord
	if err := json.Unmarshal([]byte(entry.Payload), &rec); err != nil {
		return Signal{}, engine.NewPermanentError("corrupt signal record", err).
			WithResource(entry.InstanceID).WithCode(engine.ErrCodeInternal)
	}
	return Signal{Name: entry.Name, Payload: rec.Payload, Source: rec.Source}, nil
}
