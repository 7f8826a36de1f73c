package knownevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// Persister is the entity storage a Registry writes through.
type Persister interface {
	GetEntity(ctx context.Context, key string) (*stores.Entity, error)
	SaveEntity(ctx context.Context, key, state string, expectedVersion int64) (int64, error)
	DeleteEntity(ctx context.Context, key string) error
}

// ErrClosed is returned for commands sent after Close.
var ErrClosed = errors.New("known-event registry closed")

// record is the persisted form of one known-event record.
type record struct {
	Events *engine.EventSet `json:"events"`
}

// Registry owns one actor goroutine per lineage key. Commands for the same key
// are applied one at a time in arrival order.
type Registry struct {
	store       Persister
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	mailboxSize int

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithMailboxSize sets how many commands may queue per key before senders block.
func WithMailboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// NewRegistry creates a registry persisting through store.
func NewRegistry(store Persister, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		logger:      telemetry.NopLogger(),
		mailboxSize: 64,
		actors:      make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.NewComponentLogger("knownevents")
	return r
}

// Entity returns the handle for a lineage key. The actor starts on first use.
func (r *Registry) Entity(key string) *Handle {
	return &Handle{registry: r, key: key}
}

// Close stops every actor after it finishes the command in hand. Queued
// commands fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, a := range r.actors {
		close(a.stop)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) actorFor(key string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	a, ok := r.actors[key]
	if !ok {
		a = &actor{
			key:     key,
			store:   r.store,
			logger:  r.logger.WithField("lineage_key", key),
			metrics: r.metrics,
			mailbox: make(chan command, r.mailboxSize),
			stop:    make(chan struct{}),
		}
		r.actors[key] = a
		r.wg.Add(1)
		go a.run(&r.wg)
	}
	return a, nil
}

type opKind int

const (
	opGet opKind = iota
	opSet
	opAdd
	opRemove
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opGet:
		return "get"
	case opSet:
		return "set"
	case opAdd:
		return "add"
	case opRemove:
		return "remove"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type command struct {
	ctx    context.Context
	op     opKind
	event  engine.Event
	events []engine.Event
	reply  chan result
}

type result struct {
	events  *engine.EventSet
	changed bool
	err     error
}

// actor holds the in-memory copy of one record. Memory is only updated after
// the write that produced it has been persisted.
type actor struct {
	key     string
	store   Persister
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	mailbox chan command
	stop    chan struct{}

	loaded  bool
	version int64
	events  *engine.EventSet
}

func (a *actor) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case cmd := <-a.mailbox:
			cmd.reply <- a.handle(cmd)
		case <-a.stop:
			for {
				select {
				case cmd := <-a.mailbox:
					cmd.reply <- result{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (a *actor) handle(cmd command) result {
	if err := cmd.ctx.Err(); err != nil {
		return result{err: err}
	}
	if cmd.op == opDelete {
		return a.delete(cmd.ctx)
	}
	if err := a.load(cmd.ctx); err != nil {
		return result{err: err}
	}

	switch cmd.op {
	case opGet:
		return result{events: a.events.Clone()}

	case opSet:
		next := engine.NewEventSet(cmd.events...)
		if err := a.save(cmd.ctx, next); err != nil {
			return result{err: err}
		}
		return result{events: next.Clone(), changed: true}

	case opAdd:
		if a.events.Contains(cmd.event) {
			return result{}
		}
		next := a.events.Clone()
		next.Add(cmd.event)
		if err := a.save(cmd.ctx, next); err != nil {
			return result{err: err}
		}
		return result{changed: true}

	case opRemove:
		if !a.events.Contains(cmd.event) {
			return result{}
		}
		next := a.events.Clone()
		next.Remove(cmd.event)
		if err := a.save(cmd.ctx, next); err != nil {
			return result{err: err}
		}
		return result{changed: true}
	}
	return result{err: fmt.Errorf("unknown command %s", cmd.op)}
}

func (a *actor) load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	entity, err := a.store.GetEntity(ctx, a.key)
	if errors.Is(err, stores.ErrNotFound) {
		a.events = engine.NewEventSet()
		a.version = 0
		a.loaded = true
		return nil
	}
	if err != nil {
		return engine.NewTransientError("failed to load known events", err).
			WithResource(a.key).WithOperation("load")
	}

	var rec record
	if err := json.Unmarshal([]byte(entity.State), &rec); err != nil {
		return engine.NewPermanentError("known-event record is corrupt", err).
			WithResource(a.key).WithCode(engine.ErrCodeInternal)
	}
	if rec.Events == nil {
		rec.Events = engine.NewEventSet()
	}
	a.events = rec.Events
	a.version = entity.Version
	a.loaded = true
	a.metrics.SetKnownEvents(a.key, a.events.Len())
	a.logger.Debugf("Loaded %d known events at version %d", a.events.Len(), a.version)
	return nil
}

func (a *actor) save(ctx context.Context, next *engine.EventSet) error {
	state, err := json.Marshal(record{Events: next})
	if err != nil {
		return fmt.Errorf("failed to encode known events: %w", err)
	}

	version, err := a.store.SaveEntity(ctx, a.key, string(state), a.version)
	if errors.Is(err, stores.ErrVersionConflict) {
		// Another process wrote the record; reload before the next command.
		a.loaded = false
		a.logger.Warn("Known-event record changed underneath the actor")
		return engine.NewConflictError("known-event record was modified concurrently", err).
			WithResource(a.key).WithOperation("save")
	}
	if err != nil {
		return engine.NewTransientError("failed to save known events", err).
			WithResource(a.key).WithOperation("save")
	}

	a.events = next
	a.version = version
	a.metrics.SetKnownEvents(a.key, next.Len())
	return nil
}

func (a *actor) delete(ctx context.Context) result {
	if err := a.store.DeleteEntity(ctx, a.key); err != nil {
		return result{err: engine.NewTransientError("failed to delete known events", err).
			WithResource(a.key).WithOperation("delete")}
	}
	a.events = engine.NewEventSet()
	a.version = 0
	a.loaded = true
	a.metrics.SetKnownEvents(a.key, 0)
	a.logger.Info("Known-event record deleted")
	return result{changed: true}
}
