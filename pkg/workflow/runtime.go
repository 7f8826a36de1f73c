package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// Backend is the durable state the runtime needs.
type Backend interface {
	CreateInstance(ctx context.Context, inst *stores.Instance, started *stores.HistoryEntry) error
	GetInstance(ctx context.Context, id string) (*stores.Instance, error)
	UpdateInstance(ctx context.Context, inst *stores.Instance) error
	ListInstances(ctx context.Context, statuses ...stores.InstanceStatus) ([]*stores.Instance, error)
	AppendHistory(ctx context.Context, entry *stores.HistoryEntry) error
	LoadHistory(ctx context.Context, instanceID string) ([]*stores.HistoryEntry, error)
	EnqueueSignal(ctx context.Context, sig *stores.Signal) error
	ConsumeSignal(ctx context.Context, instanceID, name string, seq int, recordedAt time.Time) (*stores.Signal, error)
	HasPendingSignal(ctx context.Context, instanceID, name string) (bool, error)
	DiscardSignals(ctx context.Context, instanceID string) (int64, error)
}

// WorkflowFunc is the body of a workflow. It must be deterministic: every
// outside input goes through the Context.
type WorkflowFunc func(ctx *Context, input json.RawMessage) error

// Runtime executes workflow instances as replayable passes over their history.
// At most one pass of a given instance runs at a time.
type Runtime struct {
	backend         Backend
	logger          *telemetry.Logger
	metrics         *telemetry.Metrics
	tracer          *telemetry.Tracer
	events          *telemetry.EventPublisher
	clock           func() time.Time
	retry           RetryPolicy
	activityTimeout time.Duration
	correlator      *Correlator

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	workflows  map[string]WorkflowFunc
	activities map[string]activityFunc
	locks      map[string]*sync.Mutex
	inflight   int
	idle       chan struct{}
	closed     bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p *telemetry.EventPublisher) Option {
	return func(rt *Runtime) { rt.events = p }
}

// WithTelemetry wires every telemetry component and makes it available to
// activities through their context.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(rt *Runtime) {
		rt.logger = tel.Logger
		rt.metrics = tel.Metrics
		rt.tracer = tel.Tracer
		rt.events = tel.Events
		rt.baseCtx = tel.WithContext(rt.baseCtx)
	}
}

// WithClock replaces the wall clock used to timestamp history.
func WithClock(now func() time.Time) Option {
	return func(rt *Runtime) { rt.clock = now }
}

// WithRetryPolicy sets the activity retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(rt *Runtime) { rt.retry = p }
}

// WithActivityTimeout bounds each activity attempt. Zero disables the bound.
func WithActivityTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.activityTimeout = d }
}

// NewRuntime creates a runtime persisting through backend.
func NewRuntime(backend Backend, opts ...Option) *Runtime {
	rt := &Runtime{
		backend:         backend,
		logger:          telemetry.NopLogger(),
		clock:           time.Now,
		retry:           DefaultRetryPolicy(),
		activityTimeout: 2 * time.Minute,
		baseCtx:         context.Background(),
		workflows:       make(map[string]WorkflowFunc),
		activities:      make(map[string]activityFunc),
		locks:           make(map[string]*sync.Mutex),
		idle:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.baseCtx, rt.cancel = context.WithCancel(rt.baseCtx)
	rt.logger = rt.logger.NewComponentLogger("workflow")
	rt.correlator = NewCorrelator(rt.clock)
	return rt
}

// RegisterWorkflow registers a workflow body under name.
func (rt *Runtime) RegisterWorkflow(name string, fn WorkflowFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.workflows[name] = fn
}

func (rt *Runtime) registerActivity(name string, fn activityFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.activities[name] = fn
}

func (rt *Runtime) workflow(name string) (WorkflowFunc, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn, ok := rt.workflows[name]
	return fn, ok
}

func (rt *Runtime) activity(name string) (activityFunc, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	fn, ok := rt.activities[name]
	return fn, ok
}

// Correlator exposes the live correlation table.
func (rt *Runtime) Correlator() *Correlator {
	return rt.correlator
}

// Start creates an instance of workflow with input and schedules its first pass.
func (rt *Runtime) Start(ctx context.Context, workflow string, input any) (string, error) {
	if _, ok := rt.workflow(workflow); !ok {
		return "", engine.NewConfigError(fmt.Sprintf("workflow %s is not registered", workflow), nil)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return "", engine.NewValidationError("failed to encode workflow input", err)
	}

	now := rt.clock().UTC()
	inst := &stores.Instance{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Status:    stores.InstanceStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	started := &stores.HistoryEntry{
		InstanceID: inst.ID,
		Seq:        0,
		Kind:       stores.HistoryStarted,
		Name:       workflow,
		Payload:    string(payload),
		RecordedAt: now,
	}
	if err := rt.backend.CreateInstance(ctx, inst, started); err != nil {
		return "", engine.NewTransientError("failed to create workflow instance", err)
	}

	rt.metrics.RecordInstanceStarted(workflow)
	_ = rt.events.PublishInstanceStarted(inst.ID, workflow)
	rt.logger.WithInstanceID(inst.ID).WithField("workflow", workflow).Info("Workflow instance started")

	rt.schedule(inst.ID)
	return inst.ID, nil
}

// RaiseSignal delivers a signal to an instance. The signal is accepted when the
// instance waits on that name or is mid-pass; it is then buffered and a pass
// is scheduled. Signals for unknown or finished instances are rejected.
func (rt *Runtime) RaiseSignal(ctx context.Context, instanceID, name string, payload any, source string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return engine.NewValidationError("failed to encode signal payload", err).
			WithCode(engine.ErrCodeMalformedSignal)
	}

	accepted := rt.correlator.Waiting(Token{InstanceID: instanceID, SignalName: name})
	if !accepted {
		inst, err := rt.backend.GetInstance(ctx, instanceID)
		if errors.Is(err, stores.ErrNotFound) {
			rt.metrics.RecordSignal(name, "rejected")
			_ = rt.events.PublishSignal(instanceID, name, source, false)
			return engine.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), err).
				WithCode(engine.ErrCodeInstanceNotFound).WithResource(instanceID)
		}
		if err != nil {
			return engine.NewTransientError("failed to load instance", err).WithResource(instanceID)
		}
		accepted = inst.Status == stores.InstanceStatusRunning ||
			(inst.Status == stores.InstanceStatusSuspended && inst.WaitingSignal != nil && *inst.WaitingSignal == name)
	}
	if !accepted {
		rt.metrics.RecordSignal(name, "rejected")
		_ = rt.events.PublishSignal(instanceID, name, source, false)
		return engine.NewPermanentError(fmt.Sprintf("instance %s is not waiting for %s", instanceID, name), nil).
			WithCode(engine.ErrCodeSignalRejected).WithResource(instanceID)
	}

	sig := &stores.Signal{
		InstanceID: instanceID,
		Name:       name,
		Payload:    string(data),
		Source:     source,
		ReceivedAt: rt.clock().UTC(),
	}
	if err := rt.backend.EnqueueSignal(ctx, sig); err != nil {
		return engine.NewTransientError("failed to enqueue signal", err).WithResource(instanceID)
	}

	rt.metrics.RecordSignal(name, "accepted")
	_ = rt.events.PublishSignal(instanceID, name, source, true)
	rt.logger.WithInstanceID(instanceID).WithFields(map[string]interface{}{
		"signal": name,
		"source": source,
	}).Info("Signal accepted")

	rt.schedule(instanceID)
	return nil
}

// Status describes an instance for status queries.
type Status struct {
	ID            string                `json:"id"`
	Workflow      string                `json:"workflow"`
	Status        stores.InstanceStatus `json:"runtimeStatus"`
	CustomStatus  json.RawMessage       `json:"customStatus,omitempty"`
	WaitingSignal string                `json:"waitingSignal,omitempty"`
	WaitDeadline  *time.Time            `json:"waitDeadline,omitempty"`
	Error         string                `json:"error,omitempty"`
	HistoryLength int                   `json:"historyLength"`
	CreatedAt     time.Time             `json:"createdTime"`
	UpdatedAt     time.Time             `json:"lastUpdatedTime"`
}

// Status returns the current status of an instance.
func (rt *Runtime) Status(ctx context.Context, instanceID string) (*Status, error) {
	inst, err := rt.backend.GetInstance(ctx, instanceID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("instance %s not found", instanceID), err).
			WithCode(engine.ErrCodeInstanceNotFound).WithResource(instanceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	history, err := rt.backend.LoadHistory(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	st := &Status{
		ID:            inst.ID,
		Workflow:      inst.Workflow,
		Status:        inst.Status,
		WaitDeadline:  inst.WaitDeadline,
		HistoryLength: len(history),
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
	if inst.CustomStatus != "" {
		st.CustomStatus = json.RawMessage(inst.CustomStatus)
	}
	if inst.WaitingSignal != nil {
		st.WaitingSignal = *inst.WaitingSignal
	}
	if inst.Error != nil {
		st.Error = *inst.Error
	}
	return st, nil
}

// Recover rebuilds runtime state after a restart: suspended instances get
// their waits and expiry timers back, and instances that were mid-pass or have
// a buffered signal are run again. It returns the number of instances found.
func (rt *Runtime) Recover(ctx context.Context) (int, error) {
	instances, err := rt.backend.ListInstances(ctx, stores.InstanceStatusRunning, stores.InstanceStatusSuspended)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished instances: %w", err)
	}

	for _, inst := range instances {
		logger := rt.logger.WithInstanceID(inst.ID)
		switch inst.Status {
		case stores.InstanceStatusRunning:
			logger.Info("Resuming interrupted instance")
			rt.schedule(inst.ID)

		case stores.InstanceStatusSuspended:
			if inst.WaitingSignal == nil {
				rt.schedule(inst.ID)
				continue
			}
			rt.registerWait(Token{InstanceID: inst.ID, SignalName: *inst.WaitingSignal}, inst.WaitDeadline)

			pending, err := rt.backend.HasPendingSignal(ctx, inst.ID, *inst.WaitingSignal)
			if err != nil {
				return 0, fmt.Errorf("failed to check pending signals: %w", err)
			}
			if pending {
				logger.Info("Resuming instance with buffered signal")
				rt.schedule(inst.ID)
			}
		}
	}
	rt.metrics.SetSuspended(rt.correlator.Len())
	return len(instances), nil
}

// Drain blocks until no pass is running or ctx is done.
func (rt *Runtime) Drain(ctx context.Context) error {
	for {
		rt.mu.Lock()
		if rt.inflight == 0 {
			rt.mu.Unlock()
			return nil
		}
		idle := rt.idle
		rt.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops scheduling, waits for running passes until ctx is done and then
// cancels what is left. Interrupted instances stay running and are picked up
// by Recover.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.correlator.Close()
	err := rt.Drain(ctx)
	rt.cancel()
	if err != nil {
		_ = rt.Drain(context.Background())
	}
	return err
}

func (rt *Runtime) schedule(instanceID string) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.inflight++
	rt.mu.Unlock()

	go func() {
		defer rt.passDone()
		if err := rt.runPass(rt.baseCtx, instanceID); err != nil {
			rt.logger.WithInstanceID(instanceID).WithError(err).Warn("Pass interrupted")
		}
	}()
}

func (rt *Runtime) passDone() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.inflight--
	if rt.inflight == 0 {
		close(rt.idle)
		rt.idle = make(chan struct{})
	}
}

func (rt *Runtime) instanceLock(instanceID string) *sync.Mutex {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		rt.locks[instanceID] = l
	}
	return l
}

func (rt *Runtime) forgetLock(instanceID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.locks, instanceID)
}

func (rt *Runtime) registerWait(tok Token, deadline *time.Time) {
	var expire func()
	if deadline != nil {
		d := *deadline
		expire = func() { rt.expire(tok, d) }
	}
	rt.correlator.Register(tok, deadline, expire)
}

// expire raises the expiry signal if the instance still waits on tok with the
// same deadline.
func (rt *Runtime) expire(tok Token, deadline time.Time) {
	lock := rt.instanceLock(tok.InstanceID)
	lock.Lock()

	ctx := rt.baseCtx
	inst, err := rt.backend.GetInstance(ctx, tok.InstanceID)
	stillWaiting := err == nil &&
		inst.Status == stores.InstanceStatusSuspended &&
		inst.WaitingSignal != nil && *inst.WaitingSignal == tok.SignalName &&
		inst.WaitDeadline != nil && inst.WaitDeadline.Equal(deadline)
	if stillWaiting {
		err = rt.backend.EnqueueSignal(ctx, &stores.Signal{
			InstanceID: tok.InstanceID,
			Name:       tok.SignalName,
			Payload:    "null",
			Source:     SourceExpiry,
			ReceivedAt: rt.clock().UTC(),
		})
	}
	lock.Unlock()

	if err != nil {
		rt.logger.WithInstanceID(tok.InstanceID).WithError(err).Warn("Failed to raise expiry signal")
		return
	}
	if stillWaiting {
		rt.metrics.RecordSignal(tok.SignalName, "expired")
		_ = rt.events.PublishSignal(tok.InstanceID, tok.SignalName, SourceExpiry, true)
		rt.logger.WithInstanceID(tok.InstanceID).WithField("signal", tok.SignalName).Info("Wait expired")
		rt.schedule(tok.InstanceID)
	}
}
