// Package trigger starts reconciliation runs on a cron schedule.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// DefaultTolerance is how late a firing may be delivered and still start a run.
const DefaultTolerance = time.Minute

// StartFunc starts one run and returns its instance id.
type StartFunc func(ctx context.Context) (string, error)

// Timer fires StartFunc on a six-field cron schedule (seconds first).
type Timer struct {
	spec      string
	schedule  cron.Schedule
	start     StartFunc
	tolerance time.Duration
	now       func() time.Time
	logger    *telemetry.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	skipped int
	started int
}

// Option configures a Timer.
type Option func(*Timer)

// WithTolerance sets how late a firing may be before it is skipped.
func WithTolerance(d time.Duration) Option {
	return func(t *Timer) { t.tolerance = d }
}

// WithClock replaces the clock used to detect late firings.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(t *Timer) { t.logger = l }
}

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewTimer parses spec. An invalid spec is a configuration error.
func NewTimer(spec string, start StartFunc, opts ...Option) (*Timer, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid schedule %q", spec), err)
	}
	t := &Timer{
		spec:      spec,
		schedule:  schedule,
		start:     start,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.NewComponentLogger("trigger").WithField("schedule", spec)
	return t, nil
}

// Start begins firing until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return engine.NewConflictError("timer already started", nil)
	}

	logger := cronLogger{t.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	var id cron.EntryID
	id = c.Schedule(t.schedule, cron.FuncJob(func() {
		t.fire(ctx, c.Entry(id).Prev)
	}))
	t.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		t.Stop()
	}()

	t.logger.WithField("next", t.schedule.Next(t.now()).Format(time.RFC3339)).Info("Timer started")
	return nil
}

// Stop stops the timer and waits for a running firing to return.
func (t *Timer) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Next returns the next firing after from.
func (t *Timer) Next(from time.Time) time.Time {
	return t.schedule.Next(from)
}

// Counts returns how many firings started a run and how many were skipped.
func (t *Timer) Counts() (started, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started, t.skipped
}

// fire starts a run for the firing scheduled at scheduled, unless it is
// delivered later than the tolerance.
func (t *Timer) fire(ctx context.Context, scheduled time.Time) {
	now := t.now()
	if !scheduled.IsZero() && now.Sub(scheduled) > t.tolerance {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		t.logger.WithFields(map[string]interface{}{
			"scheduled": scheduled.Format(time.RFC3339),
			"late_by":   now.Sub(scheduled).String(),
		}).Warn("Timer fired past due, skipping run")
		return
	}

	id, err := t.start(ctx)
	if err != nil {
		t.logger.WithError(err).Error("Timer failed to start run")
		return
	}
	t.mu.Lock()
	t.started++
	t.mu.Unlock()
	t.logger.WithInstanceID(id).Info("Timer started run")
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l *telemetry.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(fields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}
