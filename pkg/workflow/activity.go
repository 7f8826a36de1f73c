package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// ActivityInfo describes the activity attempt running on a context.
type ActivityInfo struct {
	InstanceID string
	Name       string
	Seq        int
	Attempt    int
}

// IdempotencyKey is stable across retries and replays of the same call.
func (i ActivityInfo) IdempotencyKey() string {
	return fmt.Sprintf("%s-%d", i.InstanceID, i.Seq)
}

type activityInfoKey struct{}

// ActivityInfoFromContext returns the attempt info when ctx belongs to an activity.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

type activityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RegisterActivity registers a typed activity. Inputs and outputs are recorded
// in history as JSON.
func RegisterActivity[In, Out any](rt *Runtime, name string, fn func(context.Context, In) (Out, error)) {
	rt.registerActivity(name, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, engine.NewPermanentError("failed to decode activity input", err).
					WithOperation(name).WithCode(engine.ErrCodeValidation)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
}

// CallActivity runs an activity, or returns its recorded result when the
// call is being replayed.
func CallActivity[Out any](ctx *Context, name string, input any) (Out, error) {
	var out Out
	raw, err := ctx.callActivity(name, input)
	if err != nil {
		return out, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, ctx.fail(engine.NewPermanentError("failed to decode activity result", err).
				WithOperation(name).WithCode(engine.ErrCodeInternal))
		}
	}
	return out, nil
}

// failureRecord is the history payload of a failed activity.
type failureRecord struct {
	Class   engine.ErrorClass `json:"class"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
}

func newFailureRecord(err error) failureRecord {
	message := err.Error()
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		message = ee.Message
		if ee.Err != nil {
			message += ": " + ee.Err.Error()
		}
	}
	return failureRecord{
		Class:   engine.ClassOf(err),
		Code:    engine.CodeOf(err),
		Message: message,
	}
}

func (r failureRecord) err(name string) error {
	code := r.Code
	if code == "" {
		code = engine.ErrCodeCollaborator
	}
	return &engine.EngineError{
		Class:     r.Class,
		Code:      code,
		Message:   r.Message,
		Operation: name,
	}
}

// executeActivity runs the live attempts of one activity call. seq is the
// history position the result will be recorded at.
func (rt *Runtime) executeActivity(ctx context.Context, instanceID, name string, seq int, input any) (json.RawMessage, error) {
	fn, ok := rt.activity(name)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("activity %s is not registered", name), nil).
			WithCode(engine.ErrCodeConfig)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode activity input", err).
			WithOperation(name).WithCode(engine.ErrCodeValidation)
	}

	logger := rt.logger.WithInstanceID(instanceID).WithActivity(name)
	policy := rt.retry.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		info := ActivityInfo{InstanceID: instanceID, Name: name, Seq: seq, Attempt: attempt}
		out, err := rt.attempt(ctx, fn, info, raw)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !policy.ShouldRetry(attempt, err) {
			logger.WithError(err).WithField("attempt", attempt).Warn("Activity failed")
			break
		}

		backoff := policy.Backoff(attempt, err)
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warnf("Retrying activity (attempt %d/%d)", attempt+1, policy.MaxAttempts)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (rt *Runtime) attempt(ctx context.Context, fn activityFunc, info ActivityInfo, input json.RawMessage) (out json.RawMessage, err error) {
	ctx = context.WithValue(ctx, activityInfoKey{}, info)
	ctx, span := rt.tracer.StartActivitySpan(ctx, info.InstanceID, info.Name, info.Attempt)
	defer span.End()

	parent := ctx
	if rt.activityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.activityTimeout)
		defer cancel()
	}

	timer := telemetry.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewPermanentError(fmt.Sprintf("activity panicked: %v", r), nil).
				WithOperation(info.Name).WithCode(engine.ErrCodeInternal)
		}

		outcome := "success"
		switch {
		case err == nil:
			telemetry.RecordSuccess(span)
		case engine.IsRetryable(err):
			outcome = "retry"
			telemetry.RecordError(span, err)
		default:
			outcome = "failure"
			telemetry.RecordError(span, err)
		}
		if err != nil {
			rt.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		}
		rt.metrics.RecordActivityAttempt(info.Name, outcome, timer.Duration())
	}()

	out, err = fn(ctx, input)
	if err != nil && parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !classified(err) {
		err = engine.NewTransientError(fmt.Sprintf("activity attempt exceeded %s", rt.activityTimeout), err).
			WithOperation(info.Name).WithCode(engine.ErrCodeActivityTimeout)
	}
	return out, err
}

func classified(err error) bool {
	var e *engine.EngineError
	return errors.As(err, &e)
}
