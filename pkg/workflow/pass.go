package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// runPass replays an instance's history and advances it until it completes,
// fails, suspends or is interrupted. Interruptions (shutdown, storage errors)
// are returned and leave the instance running so a later pass resumes it.
func (rt *Runtime) runPass(ctx context.Context, instanceID string) error {
	lock := rt.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := rt.backend.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}
	if inst.Status.IsTerminal() {
		if _, err := rt.backend.DiscardSignals(ctx, instanceID); err != nil {
			return fmt.Errorf("failed to discard signals: %w", err)
		}
		return nil
	}

	fn, ok := rt.workflow(inst.Workflow)
	if !ok {
		return engine.NewConfigError(fmt.Sprintf("workflow %s is not registered", inst.Workflow), nil).
			WithResource(instanceID)
	}

	history, err := rt.backend.LoadHistory(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Mark the instance running before any history is appended, so an
	// interrupted pass is found by Recover.
	if inst.Status != stores.InstanceStatusRunning {
		rt.correlator.Unregister(instanceID)
		rt.metrics.SetSuspended(rt.correlator.Len())
		inst.Status = stores.InstanceStatusRunning
		inst.WaitingSignal = nil
		inst.WaitDeadline = nil
		inst.UpdatedAt = rt.clock().UTC()
		if err := rt.backend.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to mark instance running: %w", err)
		}
	}

	if len(history) == 0 || history[0].Kind != stores.HistoryStarted {
		return rt.finish(ctx, inst, "", engine.NewPermanentError("instance history has no start entry", nil).
			WithResource(instanceID).WithCode(engine.ErrCodeInternal))
	}

	ctx, span := rt.tracer.StartPassSpan(ctx, inst.Workflow, instanceID)
	defer span.End()
	timer := telemetry.NewTimer()

	wctx := newContext(ctx, rt, inst, history)
	runErr := rt.invoke(wctx, fn, json.RawMessage(history[0].Payload))

	switch {
	case wctx.aborted != nil:
		telemetry.RecordError(span, wctx.aborted)
		rt.metrics.RecordPass(inst.Workflow, "interrupted", timer.Duration())
		return wctx.aborted

	case wctx.fatal != nil:
		telemetry.RecordError(span, wctx.fatal)
		rt.metrics.RecordPass(inst.Workflow, "failed", timer.Duration())
		return rt.finish(ctx, inst, wctx.customStatus, wctx.fatal)

	case wctx.suspended != nil:
		telemetry.RecordSuccess(span)
		rt.metrics.RecordPass(inst.Workflow, "suspended", timer.Duration())
		return rt.suspend(ctx, inst, wctx)

	case runErr != nil:
		telemetry.RecordError(span, runErr)
		rt.metrics.RecordPass(inst.Workflow, "failed", timer.Duration())
		return rt.finish(ctx, inst, wctx.customStatus, runErr)

	case wctx.IsReplaying():
		entry, _ := wctx.next()
		err := engine.NewPermanentError(
			fmt.Sprintf("workflow returned before replaying recorded %s %q at seq %d", entry.Kind, entry.Name, entry.Seq), nil).
			WithResource(instanceID).WithCode(engine.ErrCodeNondeterminism)
		telemetry.RecordError(span, err)
		rt.metrics.RecordPass(inst.Workflow, "failed", timer.Duration())
		return rt.finish(ctx, inst, wctx.customStatus, err)

	default:
		telemetry.RecordSuccess(span)
		rt.metrics.RecordPass(inst.Workflow, "completed", timer.Duration())
		return rt.finish(ctx, inst, wctx.customStatus, nil)
	}
}

// invoke runs the workflow body, turning a panic into a failure.
func (rt *Runtime) invoke(wctx *Context, fn WorkflowFunc, input json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wctx.fail(engine.NewPermanentError(fmt.Sprintf("workflow panicked: %v", r), nil).
				WithResource(wctx.instanceID).WithCode(engine.ErrCodeInternal))
		}
	}()
	err = fn(wctx, input)
	if IsSuspended(err) && wctx.suspended == nil {
		// Returned ErrSuspended without waiting: treat as a bug in the workflow.
		err = wctx.fail(engine.NewPermanentError("workflow returned ErrSuspended without waiting", nil).
			WithResource(wctx.instanceID).WithCode(engine.ErrCodeInternal))
	}
	return err
}

func (rt *Runtime) suspend(ctx context.Context, inst *stores.Instance, wctx *Context) error {
	name := wctx.suspended.signal
	inst.Status = stores.InstanceStatusSuspended
	inst.CustomStatus = wctx.customStatus
	inst.WaitingSignal = &name
	inst.WaitDeadline = wctx.suspended.deadline
	inst.UpdatedAt = rt.clock().UTC()
	if err := rt.backend.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to suspend instance: %w", err)
	}

	rt.registerWait(Token{InstanceID: inst.ID, SignalName: name}, inst.WaitDeadline)
	rt.metrics.SetSuspended(rt.correlator.Len())
	_ = rt.events.PublishInstanceSuspended(inst.ID, name, inst.WaitDeadline)
	wctx.logger.WithField("signal", name).Info("Instance suspended")
	return nil
}

// finish moves an instance to completed, or to failed when cause is set.
func (rt *Runtime) finish(ctx context.Context, inst *stores.Instance, customStatus string, cause error) error {
	inst.Status = stores.InstanceStatusCompleted
	inst.CustomStatus = customStatus
	inst.WaitingSignal = nil
	inst.WaitDeadline = nil
	inst.UpdatedAt = rt.clock().UTC()
	if cause != nil {
		msg := cause.Error()
		inst.Status = stores.InstanceStatusFailed
		inst.Error = &msg
	}

	if err := rt.backend.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to finish instance: %w", err)
	}
	if _, err := rt.backend.DiscardSignals(ctx, inst.ID); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.WithInstanceID(inst.ID).WithError(err).Warn("Failed to discard buffered signals")
	}

	rt.correlator.Unregister(inst.ID)
	rt.forgetLock(inst.ID)
	rt.metrics.SetSuspended(rt.correlator.Len())
	rt.metrics.RecordInstanceFinished(inst.Workflow, string(inst.Status))

	logger := rt.logger.WithInstanceID(inst.ID)
	if cause != nil {
		rt.metrics.RecordError(string(engine.ClassOf(cause)), engine.CodeOf(cause))
		_ = rt.events.PublishInstanceFailed(inst.ID, cause.Error())
		logger.WithError(cause).Warn("Instance failed")
	} else {
		_ = rt.events.PublishInstanceCompleted(inst.ID, customStatus)
		logger.Info("Instance completed")
	}
	return nil
}
