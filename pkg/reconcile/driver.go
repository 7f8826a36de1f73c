package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/knownevents"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

// Stage is the position of a run in the driver state machine.
type Stage string

const (
	StageStarted     Stage = "Started"
	StageFeedFetched Stage = "FeedFetched"
	StageDiffed      Stage = "Diffed"
	StageBulkSeeded  Stage = "BulkSeeded"
	StageReconciling Stage = "Reconciling"
	StageCompleted   Stage = "Completed"
)

// Input is the per-run input resolved at trigger time.
type Input struct {
	FeedURL        string `json:"feedUrl" validate:"required,url"`
	TargetListName string `json:"targetListName" validate:"required"`
}

// Progress is published as the custom status of a run.
type Progress struct {
	Stage       Stage     `json:"stage"`
	FeedEvents  int       `json:"feedEvents"`
	KnownEvents int       `json:"knownEvents"`
	NewEvents   int       `json:"newEvents"`
	Processed   int       `json:"processed"`
	Current     *Approval `json:"current,omitempty"`
}

// Dependencies are the collaborators a run calls through activities.
type Dependencies struct {
	Feed       engine.FeedFetcher
	Exclusions engine.ExclusionSource
	Notifier   engine.Notifier
	Tasks      engine.TaskLists
	Known      *knownevents.Registry

	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

func (d Dependencies) validate() error {
	switch {
	case d.Feed == nil:
		return engine.NewConfigError("feed collaborator is required", nil)
	case d.Exclusions == nil:
		return engine.NewConfigError("exclusion source is required", nil)
	case d.Notifier == nil:
		return engine.NewConfigError("notifier is required", nil)
	case d.Tasks == nil:
		return engine.NewConfigError("task collaborator is required", nil)
	case d.Known == nil:
		return engine.NewConfigError("known-event registry is required", nil)
	}
	return nil
}

// Driver runs reconciliation instances on a workflow runtime.
type Driver struct {
	rt       *workflow.Runtime
	deps     Dependencies
	opts     Options
	validate *validator.Validate
}

// Register binds the reconciliation workflow and its activities to rt.
func Register(rt *workflow.Runtime, deps Dependencies, opts Options) (*Driver, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		rt:       rt,
		deps:     deps,
		opts:     opts,
		validate: validator.New(),
	}
	(&activities{deps: deps}).register(rt)
	rt.RegisterWorkflow(WorkflowName, d.run)
	return d, nil
}

// Options returns the effective options.
func (d *Driver) Options() Options {
	return d.opts
}

// Start validates in and starts a run. An invalid input is a configuration
// error and no instance is created.
func (d *Driver) Start(ctx context.Context, in Input) (string, error) {
	if err := d.validate.Struct(in); err != nil {
		return "", engine.NewConfigError("invalid run input", err)
	}
	return d.rt.Start(ctx, WorkflowName, in)
}

// Approve raises a decision on a run waiting for approval. The decision is
// bound to the event the run last reported as awaiting a decision, so a
// repeated call cannot decide the event after it.
func (d *Driver) Approve(ctx context.Context, instanceID string, approved bool, source string) error {
	return d.ApproveEvent(ctx, instanceID, d.awaitedEvent(ctx, instanceID), approved, source)
}

// ApproveEvent raises a decision for event eventUID of a run. A run waiting on
// another event drops it. An empty eventUID decides whichever event waits.
func (d *Driver) ApproveEvent(ctx context.Context, instanceID, eventUID string, approved bool, source string) error {
	if instanceID == "" {
		return engine.NewValidationError("instance id is required", nil).
			WithCode(engine.ErrCodeMalformedSignal)
	}
	dec := Decision{Approved: approved, EventUID: eventUID}
	return d.rt.RaiseSignal(ctx, instanceID, ApprovalSignal, dec, source)
}

// RaiseShortcut raises the decision carried by shortcut text
// (<instanceId>$$$<subject>). The subject binds the decision to its event.
func (d *Driver) RaiseShortcut(ctx context.Context, text, source string) (string, error) {
	id, subject, err := ParseShortcutText(text)
	if err != nil {
		return "", err
	}
	dec := Decision{Approved: true, Subject: subject}
	return id, d.rt.RaiseSignal(ctx, id, ApprovalSignal, dec, source)
}

// awaitedEvent returns the uid of the event instanceID last persisted as
// awaiting a decision, or "" when there is none.
func (d *Driver) awaitedEvent(ctx context.Context, instanceID string) string {
	if instanceID == "" {
		return ""
	}
	st, err := d.rt.Status(ctx, instanceID)
	if err != nil || len(st.CustomStatus) == 0 {
		return ""
	}
	var p Progress
	if err := json.Unmarshal(st.CustomStatus, &p); err != nil || p.Current == nil {
		return ""
	}
	if p.Current.State != ApprovalAwaitingDecision {
		return ""
	}
	return p.Current.UID
}

// Status returns the status of a run.
func (d *Driver) Status(ctx context.Context, instanceID string) (*workflow.Status, error) {
	return d.rt.Status(ctx, instanceID)
}

func (d *Driver) run(ctx *workflow.Context, raw json.RawMessage) error {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return engine.NewPermanentError("failed to decode run input", err).WithCode(engine.ErrCodeValidation)
	}

	p := &Progress{Stage: StageStarted}
	ctx.SetCustomStatus(p)

	current, err := workflow.CallActivity[[]engine.Event](ctx, ActivityFetchFeed, in.FeedURL)
	if err != nil {
		return err
	}
	p.Stage = StageFeedFetched
	p.FeedEvents = len(current)
	ctx.SetCustomStatus(p)

	known, err := workflow.CallActivity[[]engine.Event](ctx, ActivityGetKnownEvents, d.opts.LineageKey)
	if err != nil {
		return err
	}
	excluded, err := workflow.CallActivity[[]string](ctx, ActivityGetExcludedSubjects, nil)
	if err != nil {
		return err
	}

	newEvents := engine.Diff(engine.NewEventSet(current...), engine.NewEventSet(known...), excluded)
	p.Stage = StageDiffed
	p.KnownEvents = len(known)
	p.NewEvents = len(newEvents)
	ctx.SetCustomStatus(p)

	logger := ctx.Logger().WithField("lineage_key", d.opts.LineageKey)
	logger.Infof("Found events current/known/new: %d/%d/%d", len(current), len(known), len(newEvents))
	if !ctx.IsReplaying() {
		d.deps.Metrics.RecordDiff(len(newEvents))
	}

	if len(newEvents) == 0 {
		p.Stage = StageCompleted
		ctx.SetCustomStatus(p)
		logger.Info("No new events")
		return nil
	}

	if len(newEvents) > d.opts.BulkSeedThreshold {
		logger.Infof("Seeding known events with the whole feed (%d new events exceed %d)",
			len(newEvents), d.opts.BulkSeedThreshold)
		seed := setKnownInput{Key: d.opts.LineageKey, Events: current}
		if _, err := workflow.CallActivity[done](ctx, ActivitySetKnownEvents, seed); err != nil {
			return err
		}
		if !ctx.IsReplaying() {
			d.deps.Metrics.RecordBulkSeed()
		}
		p.Stage = StageBulkSeeded
		ctx.SetCustomStatus(p)
		p.Stage = StageCompleted
		ctx.SetCustomStatus(p)
		return nil
	}

	p.Stage = StageReconciling
	ctx.SetCustomStatus(p)
	for _, ev := range newEvents {
		if err := d.reconcileEvent(ctx, in, ev, p); err != nil {
			return err
		}
	}

	p.Stage = StageCompleted
	p.Current = nil
	ctx.SetCustomStatus(p)
	return nil
}

// reconcileEvent drives one new event to Committed.
func (d *Driver) reconcileEvent(ctx *workflow.Context, in Input, ev engine.Event, p *Progress) error {
	a := newApproval(ev)
	p.Current = a
	ctx.SetCustomStatus(p)
	logger := ctx.Logger().WithEvent(ev.UID, ev.Subject)
	known := addKnownInput{Key: d.opts.LineageKey, Event: ev}

	if !ev.DateUTC.After(ctx.Now()) {
		logger.WithField("date", ev.DateUTC).Info("Event is in the past, skipping")
		if err := a.advance(ApprovalSkipped); err != nil {
			return err
		}
		a.Outcome = OutcomeSkipped
		return d.commit(ctx, a, p)
	}

	// An overlapping run may have handled the event since the diff.
	already, err := workflow.CallActivity[bool](ctx, ActivityIsKnownEvent, known)
	if err != nil {
		return err
	}
	if already {
		logger.Info("Event was committed by another run, skipping")
		if err := a.advance(ApprovalSkipped); err != nil {
			return err
		}
		a.Outcome = OutcomeAlreadyKnown
		return d.close(ctx, a, p)
	}

	notes, err := d.notifications(ctx.InstanceID(), ev)
	if err != nil {
		return err
	}
	for _, n := range notes {
		if _, err := workflow.CallActivity[done](ctx, ActivitySendNotification, n); err != nil {
			return err
		}
	}
	if err := a.advance(ApprovalNotified); err != nil {
		return err
	}
	if err := a.advance(ApprovalAwaitingDecision); err != nil {
		return err
	}
	ctx.SetCustomStatus(p)

	outcome, err := d.awaitDecision(ctx, ev)
	if err != nil {
		return err
	}
	a.Outcome = outcome
	logger.WithField("outcome", outcome).Info("Decision received")

	if outcome != OutcomeApproved {
		if err := a.advance(ApprovalRejected); err != nil {
			return err
		}
		return d.commit(ctx, a, p)
	}

	if err := a.advance(ApprovalApproved); err != nil {
		return err
	}

	// Claim the event before the side effect: of two runs approving the same
	// event only the one whose add changes the record creates a task.
	claimed, err := workflow.CallActivity[bool](ctx, ActivityAddKnownEvent, known)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Info("Event was committed by another run, not creating a task")
		a.Outcome = OutcomeAlreadyKnown
		return d.close(ctx, a, p)
	}
	if err := d.createTask(ctx, in, ev); err != nil {
		if _, rerr := workflow.CallActivity[bool](ctx, ActivityRemoveKnownEvent, known); rerr != nil {
			logger.WithError(rerr).Warn("Failed to release event after task creation failed")
		}
		return err
	}
	return d.close(ctx, a, p)
}

func (d *Driver) createTask(ctx *workflow.Context, in Input, ev engine.Event) error {
	list, err := workflow.CallActivity[engine.TargetList](ctx, ActivityResolveTargetList, in.TargetListName)
	if err != nil {
		return err
	}
	req := engine.TaskRequest{ListID: list.ID, Subject: ev.Subject, Due: ev.DateUTC}
	_, err = workflow.CallActivity[done](ctx, ActivityCreateTask, req)
	return err
}

// awaitDecision waits for the decision on ev. Decisions raised for another
// event are dropped and the wait resumes with the deadline it started with.
func (d *Driver) awaitDecision(ctx *workflow.Context, ev engine.Event) (string, error) {
	timeout := d.opts.ApprovalTimeout
	var deadline time.Time
	if timeout > 0 {
		deadline = ctx.Now().Add(timeout)
	}

	for {
		if !deadline.IsZero() {
			timeout = deadline.Sub(ctx.Now())
			if timeout <= 0 {
				return OutcomeExpired, nil
			}
		}
		sig, err := ctx.WaitForSignal(ApprovalSignal, timeout)
		if err != nil {
			return "", err
		}
		if sig.Expired() {
			return OutcomeExpired, nil
		}

		var dec Decision
		if err := sig.Decode(&dec); err != nil {
			ctx.Logger().WithError(err).Warn("Undecodable approval decision, treating as rejected")
			return OutcomeRejected, nil
		}
		if !dec.appliesTo(ev) {
			ctx.Logger().WithEvent(ev.UID, ev.Subject).WithFields(map[string]interface{}{
				"decision_uid":     dec.EventUID,
				"decision_subject": dec.Subject,
				"source":           sig.Source,
			}).Warn("Dropping decision raised for another event")
			continue
		}
		if d.opts.Mode == ModeShortcut || dec.Approved {
			return OutcomeApproved, nil
		}
		return OutcomeRejected, nil
	}
}

// commit records the event as known and closes its approval.
func (d *Driver) commit(ctx *workflow.Context, a *Approval, p *Progress) error {
	in := addKnownInput{Key: d.opts.LineageKey, Event: a.event}
	if _, err := workflow.CallActivity[bool](ctx, ActivityAddKnownEvent, in); err != nil {
		return err
	}
	return d.close(ctx, a, p)
}

// close moves an approval whose event is known to Committed.
func (d *Driver) close(ctx *workflow.Context, a *Approval, p *Progress) error {
	if err := a.advance(ApprovalCommitted); err != nil {
		return err
	}
	p.Processed++
	ctx.SetCustomStatus(p)

	if !ctx.IsReplaying() {
		d.deps.Metrics.RecordApproval(a.Outcome)
		_ = d.deps.Events.PublishApproval(ctx.InstanceID(), a.UID, a.Subject, a.Outcome)
	}
	return nil
}

func (d *Driver) notifications(instanceID string, ev engine.Event) ([]engine.Notification, error) {
	base := engine.Notification{
		Description: ev.Subject,
		Priority:    d.opts.Priority,
		Application: d.opts.Application,
	}

	if d.opts.Mode == ModeShortcut {
		n := base
		n.EventLabel = LabelNewEvent
		n.URL = ShortcutLink(instanceID, ev.Subject)
		return []engine.Notification{n}, nil
	}

	approve, err := ApprovalLink(d.opts.ApprovalURL, instanceID, ev.UID, true)
	if err != nil {
		return nil, err
	}
	ignore, err := ApprovalLink(d.opts.ApprovalURL, instanceID, ev.UID, false)
	if err != nil {
		return nil, err
	}
	yes, no := base, base
	yes.EventLabel, yes.URL = LabelApprove, approve
	no.EventLabel, no.URL = LabelIgnore, ignore
	return []engine.Notification{yes, no}, nil
}
