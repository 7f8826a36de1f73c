package reconcile

import (
	"context"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

// Activity names. They are recorded in history, so renaming one breaks
// replay of instances started before the rename.
const (
	ActivityFetchFeed           = "FetchFeed"
	ActivityGetKnownEvents      = "GetKnownEvents"
	ActivityGetExcludedSubjects = "GetExcludedSubjects"
	ActivitySetKnownEvents      = "SetKnownEvents"
	ActivityAddKnownEvent       = "AddKnownEvent"
	ActivityIsKnownEvent        = "IsKnownEvent"
	ActivityRemoveKnownEvent    = "RemoveKnownEvent"
	ActivitySendNotification    = "SendNotification"
	ActivityResolveTargetList   = "ResolveTargetList"
	ActivityCreateTask          = "CreateTask"
)

type setKnownInput struct {
	Key    string         `json:"key"`
	Events []engine.Event `json:"events"`
}

type addKnownInput struct {
	Key   string       `json:"key"`
	Event engine.Event `json:"event"`
}

type done struct{}

// activities binds collaborators to activity functions.
type activities struct {
	deps Dependencies
}

func (a *activities) register(rt *workflow.Runtime) {
	workflow.RegisterActivity(rt, ActivityFetchFeed, a.fetchFeed)
	workflow.RegisterActivity(rt, ActivityGetKnownEvents, a.getKnownEvents)
	workflow.RegisterActivity(rt, ActivityGetExcludedSubjects, a.getExcludedSubjects)
	workflow.RegisterActivity(rt, ActivitySetKnownEvents, a.setKnownEvents)
	workflow.RegisterActivity(rt, ActivityAddKnownEvent, a.addKnownEvent)
	workflow.RegisterActivity(rt, ActivityIsKnownEvent, a.isKnownEvent)
	workflow.RegisterActivity(rt, ActivityRemoveKnownEvent, a.removeKnownEvent)
	workflow.RegisterActivity(rt, ActivitySendNotification, a.sendNotification)
	workflow.RegisterActivity(rt, ActivityResolveTargetList, a.resolveTargetList)
	workflow.RegisterActivity(rt, ActivityCreateTask, a.createTask)
}

func (a *activities) fetchFeed(ctx context.Context, url string) ([]engine.Event, error) {
	events, err := a.deps.Feed.FetchFeed(ctx, url)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Normalize()
	}
	return out, nil
}

func (a *activities) getKnownEvents(ctx context.Context, key string) ([]engine.Event, error) {
	set, err := a.deps.Known.Entity(key).GetEvents(ctx)
	if err != nil {
		return nil, err
	}
	return set.Events(), nil
}

func (a *activities) getExcludedSubjects(ctx context.Context, _ struct{}) ([]string, error) {
	subjects, err := a.deps.Exclusions.GetExcludedSubjects(ctx)
	if err != nil {
		return nil, err
	}
	if subjects == nil {
		subjects = []string{}
	}
	return subjects, nil
}

func (a *activities) setKnownEvents(ctx context.Context, in setKnownInput) (done, error) {
	return done{}, a.deps.Known.Entity(in.Key).SetEvents(ctx, in.Events)
}

func (a *activities) addKnownEvent(ctx context.Context, in addKnownInput) (bool, error) {
	return a.deps.Known.Entity(in.Key).AddEvent(ctx, in.Event)
}

func (a *activities) isKnownEvent(ctx context.Context, in addKnownInput) (bool, error) {
	set, err := a.deps.Known.Entity(in.Key).GetEvents(ctx)
	if err != nil {
		return false, err
	}
	return set.Contains(in.Event), nil
}

func (a *activities) removeKnownEvent(ctx context.Context, in addKnownInput) (bool, error) {
	return a.deps.Known.Entity(in.Key).RemoveEvent(ctx, in.Event)
}

// sendNotification retries every failure until attempts run out.
func (a *activities) sendNotification(ctx context.Context, n engine.Notification) (done, error) {
	err := a.deps.Notifier.SendNotification(ctx, n)
	if err != nil && !engine.IsRetryable(err) {
		err = engine.NewTransientError("notification was not delivered", err).
			WithCode(engine.ErrCodeCollaborator)
	}
	return done{}, err
}

func (a *activities) resolveTargetList(ctx context.Context, name string) (engine.TargetList, error) {
	lists, err := a.deps.Tasks.ListAvailableTargetLists(ctx)
	if err != nil {
		return engine.TargetList{}, err
	}
	return engine.ResolveTargetList(lists, name)
}

func (a *activities) createTask(ctx context.Context, req engine.TaskRequest) (done, error) {
	if info, ok := workflow.ActivityInfoFromContext(ctx); ok {
		req.RequestID = info.IdempotencyKey()
	}
	return done{}, a.deps.Tasks.CreateTask(ctx, req)
}
