package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/knownevents"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

const testApprovalURL = "https://traverse.example.com/api/approval?code=secret"

type fakeFeed struct {
	mu     sync.Mutex
	events []engine.Event
	err    error
	calls  int
}

func (f *fakeFeed) FetchFeed(ctx context.Context, url string) ([]engine.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]engine.Event(nil), f.events...), nil
}

func (f *fakeFeed) set(events ...engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func (f *fakeFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExclusions struct {
	subjects []string
}

func (f *fakeExclusions) GetExcludedSubjects(ctx context.Context) ([]string, error) {
	return f.subjects, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []engine.Notification
	calls int
	err   error

	// Sends for holdSubject block until release is closed; held is closed
	// when the first of them arrives.
	holdSubject string
	held        chan struct{}
	release     chan struct{}
	heldOnce    sync.Once
}

// hold makes sends for subject block until the returned func is called.
func (n *recordingNotifier) hold(subject string) (held <-chan struct{}, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdSubject = subject
	n.held = make(chan struct{})
	n.release = make(chan struct{})
	return n.held, func() { close(n.release) }
}

func (n *recordingNotifier) SendNotification(ctx context.Context, msg engine.Notification) error {
	n.mu.Lock()
	subject, held, release := n.holdSubject, n.held, n.release
	n.mu.Unlock()
	if subject != "" && msg.Description == subject {
		n.heldOnce.Do(func() { close(held) })
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Sent() []engine.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]engine.Notification(nil), n.sent...)
}

func (n *recordingNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fakeTasks struct {
	mu      sync.Mutex
	lists   []engine.TargetList
	created []engine.TaskRequest
}

func (f *fakeTasks) ListAvailableTargetLists(ctx context.Context) ([]engine.TargetList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.TargetList(nil), f.lists...), nil
}

func (f *fakeTasks) CreateTask(ctx context.Context, req engine.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return nil
}

func (f *fakeTasks) Created() []engine.TaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.TaskRequest(nil), f.created...)
}

type harness struct {
	store    *stores.SQLiteStore
	rt       *workflow.Runtime
	known    *knownevents.Registry
	driver   *Driver
	feed     *fakeFeed
	excluded *fakeExclusions
	notifier *recordingNotifier
	tasks    *fakeTasks
}

func setupStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "reconcile.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T, store *stores.SQLiteStore, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		feed:     &fakeFeed{},
		excluded: &fakeExclusions{},
		notifier: &recordingNotifier{},
		tasks:    &fakeTasks{lists: []engine.TargetList{{ID: "p1", Name: "Inbox"}, {ID: "p2", Name: "Family"}}},
	}
	h.start(t, opts)
	return h
}

// start builds a runtime, registry and driver over the harness store and collaborators.
func (h *harness) start(t *testing.T, opts Options) {
	t.Helper()
	retry := workflow.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
	h.rt = workflow.NewRuntime(h.store, workflow.WithRetryPolicy(retry))
	h.known = knownevents.NewRegistry(h.store)

	if opts.ApprovalURL == "" && opts.Mode != ModeShortcut {
		opts.ApprovalURL = testApprovalURL
	}
	d, err := Register(h.rt, Dependencies{
		Feed:       h.feed,
		Exclusions: h.excluded,
		Notifier:   h.notifier,
		Tasks:      h.tasks,
		Known:      h.known,
	}, opts)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h.driver = d

	rt, known := h.rt, h.known
	t.Cleanup(func() { h.shutdown(rt, known) })
}

func (h *harness) shutdown(rt *workflow.Runtime, known *knownevents.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rt.Close(ctx)
	known.Close()
}

func (h *harness) run(t *testing.T) string {
	t.Helper()
	id, err := h.driver.Start(context.Background(), Input{FeedURL: "https://calendar.example.com/feed.ics", TargetListName: "inbox"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return id
}

func (h *harness) knownEvents(t *testing.T) *engine.EventSet {
	t.Helper()
	set, err := h.known.Entity(DefaultLineageKey).GetEvents(context.Background())
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	return set
}

func waitForStatus(t *testing.T, d *Driver, id string, want stores.InstanceStatus) *workflow.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := d.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s stuck in %s, want %s (error %q)", id, st.Status, want, st.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func progressOf(t *testing.T, st *workflow.Status) Progress {
	t.Helper()
	var p Progress
	if err := json.Unmarshal(st.CustomStatus, &p); err != nil {
		t.Fatalf("failed to decode custom status %s: %v", st.CustomStatus, err)
	}
	return p
}

func futureEvent(uid, subject string) engine.Event {
	return engine.NewEvent(uid, subject, time.Now().Add(48*time.Hour).Truncate(time.Second))
}

func TestApprovedEventCreatesTask(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if st.WaitingSignal != ApprovalSignal {
		t.Errorf("waiting on %q, want %q", st.WaitingSignal, ApprovalSignal)
	}
	if p := progressOf(t, st); p.Current == nil || p.Current.State != ApprovalAwaitingDecision {
		t.Errorf("expected current approval awaiting decision, got %+v", p.Current)
	}

	sent := h.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(sent))
	}
	if sent[0].EventLabel != LabelApprove || sent[1].EventLabel != LabelIgnore {
		t.Errorf("unexpected labels %q, %q", sent[0].EventLabel, sent[1].EventLabel)
	}
	for i, want := range []string{"approvestate=true", "approvestate=false"} {
		if !strings.Contains(sent[i].URL, want) || !strings.Contains(sent[i].URL, "instanceid="+id) {
			t.Errorf("notification %d URL %q missing %s or instance id", i, sent[i].URL, want)
		}
		if sent[i].Description != "Dentist" || sent[i].Application != DefaultApplication {
			t.Errorf("notification %d = %+v", i, sent[i])
		}
	}

	if err := h.driver.Approve(context.Background(), id, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	st = waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if p := progressOf(t, st); p.Stage != StageCompleted || p.Processed != 1 {
		t.Errorf("unexpected progress %+v", p)
	}

	created := h.tasks.Created()
	if len(created) != 1 {
		t.Fatalf("expected 1 task, got %d", len(created))
	}
	task := created[0]
	if task.ListID != "p1" || task.Subject != "Dentist" || !task.Due.Equal(dentist.DateUTC) {
		t.Errorf("unexpected task %+v", task)
	}
	if task.RequestID == "" || !strings.HasPrefix(task.RequestID, id+"-") {
		t.Errorf("task request id %q is not derived from the instance", task.RequestID)
	}

	if !h.knownEvents(t).Contains(dentist) {
		t.Error("approved event is not recorded as known")
	}
}

func TestRejectedEventIsKnownWithoutTask(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if err := h.driver.Approve(context.Background(), id, false, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)

	if n := len(h.tasks.Created()); n != 0 {
		t.Errorf("expected no task, got %d", n)
	}
	if !h.knownEvents(t).Contains(dentist) {
		t.Error("rejected event is not recorded as known")
	}
}

func TestBulkSeedOverwritesKnownEvents(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	for i := 0; i < 150; i++ {
		h.feed.events = append(h.feed.events, futureEvent(fmt.Sprintf("uid-%d", i), fmt.Sprintf("Event %d", i)))
	}

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if p := progressOf(t, st); p.NewEvents != 150 || p.Stage != StageCompleted {
		t.Errorf("unexpected progress %+v", p)
	}
	if n := h.notifier.Calls(); n != 0 {
		t.Errorf("expected no notifications, got %d", n)
	}
	if n := h.knownEvents(t).Len(); n != 150 {
		t.Errorf("expected 150 known events, got %d", n)
	}
}

func TestBelowThresholdApprovesOneByOne(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	for i := 0; i < 50; i++ {
		h.feed.events = append(h.feed.events, futureEvent(fmt.Sprintf("uid-%d", i), fmt.Sprintf("Event %d", i)))
	}

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	p := progressOf(t, st)
	if p.NewEvents != 50 || p.Stage != StageReconciling {
		t.Errorf("unexpected progress %+v", p)
	}
	if p.Current == nil || p.Current.UID != "uid-0" {
		t.Errorf("expected the first feed event to be pending, got %+v", p.Current)
	}
	if n := len(h.notifier.Sent()); n != 2 {
		t.Errorf("expected notifications for one event only, got %d", n)
	}
	if n := h.knownEvents(t).Len(); n != 0 {
		t.Errorf("expected nothing known yet, got %d", n)
	}
}

func TestPastEventIsSkipped(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	past := engine.NewEvent("old", "Yesterday", time.Now().Add(-24*time.Hour))
	h.feed.events = []engine.Event{past}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)

	if n := h.notifier.Calls(); n != 0 {
		t.Errorf("expected no notifications, got %d", n)
	}
	if n := len(h.tasks.Created()); n != 0 {
		t.Errorf("expected no tasks, got %d", n)
	}
	if !h.knownEvents(t).Contains(past) {
		t.Error("skipped event is not recorded as known")
	}
}

func TestKnownAndExcludedEventsAreIgnored(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	seen := futureEvent("1", "Standup")
	excluded := futureEvent("2", "Dentist")
	h.feed.events = []engine.Event{seen, excluded}
	h.excluded.subjects = []string{"  DENTIST "}

	if _, err := h.known.Entity(DefaultLineageKey).AddEvent(context.Background(), seen); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if p := progressOf(t, st); p.NewEvents != 0 || p.KnownEvents != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
	if n := h.notifier.Calls(); n != 0 {
		t.Errorf("expected no notifications, got %d", n)
	}
}

func TestSignalForUnknownInstanceHasNoEffect(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	h.feed.events = []engine.Event{futureEvent("1", "Dentist")}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)

	err := h.driver.Approve(context.Background(), "no-such-run", true, "test")
	if !engine.HasCode(err, engine.ErrCodeInstanceNotFound) {
		t.Fatalf("expected INSTANCE_NOT_FOUND, got %v", err)
	}
	err = h.driver.Approve(context.Background(), "", true, "test")
	if !engine.HasCode(err, engine.ErrCodeMalformedSignal) {
		t.Fatalf("expected MALFORMED_SIGNAL, got %v", err)
	}

	st := waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if st.WaitingSignal != ApprovalSignal {
		t.Errorf("run stopped waiting: %+v", st)
	}
	if n := len(h.tasks.Created()); n != 0 {
		t.Errorf("expected no task, got %d", n)
	}
}

func TestMissingTargetListFailsRun(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	h.tasks.lists = []engine.TargetList{{ID: "p9", Name: "Work"}}
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if err := h.driver.Approve(context.Background(), id, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusFailed)
	if !strings.Contains(st.Error, "no task list named") {
		t.Errorf("expected target resolution failure, got %q", st.Error)
	}
	if h.knownEvents(t).Contains(dentist) {
		t.Error("event without a committed task must not become known")
	}
}

func TestNotificationFailureIsRetriedThenHalts(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	h.notifier.err = errors.New("prowl returned 500")
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusFailed)

	if n := h.notifier.Calls(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if h.knownEvents(t).Len() != 0 {
		t.Error("known events changed after a failed notification")
	}
}

func TestMalformedFeedFailsRun(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	h.feed.err = engine.NewMalformedFeedError("bad calendar", nil)

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusFailed)
	if !strings.Contains(st.Error, "bad calendar") {
		t.Errorf("expected malformed feed failure, got %q", st.Error)
	}
	if n := h.feed.Calls(); n != 1 {
		t.Errorf("malformed feed must not be retried, got %d calls", n)
	}
}

func TestShortcutModeApprovesOnAnySignal(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{Mode: ModeShortcut})
	h.feed.events = []engine.Event{futureEvent("1", "Team sync")}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)

	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	if sent[0].EventLabel != LabelNewEvent || sent[0].URL != ShortcutLink(id, "Team sync") {
		t.Errorf("unexpected notification %+v", sent[0])
	}

	got, err := h.driver.RaiseShortcut(context.Background(), id+ShortcutSeparator+"Team sync", "test")
	if err != nil {
		t.Fatalf("RaiseShortcut failed: %v", err)
	}
	if got != id {
		t.Errorf("RaiseShortcut routed to %q, want %q", got, id)
	}
	waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if n := len(h.tasks.Created()); n != 1 {
		t.Errorf("expected 1 task, got %d", n)
	}
}

func TestApprovalTimeoutRejects(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{ApprovalTimeout: 50 * time.Millisecond})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if p := progressOf(t, st); p.Processed != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
	if n := len(h.tasks.Created()); n != 0 {
		t.Errorf("expected no task after expiry, got %d", n)
	}
	if !h.knownEvents(t).Contains(dentist) {
		t.Error("expired event is not recorded as known")
	}
}

func TestWaitingRunSurvivesRestart(t *testing.T) {
	store := setupStore(t)
	h := newHarness(t, store, Options{})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	h.shutdown(h.rt, h.known)

	h.start(t, Options{})
	n, err := h.rt.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 recovered run, got %d", n)
	}

	if err := h.driver.Approve(context.Background(), id, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)

	if n := h.notifier.Calls(); n != 2 {
		t.Errorf("notifications were re-sent on replay: %d calls", n)
	}
	if n := h.feed.Calls(); n != 1 {
		t.Errorf("feed was fetched again on replay: %d calls", n)
	}
	if n := len(h.tasks.Created()); n != 1 {
		t.Errorf("expected 1 task, got %d", n)
	}
	if !h.knownEvents(t).Contains(dentist) {
		t.Error("event is not recorded as known after restart")
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	store := setupStore(t)
	h := newHarness(t, store, Options{})

	for _, in := range []Input{
		{TargetListName: "inbox"},
		{FeedURL: "not a url", TargetListName: "inbox"},
		{FeedURL: "https://calendar.example.com/feed.ics"},
	} {
		_, err := h.driver.Start(context.Background(), in)
		if !engine.HasCode(err, engine.ErrCodeConfig) {
			t.Errorf("Start(%+v) = %v, want CONFIG_ERROR", in, err)
		}
	}

	instances, err := store.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("expected no instances, got %d", len(instances))
	}
}

func TestRegisterValidatesConfiguration(t *testing.T) {
	store := setupStore(t)
	rt := workflow.NewRuntime(store)
	defer func() { _ = rt.Close(context.Background()) }()
	known := knownevents.NewRegistry(store)
	defer known.Close()

	deps := Dependencies{
		Feed:       &fakeFeed{},
		Exclusions: &fakeExclusions{},
		Notifier:   &recordingNotifier{},
		Tasks:      &fakeTasks{},
		Known:      known,
	}

	if _, err := Register(rt, deps, Options{}); !engine.HasCode(err, engine.ErrCodeConfig) {
		t.Errorf("binary mode without approval URL: got %v", err)
	}
	if _, err := Register(rt, deps, Options{Mode: "carrier-pigeon", ApprovalURL: testApprovalURL}); !engine.HasCode(err, engine.ErrCodeConfig) {
		t.Errorf("unknown mode: got %v", err)
	}
	missing := deps
	missing.Notifier = nil
	if _, err := Register(rt, missing, Options{ApprovalURL: testApprovalURL}); !engine.HasCode(err, engine.ErrCodeConfig) {
		t.Errorf("missing notifier: got %v", err)
	}

	d, err := Register(rt, deps, Options{ApprovalURL: testApprovalURL})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	opts := d.Options()
	if opts.LineageKey != DefaultLineageKey || opts.BulkSeedThreshold != DefaultBulkSeedThreshold || opts.Mode != ModeBinary {
		t.Errorf("defaults not applied: %+v", opts)
	}
}

func TestRepeatedDecisionDoesNotDecideNextEvent(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	first := futureEvent("1", "First")
	second := futureEvent("2", "Second")
	h.feed.events = []engine.Event{first, second}
	held, release := h.notifier.hold("Second")
	ctx := context.Background()

	id := h.run(t)
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if p := progressOf(t, st); p.Current == nil || p.Current.UID != "1" {
		t.Fatalf("expected the run to wait on the first event, got %+v", p.Current)
	}
	if err := h.driver.Approve(ctx, id, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	select {
	case <-held:
	case <-time.After(10 * time.Second):
		t.Fatal("run never reached the second event")
	}
	// Late taps on the first event's links while the second one is notified.
	if err := h.driver.Approve(ctx, id, true, "test"); err != nil {
		t.Fatalf("repeated Approve failed: %v", err)
	}
	if err := h.driver.ApproveEvent(ctx, id, "1", true, "test"); err != nil {
		t.Fatalf("ApproveEvent failed: %v", err)
	}
	release()

	st = waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	p := progressOf(t, st)
	if p.Current == nil || p.Current.UID != "2" || p.Current.State != ApprovalAwaitingDecision {
		t.Fatalf("second event must still await its own decision, got %+v", p.Current)
	}
	created := h.tasks.Created()
	if len(created) != 1 || created[0].Subject != "First" {
		t.Fatalf("expected one task for First, got %+v", created)
	}

	if err := h.driver.ApproveEvent(ctx, id, "2", false, "test"); err != nil {
		t.Fatalf("ApproveEvent failed: %v", err)
	}
	waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	if n := len(h.tasks.Created()); n != 1 {
		t.Errorf("rejecting the second event created a task: %d tasks", n)
	}
	known := h.knownEvents(t)
	if !known.Contains(first) || !known.Contains(second) {
		t.Error("both events must be known")
	}
}

func TestApprovalLinksCarryEventUID(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	h.feed.events = []engine.Event{futureEvent("evt-42", "Dentist")}

	id := h.run(t)
	waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	for _, n := range h.notifier.Sent() {
		if !strings.Contains(n.URL, "eventuid=evt-42") {
			t.Errorf("link %q does not name its event", n.URL)
		}
	}

	// A shortcut decision for another subject is dropped.
	if _, err := h.driver.RaiseShortcut(context.Background(), id+ShortcutSeparator+"Haircut", "test"); err != nil {
		t.Fatalf("RaiseShortcut failed: %v", err)
	}
	if err := h.rt.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	st := waitForStatus(t, h.driver, id, stores.InstanceStatusSuspended)
	if p := progressOf(t, st); p.Current == nil || p.Current.State != ApprovalAwaitingDecision {
		t.Errorf("decision for another subject was applied: %+v", p.Current)
	}
	if n := len(h.tasks.Created()); n != 0 {
		t.Errorf("expected no task, got %d", n)
	}
}

func TestDecisionResumesOnlyItsInstance(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}

	a := h.run(t)
	waitForStatus(t, h.driver, a, stores.InstanceStatusSuspended)
	b := h.run(t)
	waitForStatus(t, h.driver, b, stores.InstanceStatusSuspended)

	if err := h.driver.Approve(context.Background(), a, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitForStatus(t, h.driver, a, stores.InstanceStatusCompleted)

	st, err := h.driver.Status(context.Background(), b)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Status != stores.InstanceStatusSuspended || st.WaitingSignal != ApprovalSignal {
		t.Errorf("run %s was resumed by a decision for %s: %+v", b, a, st)
	}
	if n := len(h.tasks.Created()); n != 1 {
		t.Errorf("expected exactly 1 task, got %d", n)
	}
}

func TestOverlappingRunsCreateOneTask(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	dentist := futureEvent("1", "Dentist")
	h.feed.events = []engine.Event{dentist}
	ctx := context.Background()

	a := h.run(t)
	waitForStatus(t, h.driver, a, stores.InstanceStatusSuspended)
	b := h.run(t)
	waitForStatus(t, h.driver, b, stores.InstanceStatusSuspended)

	for _, id := range []string{a, b} {
		if err := h.driver.Approve(ctx, id, true, "test"); err != nil {
			t.Fatalf("Approve(%s) failed: %v", id, err)
		}
		waitForStatus(t, h.driver, id, stores.InstanceStatusCompleted)
	}

	if n := len(h.tasks.Created()); n != 1 {
		t.Fatalf("expected 1 task for one event, got %d", n)
	}
	st, err := h.driver.Status(ctx, b)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if p := progressOf(t, st); p.Current == nil || p.Current.Outcome != OutcomeAlreadyKnown {
		t.Errorf("second run outcome = %+v, want %s", p.Current, OutcomeAlreadyKnown)
	}

}

func TestRunSkipsEventCommittedMeanwhile(t *testing.T) {
	h := newHarness(t, setupStore(t), Options{})
	dentist := futureEvent("1", "Dentist")
	haircut := futureEvent("2", "Haircut")
	ctx := context.Background()

	h.feed.set(dentist)
	a := h.run(t)
	waitForStatus(t, h.driver, a, stores.InstanceStatusSuspended)

	// b diffs both events as new and asks about the haircut first.
	h.feed.set(haircut, dentist)
	b := h.run(t)
	st := waitForStatus(t, h.driver, b, stores.InstanceStatusSuspended)
	if p := progressOf(t, st); p.Current == nil || p.Current.UID != "2" {
		t.Fatalf("expected b to wait on the haircut, got %+v", p.Current)
	}

	if err := h.driver.Approve(ctx, a, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitForStatus(t, h.driver, a, stores.InstanceStatusCompleted)
	if err := h.driver.Approve(ctx, b, true, "test"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	st = waitForStatus(t, h.driver, b, stores.InstanceStatusCompleted)

	if p := progressOf(t, st); p.Current == nil || p.Current.UID != "1" || p.Current.Outcome != OutcomeAlreadyKnown {
		t.Errorf("dentist must be skipped by b, got %+v", p.Current)
	}
	if n := h.notifier.Calls(); n != 4 {
		t.Errorf("expected 4 notifications (2 per run), got %d", n)
	}
	created := h.tasks.Created()
	if len(created) != 2 || created[0].Subject != "Dentist" || created[1].Subject != "Haircut" {
		t.Errorf("unexpected tasks %+v", created)
	}
}
