package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "traverse.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestInstance(id string) (*Instance, *HistoryEntry) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 123456789, time.UTC)
	inst := &Instance{
		ID:        id,
		Workflow:  "reconcile",
		Status:    InstanceStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	started := &HistoryEntry{
		InstanceID: id,
		Seq:        0,
		Kind:       HistoryStarted,
		Payload:    `{"feedUrl":"https://example.test/cal.ics"}`,
		RecordedAt: now,
	}
	return inst, started
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"workflow_instances", "workflow_history", "workflow_signals", "entities", "exclusions", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst, started := newTestInstance("inst-1")
	if err := store.CreateInstance(ctx, inst, started); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	got, err := store.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to get instance: %v", err)
	}
	if got.Status != InstanceStatusRunning || got.Workflow != "reconcile" {
		t.Errorf("unexpected instance: %+v", got)
	}
	if !got.CreatedAt.Equal(inst.CreatedAt) {
		t.Errorf("created_at lost precision: %v != %v", got.CreatedAt, inst.CreatedAt)
	}

	signal := "ApprovalEvent"
	deadline := inst.CreatedAt.Add(72 * time.Hour)
	got.Status = InstanceStatusSuspended
	got.WaitingSignal = &signal
	got.WaitDeadline = &deadline
	got.CustomStatus = `{"driver":"Reconciling"}`
	if err := store.UpdateInstance(ctx, got); err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}

	suspended, err := store.ListInstances(ctx, InstanceStatusSuspended)
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(suspended) != 1 {
		t.Fatalf("expected 1 suspended instance, got %d", len(suspended))
	}
	if suspended[0].WaitingSignal == nil || *suspended[0].WaitingSignal != signal {
		t.Errorf("waiting signal not persisted")
	}
	if suspended[0].WaitDeadline == nil || !suspended[0].WaitDeadline.Equal(deadline) {
		t.Errorf("wait deadline not persisted")
	}

	if _, err := store.GetInstance(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	missing := &Instance{ID: "missing", UpdatedAt: time.Now()}
	if err := store.UpdateInstance(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst, started := newTestInstance("inst-1")
	if err := store.CreateInstance(ctx, inst, started); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	entry := &HistoryEntry{
		InstanceID: "inst-1",
		Seq:        1,
		Kind:       HistoryActivityCompleted,
		Name:       "FetchFeed",
		Payload:    `[]`,
		RecordedAt: inst.CreatedAt.Add(1500 * time.Nanosecond),
	}
	if err := store.AppendHistory(ctx, entry); err != nil {
		t.Fatalf("failed to append history: %v", err)
	}

	dup := *entry
	dup.Payload = `["changed"]`
	if err := store.AppendHistory(ctx, &dup); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict rewriting seq 1, got %v", err)
	}

	history, err := store.LoadHistory(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[1].Payload != `[]` {
		t.Errorf("history entry was overwritten: %s", history[1].Payload)
	}
	if !history[1].RecordedAt.Equal(entry.RecordedAt) {
		t.Errorf("recorded_at must round-trip exactly: %v != %v", history[1].RecordedAt, entry.RecordedAt)
	}
}

func TestConsumeSignal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst, started := newTestInstance("inst-1")
	if err := store.CreateInstance(ctx, inst, started); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}

	sig, err := store.ConsumeSignal(ctx, "inst-1", "ApprovalEvent", 1, inst.CreatedAt)
	if err != nil || sig != nil {
		t.Fatalf("expected no signal, got %v, %v", sig, err)
	}

	for _, payload := range []string{"true", "false"} {
		if err := store.EnqueueSignal(ctx, &Signal{
			InstanceID: "inst-1",
			Name:       "ApprovalEvent",
			Payload:    payload,
			Source:     "endpoint",
			ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
	}
	if err := store.EnqueueSignal(ctx, &Signal{InstanceID: "inst-1", Name: "Other", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if err := store.EnqueueSignal(ctx, &Signal{InstanceID: "inst-1", Name: "x", Payload: "{", ReceivedAt: time.Now()}); err == nil {
		t.Errorf("expected invalid JSON payload to be rejected")
	}

	pending, err := store.HasPendingSignal(ctx, "inst-1", "ApprovalEvent")
	if err != nil || !pending {
		t.Fatalf("expected pending signal, got %v, %v", pending, err)
	}

	sig, err = store.ConsumeSignal(ctx, "inst-1", "ApprovalEvent", 1, inst.CreatedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to consume: %v", err)
	}
	if sig == nil || sig.Payload != "true" {
		t.Fatalf("expected oldest signal, got %+v", sig)
	}

	pending, _ = store.HasPendingSignal(ctx, "inst-1", "ApprovalEvent")
	if !pending {
		t.Errorf("later signals with the same name must stay pending")
	}
	other, _ := store.HasPendingSignal(ctx, "inst-1", "Other")
	if !other {
		t.Errorf("signals with other names must be kept")
	}

	history, err := store.LoadHistory(ctx, "inst-1")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	last := history[len(history)-1]
	if last.Kind != HistorySignalReceived || last.Seq != 1 {
		t.Fatalf("unexpected history entry: %+v", last)
	}
	var rec SignalRecord
	if err := json.Unmarshal([]byte(last.Payload), &rec); err != nil {
		t.Fatalf("bad signal record: %v", err)
	}
	if string(rec.Payload) != "true" || rec.Source != "endpoint" {
		t.Errorf("unexpected signal record: %+v", rec)
	}

	sig, err = store.ConsumeSignal(ctx, "inst-1", "ApprovalEvent", 2, inst.CreatedAt.Add(2*time.Hour))
	if err != nil || sig == nil || sig.Payload != "false" {
		t.Fatalf("expected the second signal next, got %+v, %v", sig, err)
	}

	n, err := store.DiscardSignals(ctx, "inst-1")
	if err != nil || n != 1 {
		t.Errorf("expected to discard 1 signal, got %d, %v", n, err)
	}
}

func TestConsumeSignalRollsBackOnHistoryConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	inst, started := newTestInstance("inst-1")
	if err := store.CreateInstance(ctx, inst, started); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
	if err := store.EnqueueSignal(ctx, &Signal{InstanceID: "inst-1", Name: "ApprovalEvent", Payload: "true", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	// seq 0 is already taken by the started entry.
	if _, err := store.ConsumeSignal(ctx, "inst-1", "ApprovalEvent", 0, time.Now()); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	pending, _ := store.HasPendingSignal(ctx, "inst-1", "ApprovalEvent")
	if !pending {
		t.Errorf("signal must stay pending when the history write fails")
	}
}

func TestEntityCompareAndSwap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetEntity(ctx, "calendarEntries"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	v1, err := store.SaveEntity(ctx, "calendarEntries", `{"events":[]}`, 0)
	if err != nil || v1 != 1 {
		t.Fatalf("first save: version %d, err %v", v1, err)
	}
	if _, err := store.SaveEntity(ctx, "calendarEntries", `{"events":[]}`, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("second insert must conflict, got %v", err)
	}

	v2, err := store.SaveEntity(ctx, "calendarEntries", `{"events":[{"uid":"1"}]}`, v1)
	if err != nil || v2 != 2 {
		t.Fatalf("update: version %d, err %v", v2, err)
	}
	if _, err := store.SaveEntity(ctx, "calendarEntries", `{}`, v1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update must conflict, got %v", err)
	}

	entity, err := store.GetEntity(ctx, "calendarEntries")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if entity.Version != 2 || entity.State != `{"events":[{"uid":"1"}]}` {
		t.Errorf("unexpected entity: %+v", entity)
	}

	if err := store.DeleteEntity(ctx, "calendarEntries"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := store.DeleteEntity(ctx, "calendarEntries"); err != nil {
		t.Errorf("deleting a missing entity must succeed: %v", err)
	}
}

func TestEntityConcurrentWritersOneWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.SaveEntity(ctx, "k", `{}`, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.SaveEntity(ctx, "k", `{"x":1}`, 1); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one writer to win, got %d", successes)
	}
}

func TestExclusions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.AddExclusion(ctx, &Exclusion{ID: "a", Subject: "  Team Lunch  "}); err != nil {
		t.Fatalf("failed to add exclusion: %v", err)
	}
	if err := store.AddExclusion(ctx, &Exclusion{ID: "b", Subject: "   "}); err == nil {
		t.Errorf("blank subject must be rejected")
	}

	list, err := store.ListExclusions(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 1 || list[0].Subject != "Team Lunch" {
		t.Fatalf("unexpected exclusions: %+v", list)
	}

	if err := store.DeleteExclusion(ctx, "a"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := store.DeleteExclusion(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "inst-1"
	for _, action := range []string{"instance.started", "signal.raised", "instance.completed"} {
		if err := store.CreateAuditEntry(ctx, &AuditEntry{Action: action, Actor: "runtime", TargetID: &target}); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
	}

	all, err := store.ListAuditEntries(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 3 || all[0].Action != "instance.completed" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	action := "signal.raised"
	filtered, err := store.ListAuditEntries(ctx, &action, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("expected 1 filtered entry, got %d", len(filtered))
	}
}
