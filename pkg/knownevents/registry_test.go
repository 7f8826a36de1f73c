package knownevents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
)

// memoryPersister is an in-memory Persister with the same version semantics
// as the SQLite store.
type memoryPersister struct {
	mu       sync.Mutex
	entities map[string]*stores.Entity
	saves    int
	failNext error
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{entities: make(map[string]*stores.Entity)}
}

func (m *memoryPersister) GetEntity(ctx context.Context, key string) (*stores.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[key]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", key, stores.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *memoryPersister) SaveEntity(ctx context.Context, key, state string, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return 0, err
	}
	current, ok := m.entities[key]
	switch {
	case !ok && expected != 0, ok && current.Version != expected:
		return 0, stores.ErrVersionConflict
	}
	m.saves++
	m.entities[key] = &stores.Entity{Key: key, State: state, Version: expected + 1, UpdatedAt: time.Now()}
	return expected + 1, nil
}

func (m *memoryPersister) DeleteEntity(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, key)
	return nil
}

func (m *memoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

var when = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

func dentist() engine.Event {
	return engine.NewEvent("1", "Dentist", when)
}

func TestLazyCreationAndSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemoryPersister())
	defer reg.Close()

	events, err := reg.Entity("calendarEntries").GetEvents(ctx)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if events.Len() != 0 {
		t.Fatalf("new key should be empty, got %d events", events.Len())
	}

	// Mutating the snapshot must not leak into the actor.
	events.Add(dentist())
	again, _ := reg.Entity("calendarEntries").GetEvents(ctx)
	if again.Len() != 0 {
		t.Error("snapshot mutation leaked into the record")
	}
}

func TestAddAndRemoveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryPersister()
	reg := NewRegistry(store)
	defer reg.Close()
	h := reg.Entity("calendarEntries")

	changed, err := h.AddEvent(ctx, dentist())
	if err != nil || !changed {
		t.Fatalf("first AddEvent: changed=%v err=%v", changed, err)
	}
	changed, err = h.AddEvent(ctx, dentist())
	if err != nil || changed {
		t.Fatalf("second AddEvent should be a no-op: changed=%v err=%v", changed, err)
	}
	if store.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", store.Saves())
	}

	changed, err = h.RemoveEvent(ctx, dentist())
	if err != nil || !changed {
		t.Fatalf("first RemoveEvent: changed=%v err=%v", changed, err)
	}
	changed, err = h.RemoveEvent(ctx, dentist())
	if err != nil || changed {
		t.Fatalf("second RemoveEvent should be a no-op: changed=%v err=%v", changed, err)
	}
}

func TestConcurrentAddEventStoresOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemoryPersister()
	reg := NewRegistry(store)
	defer reg.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	changes := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := reg.Entity("calendarEntries").AddEvent(ctx, dentist())
			if err != nil {
				t.Errorf("AddEvent failed: %v", err)
				return
			}
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changes != 1 {
		t.Errorf("expected exactly one AddEvent to change the record, got %d", changes)
	}
	events, err := reg.Entity("calendarEntries").GetEvents(ctx)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if events.Len() != 1 {
		t.Errorf("expected 1 event, got %d", events.Len())
	}
}

func TestSetEventsOverwritesAndDedupes(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemoryPersister())
	defer reg.Close()
	h := reg.Entity("calendarEntries")

	if _, err := h.AddEvent(ctx, engine.NewEvent("old", "Old", when)); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	if err := h.SetEvents(ctx, []engine.Event{dentist(), dentist(), engine.NewEvent("2", "Gym", when)}); err != nil {
		t.Fatalf("SetEvents failed: %v", err)
	}

	events, _ := h.GetEvents(ctx)
	if events.Len() != 2 {
		t.Fatalf("expected 2 events after overwrite, got %d", events.Len())
	}
	if events.Contains(engine.NewEvent("old", "Old", when)) {
		t.Error("overwrite should drop previous events")
	}
}

func TestFailedSaveLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemoryPersister()
	reg := NewRegistry(store)
	defer reg.Close()
	h := reg.Entity("calendarEntries")

	store.mu.Lock()
	store.failNext = errors.New("disk full")
	store.mu.Unlock()

	if _, err := h.AddEvent(ctx, dentist()); !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	events, _ := h.GetEvents(ctx)
	if events.Len() != 0 {
		t.Error("a failed save must not be observable")
	}

	if changed, err := h.AddEvent(ctx, dentist()); err != nil || !changed {
		t.Fatalf("retry after failure: changed=%v err=%v", changed, err)
	}
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	store := newMemoryPersister()
	reg := NewRegistry(store)
	defer reg.Close()
	h := reg.Entity("calendarEntries")

	if _, err := h.AddEvent(ctx, dentist()); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	if err := h.DeleteEntity(ctx); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	events, _ := h.GetEvents(ctx)
	if events.Len() != 0 {
		t.Error("record should be empty after delete")
	}
	if _, err := store.GetEntity(ctx, "calendarEntries"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("entity should be gone from storage, got %v", err)
	}

	// Writing again starts from version zero.
	if changed, err := h.AddEvent(ctx, dentist()); err != nil || !changed {
		t.Fatalf("AddEvent after delete: changed=%v err=%v", changed, err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newMemoryPersister())
	defer reg.Close()

	if _, err := reg.Entity("a").AddEvent(ctx, dentist()); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	events, _ := reg.Entity("b").GetEvents(ctx)
	if events.Len() != 0 {
		t.Error("keys must not share state")
	}
}

func TestClosedRegistryRejectsCommands(t *testing.T) {
	reg := NewRegistry(newMemoryPersister())
	h := reg.Entity("calendarEntries")
	if _, err := h.GetEvents(context.Background()); err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	reg.Close()
	reg.Close()

	if _, err := h.AddEvent(context.Background(), dentist()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func setupSQLite(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "known.db")})
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

func TestPersistsAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	store := setupSQLite(t)

	first := NewRegistry(store)
	if _, err := first.Entity("calendarEntries").AddEvent(ctx, dentist()); err != nil {
		t.Fatalf("AddEvent failed: %v", err)
	}
	first.Close()

	second := NewRegistry(store)
	defer second.Close()
	events, err := second.Entity("calendarEntries").GetEvents(ctx)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if !events.Contains(dentist()) {
		t.Error("event should survive a registry restart")
	}
}

func TestConflictBetweenProcessesReloads(t *testing.T) {
	ctx := context.Background()
	store := setupSQLite(t)

	a := NewRegistry(store)
	defer a.Close()
	b := NewRegistry(store)
	defer b.Close()

	// Both actors load version 0.
	if _, err := a.Entity("calendarEntries").GetEvents(ctx); err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if _, err := b.Entity("calendarEntries").GetEvents(ctx); err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}

	if _, err := a.Entity("calendarEntries").AddEvent(ctx, dentist()); err != nil {
		t.Fatalf("AddEvent on a failed: %v", err)
	}

	gym := engine.NewEvent("2", "Gym", when)
	_, err := b.Entity("calendarEntries").AddEvent(ctx, gym)
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict from stale actor, got %v", err)
	}

	// The stale actor reloads and the retry sees both writes.
	if changed, err := b.Entity("calendarEntries").AddEvent(ctx, gym); err != nil || !changed {
		t.Fatalf("retry after conflict: changed=%v err=%v", changed, err)
	}
	events, _ := b.Entity("calendarEntries").GetEvents(ctx)
	if events.Len() != 2 {
		t.Errorf("expected 2 events after reload, got %d", events.Len())
	}
}
