package exclusions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// Store persists administered exclusions.
type Store interface {
	AddExclusion(ctx context.Context, ex *stores.Exclusion) error
	ListExclusions(ctx context.Context) ([]*stores.Exclusion, error)
	DeleteExclusion(ctx context.Context, id string) error
}

// Source implements engine.ExclusionSource over a store and an optional file.
type Source struct {
	store  Store
	logger *telemetry.Logger

	path        string
	reloadDelay time.Duration

	mu           sync.RWMutex
	fileSubjects []string
	watcher      *fsnotify.Watcher
}

// Option configures a Source.
type Option func(*Source)

// WithFile adds the subjects listed in a YAML file at path.
func WithFile(path string) Option {
	return func(s *Source) { s.path = path }
}

// WithReloadDelay sets how long file changes settle before a reload.
func WithReloadDelay(d time.Duration) Option {
	return func(s *Source) { s.reloadDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// NewSource creates a source. When a file is configured it is read once here;
// a missing file counts as empty.
func NewSource(store Store, opts ...Option) (*Source, error) {
	if store == nil {
		return nil, engine.NewConfigError("exclusion store is required", nil)
	}
	s := &Source{
		store:       store,
		logger:      telemetry.NopLogger(),
		reloadDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.NewComponentLogger("exclusions")

	if s.path != "" {
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add stores subject. Adding a subject that is already stored, compared after
// normalization, returns the existing row.
func (s *Source) Add(ctx context.Context, subject string) (*stores.Exclusion, error) {
	if engine.NormalizeSubject(subject) == "" {
		return nil, engine.NewValidationError("exclusion subject is required", nil).
			WithResource("exclusion").
			WithOperation("add")
	}

	existing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, ex := range existing {
		if engine.SubjectsMatch(ex.Subject, subject) {
			return ex, nil
		}
	}

	ex := &stores.Exclusion{ID: uuid.New().String(), Subject: subject}
	if err := s.store.AddExclusion(ctx, ex); err != nil {
		return nil, engine.NewTransientError("failed to add exclusion", err).
			WithResource("exclusion").
			WithOperation("add")
	}
	s.logger.WithFields(map[string]interface{}{
		"id":      ex.ID,
		"subject": ex.Subject,
	}).Info("Exclusion added")
	return ex, nil
}

// List returns the stored exclusions, oldest first. File entries are not included.
func (s *Source) List(ctx context.Context) ([]*stores.Exclusion, error) {
	list, err := s.store.ListExclusions(ctx)
	if err != nil {
		return nil, engine.NewTransientError("failed to list exclusions", err).
			WithResource("exclusion").
			WithOperation("list")
	}
	return list, nil
}

// Remove deletes a stored exclusion by id.
func (s *Source) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteExclusion(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return engine.NewNotFoundError(fmt.Sprintf("exclusion %s not found", id), err).WithResource(id)
		}
		return engine.NewTransientError("failed to remove exclusion", err).
			WithResource("exclusion").
			WithOperation("remove")
	}
	s.logger.WithField("id", id).Info("Exclusion removed")
	return nil
}

// FileSubjects returns the subjects most recently read from the file.
func (s *Source) FileSubjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.fileSubjects))
	copy(out, s.fileSubjects)
	return out
}

// GetExcludedSubjects returns stored and file subjects, trimmed and without
// duplicates. Stored subjects come first.
func (s *Source) GetExcludedSubjects(ctx context.Context) ([]string, error) {
	stored, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored))
	subjects := make([]string, 0, len(stored))
	add := func(subject string) {
		key := engine.NormalizeSubject(subject)
		if key == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		subjects = append(subjects, strings.TrimSpace(subject))
	}

	for _, ex := range stored {
		add(ex.Subject)
	}
	for _, subject := range s.FileSubjects() {
		add(subject)
	}
	return subjects, nil
}

// reload re-reads the file. On error the previous subjects stay in effect.
func (s *Source) reload() error {
	subjects, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.fileSubjects = subjects
	s.mu.Unlock()
	s.logger.WithField("file", s.path).Infof("Loaded %d file exclusions", len(subjects))
	return nil
}

// StopWatching stops watching the file.
func (s *Source) StopWatching() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
