package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traverse-calendar/traverse/pkg/config"
	"github.com/traverse-calendar/traverse/pkg/exclusions"
	"github.com/traverse-calendar/traverse/pkg/knownevents"
	"github.com/traverse-calendar/traverse/pkg/providers/ical"
	"github.com/traverse-calendar/traverse/pkg/providers/prowl"
	"github.com/traverse-calendar/traverse/pkg/providers/todoist"
	"github.com/traverse-calendar/traverse/pkg/reconcile"
	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

// app holds the components a command works with.
type app struct {
	settings   *config.Settings
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
	store      *stores.SQLiteStore
	known      *knownevents.Registry
	exclusions *exclusions.Source
	rt         *workflow.Runtime
	driver     *reconcile.Driver
}

func loadSettings() (*config.Settings, error) {
	s, err := config.Load(configPath, nil)
	if err != nil {
		return nil, err
	}
	if verbose {
		s.Log.Level = "debug"
	}
	return s, nil
}

// openApp loads settings, telemetry and the store. Collaborators and the
// runtime are added by withDriver.
func openApp(ctx context.Context) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	tel.Events.Subscribe(telemetry.AuditSubscriber(store, tel.Logger), nil)

	source, err := exclusions.NewSource(store,
		exclusions.WithFile(settings.ExclusionsFile),
		exclusions.WithLogger(tel.Logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		settings:   settings,
		tel:        tel,
		logger:     tel.Logger,
		store:      store,
		known:      knownevents.NewRegistry(store, knownevents.WithLogger(tel.Logger), knownevents.WithMetrics(tel.Metrics)),
		exclusions: source,
	}, nil
}

// withDriver builds the collaborators, the runtime and the reconciliation driver.
func (a *app) withDriver() error {
	s := a.settings

	feed, err := ical.NewFetcher(s.Feed.CleanupPattern, ical.WithLogger(a.logger))
	if err != nil {
		return err
	}
	notifier, err := prowl.NewClient(s.Notify.ProwlAPIKey, prowl.WithLogger(a.logger))
	if err != nil {
		return err
	}
	tasks, err := todoist.NewClient(s.Tasks.TodoistToken, todoist.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.rt = workflow.NewRuntime(a.store, workflow.WithTelemetry(a.tel))
	a.driver, err = reconcile.Register(a.rt, reconcile.Dependencies{
		Feed:       feed,
		Exclusions: a.exclusions,
		Notifier:   notifier,
		Tasks:      tasks,
		Known:      a.known,
		Metrics:    a.tel.Metrics,
		Events:     a.tel.Events,
	}, s.ReconcileOptions())
	return err
}

// runtimeOnly builds a runtime without collaborators, enough for status queries.
func (a *app) runtimeOnly() {
	a.rt = workflow.NewRuntime(a.store, workflow.WithTelemetry(a.tel))
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.rt != nil {
		if err := a.rt.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("Runtime did not drain before shutdown")
		}
	}
	_ = a.exclusions.StopWatching()
	a.known.Close()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to flush telemetry")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close store")
	}
}

// printOutput writes v in the format selected by --output.
func printOutput(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch output {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (use json or yaml)", output)
	}
}
