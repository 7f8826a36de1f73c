package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/reconcile"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// DefaultSchedule fires every four hours between 08:00 and 22:00.
const DefaultSchedule = "0 0 8-22/4 * * *"

// Duration is a time.Duration written as a Go duration string ("48h").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Settings is the complete service configuration.
type Settings struct {
	Feed           FeedSettings      `json:"feed"`
	Tasks          TaskSettings      `json:"tasks"`
	Notify         NotifySettings    `json:"notify"`
	Reconcile      ReconcileSettings `json:"reconcile"`
	Server         ServerSettings    `json:"server"`
	Store          StoreSettings     `json:"store"`
	Log            LogSettings       `json:"log"`
	Trace          TraceSettings     `json:"trace"`
	ExclusionsFile string            `json:"exclusionsFile"`
}

// FeedSettings locates the calendar feed.
type FeedSettings struct {
	URL string `json:"url" validate:"omitempty,url"`
	// CleanupPattern is a regular expression removed from the raw feed.
	CleanupPattern string `json:"cleanupPattern"`
}

// TaskSettings selects the task list and authenticates against it.
type TaskSettings struct {
	ListName     string `json:"listName"`
	TodoistToken string `json:"todoistToken"`
}

// NotifySettings configures approval notifications.
type NotifySettings struct {
	ProwlAPIKey  string `json:"prowlApiKey"`
	ApprovalURL  string `json:"approvalUrl" validate:"omitempty,url"`
	UseShortcuts bool   `json:"useShortcuts"`
	Priority     int    `json:"priority" validate:"min=-2,max=2"`
	Application  string `json:"application"`
}

// ReconcileSettings tunes reconciliation runs.
type ReconcileSettings struct {
	BulkSeedThreshold int      `json:"bulkSeedThreshold" validate:"min=1"`
	ApprovalTimeout   Duration `json:"approvalTimeout" validate:"min=0"`
	LineageKey        string   `json:"lineageKey" validate:"required"`
}

// ServerSettings configures the HTTP surface and the timer trigger.
type ServerSettings struct {
	Addr     string `json:"addr" validate:"required"`
	Schedule string `json:"schedule"`
	// RateLimit is requests per second per client address. Zero disables it.
	RateLimit float64 `json:"rateLimit" validate:"min=0"`
	Burst     int     `json:"burst" validate:"min=1"`
}

// StoreSettings locates the SQLite database.
type StoreSettings struct {
	Path string `json:"path" validate:"required"`
}

// LogSettings configures the logger.
type LogSettings struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn error"`
	Format string `json:"format" validate:"oneof=console json"`
}

// TraceSettings selects the span exporter.
type TraceSettings struct {
	Exporter string `json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `json:"endpoint" validate:"required_if=Exporter otlp"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		Notify: NotifySettings{
			Application: reconcile.DefaultApplication,
		},
		Reconcile: ReconcileSettings{
			BulkSeedThreshold: reconcile.DefaultBulkSeedThreshold,
			LineageKey:        reconcile.DefaultLineageKey,
		},
		Server: ServerSettings{
			Addr:      ":8080",
			Schedule:  DefaultSchedule,
			RateLimit: 10,
			Burst:     20,
		},
		Store: StoreSettings{
			Path: "traverse.db",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Trace: TraceSettings{
			Exporter: "none",
		},
	}
}

var validate = validator.New()

// Validate checks field constraints. Values needed only by a run are checked
// later: the feed and list by RunInput, the approval URL by the driver.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return engine.NewConfigError(fmt.Sprintf("invalid settings: %v", err), err)
	}
	return nil
}

// RunInput returns the input for one reconciliation run. Every trigger calls
// it so configuration changes apply without a restart of running instances.
func (s *Settings) RunInput() (reconcile.Input, error) {
	var missing []string
	if strings.TrimSpace(s.Feed.URL) == "" {
		missing = append(missing, EnvFeedURL)
	}
	if strings.TrimSpace(s.Tasks.ListName) == "" {
		missing = append(missing, EnvTargetList)
	}
	if len(missing) > 0 {
		return reconcile.Input{}, engine.NewConfigError(
			fmt.Sprintf("missing run configuration: %s", strings.Join(missing, ", ")), nil)
	}
	return reconcile.Input{
		FeedURL:        s.Feed.URL,
		TargetListName: s.Tasks.ListName,
	}, nil
}

// ReconcileOptions returns the driver options.
func (s *Settings) ReconcileOptions() reconcile.Options {
	mode := reconcile.ModeBinary
	if s.Notify.UseShortcuts {
		mode = reconcile.ModeShortcut
	}
	return reconcile.Options{
		LineageKey:        s.Reconcile.LineageKey,
		BulkSeedThreshold: s.Reconcile.BulkSeedThreshold,
		Mode:              mode,
		ApprovalURL:       s.Notify.ApprovalURL,
		ApprovalTimeout:   time.Duration(s.Reconcile.ApprovalTimeout),
		Application:       s.Notify.Application,
		Priority:          s.Notify.Priority,
	}
}

// Telemetry returns the telemetry configuration with the log settings applied.
func (s *Settings) Telemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	if s.Trace.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.Trace.Exporter
		cfg.Tracing.Endpoint = s.Trace.Endpoint
	}
	return cfg
}
