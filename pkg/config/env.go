package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// Environment variables. The unprefixed names are those of the original
// function app deployment.
const (
	EnvFeedURL           = "HTTPS_ICAL_FEED"
	EnvTargetList        = "TODOIST_LIST"
	EnvTodoistToken      = "TODOIST_APIKEY"
	EnvProwlAPIKey       = "PROWL_API_KEY"
	EnvApprovalURL       = "RAISE_APPROVAL_EVENT_URL"
	EnvCleanupPattern    = "REGEX_TO_REPLACE"
	EnvUseShortcuts      = "USE_APPLE_SHORTCUTS"
	EnvDBPath            = "TRAVERSE_DB"
	EnvAddr              = "TRAVERSE_ADDR"
	EnvSchedule          = "TRAVERSE_SCHEDULE"
	EnvBulkSeedThreshold = "TRAVERSE_BULK_SEED_THRESHOLD"
	EnvApprovalTimeout   = "TRAVERSE_APPROVAL_TIMEOUT"
	EnvExclusionsFile    = "TRAVERSE_EXCLUSIONS_FILE"
	EnvTraceExporter     = "TRAVERSE_TRACE_EXPORTER"
	EnvTraceEndpoint     = "TRAVERSE_TRACE_ENDPOINT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
)

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides settings with environment variables. Unset or blank
// variables leave the current value.
func (s *Settings) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		EnvFeedURL:        &s.Feed.URL,
		EnvTargetList:     &s.Tasks.ListName,
		EnvTodoistToken:   &s.Tasks.TodoistToken,
		EnvProwlAPIKey:    &s.Notify.ProwlAPIKey,
		EnvApprovalURL:    &s.Notify.ApprovalURL,
		EnvDBPath:         &s.Store.Path,
		EnvAddr:           &s.Server.Addr,
		EnvSchedule:       &s.Server.Schedule,
		EnvExclusionsFile: &s.ExclusionsFile,
		EnvTraceExporter:  &s.Trace.Exporter,
		EnvTraceEndpoint:  &s.Trace.Endpoint,
		EnvLogLevel:       &s.Log.Level,
		EnvLogFormat:      &s.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	// The pattern is used verbatim; surrounding spaces may be part of it.
	if v, ok := lookup(EnvCleanupPattern); ok && v != "" {
		s.Feed.CleanupPattern = v
	}
	if s.Log.Level != "" {
		s.Log.Level = strings.ToLower(s.Log.Level)
	}

	if v, ok := get(EnvUseShortcuts); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(EnvUseShortcuts, v, err)
		}
		s.Notify.UseShortcuts = b
	}
	if v, ok := get(EnvBulkSeedThreshold); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(EnvBulkSeedThreshold, v, err)
		}
		s.Reconcile.BulkSeedThreshold = n
	}
	if v, ok := get(EnvApprovalTimeout); ok {
		if err := s.Reconcile.ApprovalTimeout.UnmarshalText([]byte(v)); err != nil {
			return envError(EnvApprovalTimeout, v, err)
		}
	}
	return nil
}

func envError(key, value string, err error) error {
	return engine.NewConfigError(fmt.Sprintf("invalid %s value %q", key, value), err).
		WithResource(key)
}
