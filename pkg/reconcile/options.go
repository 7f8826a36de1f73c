package reconcile

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

const (
	// WorkflowName is the name the driver registers under.
	WorkflowName = "reconcile"

	// ApprovalSignal is the signal carrying a decision back to a waiting run.
	ApprovalSignal = "ApprovalEvent"

	// DefaultLineageKey is the record every run reads and extends.
	DefaultLineageKey = "calendarEntries"

	// DefaultBulkSeedThreshold is the new-event count above which a run seeds
	// the record instead of asking for approvals.
	DefaultBulkSeedThreshold = 100

	DefaultApplication = "iCal Todoist"

	LabelApprove  = "Approve"
	LabelIgnore   = "Ignore"
	LabelNewEvent = "New Event"

	// ShortcutSeparator joins instance id and subject in shortcut mode.
	ShortcutSeparator = "$$$"

	shortcutName = "Raise Event"
)

// Mode selects how a decision is requested.
type Mode string

const (
	// ModeBinary sends an Approve and an Ignore notification, each linking to
	// the approval endpoint with its decision.
	ModeBinary Mode = "binary"

	// ModeShortcut sends a single notification that runs an Apple Shortcut.
	// Any decision raised through it counts as approval.
	ModeShortcut Mode = "shortcut"
)

// Options tunes the driver.
type Options struct {
	LineageKey        string
	BulkSeedThreshold int
	Mode              Mode
	// ApprovalURL is the approval endpoint; decision and instance id are
	// appended as query parameters. Required in binary mode.
	ApprovalURL string
	// ApprovalTimeout rejects an undecided event after the duration. Zero
	// waits indefinitely.
	ApprovalTimeout time.Duration
	Application     string
	Priority        int
}

// DefaultOptions returns the options of the original deployment.
func DefaultOptions() Options {
	return Options{
		LineageKey:        DefaultLineageKey,
		BulkSeedThreshold: DefaultBulkSeedThreshold,
		Mode:              ModeBinary,
		Application:       DefaultApplication,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LineageKey == "" {
		o.LineageKey = d.LineageKey
	}
	if o.BulkSeedThreshold <= 0 {
		o.BulkSeedThreshold = d.BulkSeedThreshold
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.Application == "" {
		o.Application = d.Application
	}
	return o
}

func (o Options) validate() error {
	switch o.Mode {
	case ModeBinary:
		if o.ApprovalURL == "" {
			return engine.NewConfigError("approval URL is required in binary mode", nil)
		}
		if _, err := url.Parse(o.ApprovalURL); err != nil {
			return engine.NewConfigError("approval URL is invalid", err)
		}
	case ModeShortcut:
	default:
		return engine.NewConfigError(fmt.Sprintf("unknown approval mode %q", o.Mode), nil)
	}
	if o.ApprovalTimeout < 0 {
		return engine.NewConfigError("approval timeout must not be negative", nil)
	}
	return nil
}

// ApprovalLink builds the link that raises decision for event eventUID of
// instanceID.
func ApprovalLink(base, instanceID, eventUID string, approved bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", engine.NewConfigError("approval URL is invalid", err)
	}
	q := u.Query()
	q.Set("approvestate", fmt.Sprintf("%t", approved))
	q.Set("instanceid", instanceID)
	q.Set("eventuid", eventUID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ShortcutLink builds the shortcuts:// link passing instanceID and subject
// to the Raise Event shortcut.
func ShortcutLink(instanceID, subject string) string {
	return "shortcuts://run-shortcut?name=" + shortcutEscape(shortcutName) +
		"&input=text&text=" + shortcutEscape(instanceID+ShortcutSeparator+subject)
}

func shortcutEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ParseShortcutText splits the text a shortcut sends back into instance id
// and subject.
func ParseShortcutText(text string) (instanceID, subject string, err error) {
	id, subject, ok := strings.Cut(text, ShortcutSeparator)
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", "", engine.NewValidationError("shortcut text must be <instanceId>$$$<subject>", nil).
			WithCode(engine.ErrCodeMalformedSignal)
	}
	return id, subject, nil
}
