// Package ical fetches an iCalendar feed and turns its VEVENTs into events.
package ical

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	ics "github.com/arran4/golang-ical"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/transports/httpclient"
)

const collaborator = "ical"

// Fetcher implements engine.FeedFetcher over HTTP.
type Fetcher struct {
	client  *httpclient.Client
	cleanup *regexp.Regexp
	logger  *telemetry.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *httpclient.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a fetcher. Matches of cleanupPattern are removed from the
// raw feed before parsing; an empty pattern removes nothing.
func NewFetcher(cleanupPattern string, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{logger: telemetry.NopLogger()}
	if cleanupPattern != "" {
		re, err := regexp.Compile(cleanupPattern)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("invalid feed clean-up pattern %q", cleanupPattern), err)
		}
		f.cleanup = re
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		client, err := httpclient.New(httpclient.DefaultConfig(collaborator))
		if err != nil {
			return nil, err
		}
		f.client = client
	}
	f.logger = f.logger.NewComponentLogger("ical")
	return f, nil
}

// FetchFeed downloads url, cleans it and parses its events in feed order.
func (f *Fetcher) FetchFeed(ctx context.Context, url string) ([]engine.Event, error) {
	var events []engine.Event
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "fetch", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return engine.NewConfigError(fmt.Sprintf("invalid feed URL %q", url), err)
		}
		req.Header.Set("Accept", "text/calendar")

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		if err := f.client.CheckStatus(resp); err != nil {
			return err
		}
		body, err := f.client.ReadBody(resp)
		if err != nil {
			return err
		}

		text := f.Clean(string(body))
		events, err = Parse(text)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.logger.WithField("url", url).Infof("Fetched %d calendar events", len(events))
	return events, nil
}

// Clean strips the configured pattern and rewrites \n text escapes that do
// not follow a carriage return as \r\n escapes.
func (f *Fetcher) Clean(raw string) string {
	if f.cleanup != nil {
		matches := len(f.cleanup.FindAllStringIndex(raw, -1))
		f.logger.Debugf("Clean-up pattern matched %d times", matches)
		raw = f.cleanup.ReplaceAllString(raw, "")
	}
	return rewriteEscapedNewlines(raw)
}

var escapedNewline = regexp.MustCompile(`\\+n`)

// rewriteEscapedNewlines replaces each run of backslashes followed by n with
// the escape \r\n unless the run directly follows a carriage return.
func rewriteEscapedNewlines(s string) string {
	idx := escapedNewline.FindAllStringIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*len(idx))
	last := 0
	for _, m := range idx {
		if m[0] > 0 && s[m[0]-1] == '\r' {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(`\r\n`)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Parse reads iCalendar text and maps each VEVENT to an event with its start
// in UTC. Unparseable text or an event without a usable start is a
// malformed-feed error.
func Parse(text string) ([]engine.Event, error) {
	if !strings.Contains(strings.ToUpper(text), "BEGIN:VCALENDAR") {
		return nil, engine.NewMalformedFeedError("feed is not an iCalendar document", nil)
	}
	cal, err := ics.ParseCalendar(strings.NewReader(text))
	if err != nil {
		return nil, engine.NewMalformedFeedError("failed to parse calendar", err)
	}

	vevents := cal.Events()
	events := make([]engine.Event, 0, len(vevents))
	for _, ve := range vevents {
		start, err := ve.GetStartAt()
		if err != nil {
			start, err = ve.GetAllDayStartAt()
		}
		if err != nil {
			return nil, engine.NewMalformedFeedError(fmt.Sprintf("event %s has no usable start", ve.Id()), err)
		}

		subject := ""
		if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
			subject = p.Value
		}
		events = append(events, engine.NewEvent(ve.Id(), subject, start))
	}
	return events, nil
}
