package engine

import (
	"time"
)

// Event is one calendar entry as seen in the feed. Events are values: two events
// are equal when uid, subject and start instant all match exactly.
type Event struct {
	UID     string    `json:"uid"`
	Subject string    `json:"subject"`
	DateUTC time.Time `json:"dateUTC"`
}

// EventKey is the comparable identity of an Event, usable as a map key.
// The start instant is held as Unix seconds and nanoseconds so that the
// location and monotonic reading of a time.Time never affect equality.
type EventKey struct {
	UID     string
	Subject string
	Sec     int64
	Nsec    int32
}

// NewEvent builds an Event with its date normalized to UTC.
func NewEvent(uid, subject string, date time.Time) Event {
	return Event{UID: uid, Subject: subject, DateUTC: date.UTC()}
}

// Key returns the structural identity of the event.
func (e Event) Key() EventKey {
	return EventKey{
		UID:     e.UID,
		Subject: e.Subject,
		Sec:     e.DateUTC.Unix(),
		Nsec:    int32(e.DateUTC.Nanosecond()),
	}
}

// Equal reports structural equality.
func (e Event) Equal(other Event) bool {
	return e.Key() == other.Key()
}

// Normalize returns a copy with the date in UTC.
func (e Event) Normalize() Event {
	e.DateUTC = e.DateUTC.UTC()
	return e
}

// Notification is one push message sent to the user about a new event.
type Notification struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	URL         string `json:"url,omitempty"`
	Application string `json:"application"`
	EventLabel  string `json:"event"`
}

// TargetList is a task list that approved events can be filed into.
type TargetList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TaskRequest asks the task collaborator to create one task.
// RequestID is stable across retries of the same logical call so the
// collaborator can drop duplicates.
type TaskRequest struct {
	ListID    string    `json:"listId"`
	Subject   string    `json:"subject"`
	Due       time.Time `json:"due"`
	RequestID string    `json:"requestId,omitempty"`
}
