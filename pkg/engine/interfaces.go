package engine

import (
	"context"
	"fmt"
)

// FeedFetcher downloads a calendar feed and returns its events in feed order.
// Network failures are transient. Content that cannot be parsed is a permanent
// error coded ErrCodeMalformedFeed.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, url string) ([]Event, error)
}

// ExclusionSource returns the subjects that must never produce a notification.
type ExclusionSource interface {
	GetExcludedSubjects(ctx context.Context) ([]string, error)
}

// Notifier delivers a push notification. Any failure is retried until
// attempts are exhausted.
type Notifier interface {
	SendNotification(ctx context.Context, n Notification) error
}

// TaskLists lists the available task lists and files tasks into them.
type TaskLists interface {
	ListAvailableTargetLists(ctx context.Context) ([]TargetList, error)
	CreateTask(ctx context.Context, req TaskRequest) error
}

// ResolveTargetList picks the single list whose name matches name ignoring
// case and surrounding whitespace. Zero or several matches is a permanent error.
func ResolveTargetList(lists []TargetList, name string) (TargetList, error) {
	var matches []TargetList
	for _, l := range lists {
		if SubjectsMatch(l.Name, name) {
			matches = append(matches, l)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return TargetList{}, NewPermanentError(fmt.Sprintf("no task list named %q", name), nil).
			WithCode(ErrCodeTargetResolution).
			WithDetail("available", len(lists))
	default:
		return TargetList{}, NewPermanentError(fmt.Sprintf("%d task lists named %q", len(matches), name), nil).
			WithCode(ErrCodeTargetResolution).
			WithDetail("matches", len(matches))
	}
}
