// Package engine holds the calendar reconciliation data model and the pure
// logic that decides which feed entries need attention.
//
// # Data model
//
//   - Event: one feed entry (uid, subject, start instant in UTC) with
//     structural equality through EventKey.
//   - EventSet: insertion-ordered set of unique events.
//   - ExclusionFilter: subjects to ignore, matched after trimming and case folding.
//
// # Diff
//
// Diff(current, known, excluded) returns the entries of current that are not
// already known and not excluded, in feed order. It performs no I/O.
//
// # Collaborators
//
// The interfaces FeedFetcher, ExclusionSource, Notifier and TaskLists describe
// the external services the reconciliation workflow calls. Implementations live
// under pkg/providers and pkg/exclusions.
//
// # Errors
//
// EngineError classifies failures as transient, throttled, conflict or
// permanent. The workflow runtime retries only errors for which IsRetryable
// reports true.
package engine
