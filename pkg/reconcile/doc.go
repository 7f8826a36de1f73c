// Package reconcile is the calendar reconciliation workflow.
//
// Each run fetches the feed, diffs it against the known-event record of its
// lineage key and the exclusion list, and then either seeds the record (when
// the new-event count exceeds the bulk-seed threshold) or walks the new
// events in feed order through the approval flow:
//
//	Created -> Notified -> AwaitingDecision -> Approved | Rejected -> Committed
//	Created -> Skipped -> Committed            (event already started)
//
// Approved events become tasks in the target list. Every committed event is
// added to the record, so the next run sees it as known. A failed side effect
// leaves the event out of the record and the run fails; the next run offers
// it again.
package reconcile
