// Package knownevents implements the known-event store: a durable set of
// calendar events already processed for one lineage key, shared by every
// reconciliation run.
//
// Each key is owned by a single actor goroutine with a mailbox. Commands from
// concurrent runs are queued and applied in arrival order, so a read always
// observes a fully applied prior write. Persistence goes through an optimistic
// version check; a lost race surfaces as a retryable conflict error and the
// actor reloads before its next command.
package knownevents
