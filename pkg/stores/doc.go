// Package stores provides the SQLite persistence layer for traverse: workflow
// instances with their append-only histories, the signal inbox, versioned
// entity state for the known-event actor, excluded subjects and the audit log.
// Timestamps are stored as Unix nanoseconds so replayed times compare exactly.
package stores
