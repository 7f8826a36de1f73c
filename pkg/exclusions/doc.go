// Package exclusions supplies the subjects a reconciliation run ignores.
//
// Subjects come from two places: rows administered through the API or CLI and
// kept in the SQLite store, and an optional YAML file that is reloaded when it
// changes. GetExcludedSubjects returns the union of both; matching itself is
// done by engine.ExclusionFilter.
package exclusions
