package engine

// Diff returns the events of current that are neither in known nor excluded
// by subject. The result keeps the iteration order of current. Nil sets are
// treated as empty.
func Diff(current, known *EventSet, excluded []string) []Event {
	return DiffWithFilter(current, known, NewExclusionFilter(excluded))
}

// DiffWithFilter is Diff with a prebuilt exclusion filter.
func DiffWithFilter(current, known *EventSet, filter *ExclusionFilter) []Event {
	out := make([]Event, 0)
	for _, e := range current.Events() {
		if known.Contains(e) {
			continue
		}
		if filter.IsExcluded(e.Subject) {
			continue
		}
		out = append(out, e)
	}
	return out
}
