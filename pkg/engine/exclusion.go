package engine

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeSubject returns the form subjects are compared in: surrounding
// whitespace removed and Unicode case folded.
func NormalizeSubject(subject string) string {
	// A Caser keeps state between calls, so one is built per use.
	return cases.Fold().String(strings.TrimSpace(subject))
}

// SubjectsMatch reports whether two subjects are equal after normalization.
func SubjectsMatch(a, b string) bool {
	return NormalizeSubject(a) == NormalizeSubject(b)
}

// ExclusionFilter answers whether an event subject is on the excluded list.
type ExclusionFilter struct {
	subjects map[string]struct{}
}

// NewExclusionFilter builds a filter over the given subjects. Blank entries are ignored.
func NewExclusionFilter(subjects []string) *ExclusionFilter {
	f := &ExclusionFilter{subjects: make(map[string]struct{}, len(subjects))}
	for _, s := range subjects {
		n := NormalizeSubject(s)
		if n == "" {
			continue
		}
		f.subjects[n] = struct{}{}
	}
	return f
}

// IsExcluded reports whether subject matches an excluded subject, ignoring
// case and surrounding whitespace on both sides.
func (f *ExclusionFilter) IsExcluded(subject string) bool {
	if f == nil || len(f.subjects) == 0 {
		return false
	}
	_, ok := f.subjects[NormalizeSubject(subject)]
	return ok
}

// Len returns the number of distinct excluded subjects.
func (f *ExclusionFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.subjects)
}
