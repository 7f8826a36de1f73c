package engine

import (
	"encoding/json"
)

// EventSet is a collection of structurally unique events. Iteration follows
// insertion order so loops that cause side effects replay identically.
// The zero value and a nil *EventSet are both usable as an empty set for reads.
type EventSet struct {
	items []Event
	index map[EventKey]int
}

// NewEventSet builds a set from events, dropping structural duplicates and
// keeping the first occurrence.
func NewEventSet(events ...Event) *EventSet {
	s := &EventSet{
		items: make([]Event, 0, len(events)),
		index: make(map[EventKey]int, len(events)),
	}
	for _, e := range events {
		s.Add(e)
	}
	return s
}

// Add inserts e and reports whether it was not already present.
func (s *EventSet) Add(e Event) bool {
	if s.index == nil {
		s.index = make(map[EventKey]int)
	}
	e = e.Normalize()
	key := e.Key()
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = len(s.items)
	s.items = append(s.items, e)
	return true
}

// Remove deletes e and reports whether it was present.
func (s *EventSet) Remove(e Event) bool {
	if s == nil || s.index == nil {
		return false
	}
	key := e.Key()
	pos, ok := s.index[key]
	if !ok {
		return false
	}
	delete(s.index, key)
	s.items = append(s.items[:pos], s.items[pos+1:]...)
	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].Key()] = i
	}
	return true
}

// Contains reports whether an event structurally equal to e is in the set.
func (s *EventSet) Contains(e Event) bool {
	if s == nil || s.index == nil {
		return false
	}
	_, ok := s.index[e.Key()]
	return ok
}

// Len returns the number of events.
func (s *EventSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Events returns a copy of the events in insertion order.
func (s *EventSet) Events() []Event {
	if s == nil {
		return []Event{}
	}
	out := make([]Event, len(s.items))
	copy(out, s.items)
	return out
}

// Clone returns an independent copy.
func (s *EventSet) Clone() *EventSet {
	return NewEventSet(s.Events()...)
}

// MarshalJSON encodes the set as a JSON array.
func (s *EventSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Events())
}

// UnmarshalJSON decodes a JSON array, collapsing duplicates.
func (s *EventSet) UnmarshalJSON(data []byte) error {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	*s = *NewEventSet(events...)
	return nil
}
