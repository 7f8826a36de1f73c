package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// ApprovalState is the position of one new event in the approval flow.
type ApprovalState string

const (
	ApprovalCreated          ApprovalState = "Created"
	ApprovalNotified         ApprovalState = "Notified"
	ApprovalAwaitingDecision ApprovalState = "AwaitingDecision"
	ApprovalApproved         ApprovalState = "Approved"
	ApprovalRejected         ApprovalState = "Rejected"
	ApprovalSkipped          ApprovalState = "Skipped"
	ApprovalCommitted        ApprovalState = "Committed"
)

// approvalTransitions lists the legal moves out of each state.
var approvalTransitions = map[ApprovalState][]ApprovalState{
	ApprovalCreated:          {ApprovalNotified, ApprovalSkipped},
	ApprovalNotified:         {ApprovalAwaitingDecision},
	ApprovalAwaitingDecision: {ApprovalApproved, ApprovalRejected},
	ApprovalApproved:         {ApprovalCommitted},
	ApprovalRejected:         {ApprovalCommitted},
	ApprovalSkipped:          {ApprovalCommitted},
}

// CanTransition reports whether from may move to to.
func (s ApprovalState) CanTransition(to ApprovalState) bool {
	for _, next := range approvalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is Committed.
func (s ApprovalState) IsTerminal() bool {
	return s == ApprovalCommitted
}

// Approval outcomes, as counted in metrics and published events.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
	OutcomeExpired  = "expired"

	// OutcomeAlreadyKnown marks an event another run committed first.
	OutcomeAlreadyKnown = "already_known"
)

// Approval tracks one event through the approval flow.
type Approval struct {
	UID     string        `json:"uid"`
	Subject string        `json:"subject"`
	State   ApprovalState `json:"state"`
	Outcome string        `json:"outcome,omitempty"`

	event engine.Event
}

func newApproval(ev engine.Event) *Approval {
	return &Approval{
		UID:     ev.UID,
		Subject: ev.Subject,
		State:   ApprovalCreated,
		event:   ev,
	}
}

// advance moves the approval to next, rejecting illegal moves.
func (a *Approval) advance(next ApprovalState) error {
	if !a.State.CanTransition(next) {
		return engine.NewPermanentError(
			fmt.Sprintf("illegal approval transition %s -> %s for event %s", a.State, next, a.UID), nil).
			WithCode(engine.ErrCodeInternal)
	}
	a.State = next
	return nil
}

// Decision is the payload of an approval signal. EventUID or Subject binds it
// to the event it was raised for; a decision bound to neither applies to
// whichever event is awaiting a decision when it is consumed.
type Decision struct {
	Approved bool   `json:"approved"`
	EventUID string `json:"eventUid,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// UnmarshalJSON accepts a decision object or a bare boolean.
func (d *Decision) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		var approved *bool
		if err := json.Unmarshal(data, &approved); err != nil {
			return err
		}
		*d = Decision{}
		if approved != nil {
			d.Approved = *approved
		}
		return nil
	}
	type plain Decision
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = Decision(p)
	return nil
}

// appliesTo reports whether the decision was raised for ev.
func (d Decision) appliesTo(ev engine.Event) bool {
	switch {
	case d.EventUID != "":
		return d.EventUID == ev.UID
	case d.Subject != "":
		return engine.SubjectsMatch(d.Subject, ev.Subject)
	}
	return true
}
