package reporter

import (
	"time"

	"github.com/google/uuid"

	"firestige.xyz/failsink/internal/failure"
)

// TopicTransition is the event bus topic carrying reporter transitions.
const TopicTransition = "failure.transition"

// Transition describes one change of a reporter's current failure.
// A nil Current means the failure was cleared.
type Transition struct {
	ID        uuid.UUID        `json:"id"`
	Subsystem string           `json:"subsystem"`
	Previous  *failure.Failure `json:"previous,omitempty"`
	Current   *failure.Failure `json:"current,omitempty"`
	Location  Location         `json:"location"`
	Time      time.Time        `json:"time"`
}

// Cleared reports whether the transition removed the pending failure.
func (t Transition) Cleared() bool {
	return t.Current == nil
}

// View is the presentation form of a pending failure.
type View struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Summary string `json:"summary"`
}

// ViewOf returns the view of f, or nil when f is nil.
func ViewOf(f *failure.Failure) *View {
	if f == nil {
		return nil
	}
	return newView(*f)
}

func newView(f failure.Failure) *View {
	return &View{
		Kind:    f.Kind.String(),
		Message: f.Message,
		Summary: f.Summary(),
	}
}

// envelope ties a transition to the reporter that produced it so reporters
// sharing a bus and subsystem do not see each other's changes.
type envelope struct {
	origin     *Reporter
	transition Transition
}

func clone(f *failure.Failure) *failure.Failure {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
