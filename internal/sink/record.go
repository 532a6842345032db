// Package sink holds the wire shape shared by external transition observers.
package sink

import (
	"time"

	"firestige.xyz/failsink/internal/reporter"
)

// Transition states carried by Record.State.
const (
	StatePending = "pending"
	StateCleared = "cleared"
)

// Record is the JSON form of a reporter transition published to brokers.
type Record struct {
	ID        string         `json:"id"`
	Subsystem string         `json:"subsystem"`
	State     string         `json:"state"`
	Current   *reporter.View `json:"current,omitempty"`
	Previous  *reporter.View `json:"previous,omitempty"`
	Location  string         `json:"location"`
	Time      time.Time      `json:"time"`
}

func NewRecord(t reporter.Transition) Record {
	rec := Record{
		ID:        t.ID.String(),
		Subsystem: t.Subsystem,
		State:     StatePending,
		Current:   reporter.ViewOf(t.Current),
		Previous:  reporter.ViewOf(t.Previous),
		Location:  t.Location.String(),
		Time:      t.Time,
	}
	if t.Cleared() {
		rec.State = StateCleared
	}
	return rec
}

// Kind returns the machine name of the current failure, or "none".
func (r Record) Kind() string {
	if r.Current == nil {
		return "none"
	}
	return r.Current.Kind
}
