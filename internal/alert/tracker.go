package alert

import "github.com/crowdwatch/crowdwatch/pkg/types"

// Event is the outcome of observing one category.
type Event struct {
	Category types.Category

	// Escalated is true when this observation moved the alert count.
	Escalated bool

	// ShowCriticalOverlay is true while the category is critical and the
	// critical state has not been acknowledged.
	ShowCriticalOverlay bool
}

// Tracker converts a stream of risk categories into an alert count.
//
// The count moves only on a transition into High or Critical from a less
// severe category (or from no category at all), never on repeated
// observations of the same category.
//
// Tracker is not safe for concurrent use; the pipeline owns it.
type Tracker struct {
	last     types.Category
	hasLast  bool
	count    int
	critAckd bool
}

// NewTracker returns a Tracker in its initial state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records category and reports whether it raised an alert and
// whether the critical overlay should be shown. Only moves up into high or
// critical count as alerts; dropping from critical to high does not.
func (t *Tracker) Observe(c types.Category) Event {
	escalated := false
	if c.Alerting() && (!t.hasLast || c > t.last) {
		t.count++
		escalated = true
	}
	if c != types.Critical {
		t.critAckd = false
	}
	t.last = c
	t.hasLast = true

	return Event{
		Category:            c,
		Escalated:           escalated,
		ShowCriticalOverlay: c == types.Critical && !t.critAckd,
	}
}

// AcknowledgeCritical marks the current critical state as seen by the
// operator. Outside the critical category it does nothing and returns false.
func (t *Tracker) AcknowledgeCritical() bool {
	if !t.hasLast || t.last != types.Critical {
		return false
	}
	t.critAckd = true
	return true
}

// Reset returns the tracker to its initial state.
func (t *Tracker) Reset() {
	*t = Tracker{}
}

// Count returns the number of alerts raised since the last Reset.
func (t *Tracker) Count() int {
	return t.count
}

// Snapshot returns a copy of the tracker state.
func (t *Tracker) Snapshot() types.AlertSnapshot {
	snap := types.AlertSnapshot{
		Count:                t.count,
		CriticalAcknowledged: t.critAckd,
	}
	if t.hasLast {
		last := t.last
		snap.LastCategory = &last
	}
	return snap
}
