package zonesigner

import (
	"fmt"
	"time"
)

// State is the lifecycle stage of a key. States are ordered; a key never
// moves backwards as time advances.
type State uint8

const (
	StateGenerated State = iota
	StatePublished
	StateActive
	StateRetired
	StateRemoved
)

var stateNames = [...]string{"generated", "published", "active", "retired", "removed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Timeline holds the five lifecycle instants of a key.
type Timeline struct {
	Generate Instant
	Publish  Instant
	Active   Instant
	Retire   Instant
	Remove   Instant
}

func (t Timeline) stages() [5]Instant {
	return [5]Instant{t.Generate, t.Publish, t.Active, t.Retire, t.Remove}
}

// StateAt returns the highest stage whose instant has been reached. A
// reached later stage implies all earlier ones, so an unset publish with a
// reached activate yields Active.
func (t Timeline) StateAt(now time.Time) State {
	stages := t.stages()
	for s := StateRemoved; s > StateGenerated; s-- {
		if stages[s].Reached(now) {
			return s
		}
	}
	return StateGenerated
}

// NextTransition returns the earliest future instant at which StateAt
// changes.
func (t Timeline) NextTransition(now time.Time) (time.Time, bool) {
	current := t.StateAt(now)
	stages := t.stages()

	var next time.Time
	found := false
	for s := current + 1; s <= StateRemoved; s++ {
		at, ok := stages[s].Time()
		if !ok || !at.After(now) {
			continue
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// Validate checks that the concrete instants are in lifecycle order.
// Immediate and unset stages are not ordered against the others, and an
// Immediate stage supersedes every stage below it.
func (t Timeline) Validate() error {
	stages := t.stages()

	from := StateGenerated
	for s := StateRemoved; s > StateGenerated; s-- {
		if stages[s].Kind() == Immediate {
			from = s + 1
			break
		}
	}

	var (
		prev      time.Time
		prevState State
		havePrev  bool
	)
	for s := from; s <= StateRemoved; s++ {
		at, ok := stages[s].Time()
		if !ok {
			continue
		}
		if havePrev && at.Before(prev) {
			return fmt.Errorf("%w: %s at %s precedes %s at %s",
				ErrContradictoryTimeline, s, at.Format(time.RFC3339), prevState, prev.Format(time.RFC3339))
		}
		prev, prevState, havePrev = at, s, true
	}
	return nil
}
