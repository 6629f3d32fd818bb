// Package checkpoint records which items of a run were already attempted so
// an interrupted run can resume without repeating remote calls.
package checkpoint

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeChecked Outcome = "checked"
	OutcomeFailed  Outcome = "failed"
)

type Entry struct {
	ItemID  string    `json:"id"`
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// Log is an append-only item log for one run.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context) ([]Entry, error)
}

// Opener returns the log of a run given its id and artifact folder.
type Opener func(jobID, folder string) Log

// State is a replayed log: the first entry per item wins.
type State struct {
	outcomes map[string]Outcome
	order    []string
}

func Replay(ctx context.Context, l Log) (State, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return State{}, err
	}
	return Build(entries), nil
}

func Build(entries []Entry) State {
	s := State{outcomes: make(map[string]Outcome, len(entries))}
	for _, e := range entries {
		if _, seen := s.outcomes[e.ItemID]; seen || e.ItemID == "" {
			continue
		}
		s.outcomes[e.ItemID] = e.Outcome
		s.order = append(s.order, e.ItemID)
	}
	return s
}

func (s State) Has(id string) bool {
	_, ok := s.outcomes[id]
	return ok
}

// Processed returns item ids in first-seen order.
func (s State) Processed() []string { return append([]string(nil), s.order...) }

func (s State) Len() int { return len(s.order) }

func (s State) Counts() (checked, failed int) {
	for _, o := range s.outcomes {
		if o == OutcomeChecked {
			checked++
		} else {
			failed++
		}
	}
	return checked, failed
}

// Mark adds an entry to the in-memory state, returning false if the item
// was already present.
func (s *State) Mark(e Entry) bool {
	if s.outcomes == nil {
		s.outcomes = map[string]Outcome{}
	}
	if _, seen := s.outcomes[e.ItemID]; seen {
		return false
	}
	s.outcomes[e.ItemID] = e.Outcome
	s.order = append(s.order, e.ItemID)
	return true
}
