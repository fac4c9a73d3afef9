// Package status models the fine-grained lifecycle of an order as an
// ordered set of stages, each completed at most once.
package status

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Stage names one step of the order lifecycle.
type Stage string

const (
	StageAccepted   Stage = "accepted"
	StageDispatched Stage = "dispatched"
	StageCompleted  Stage = "completed"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{StageAccepted, StageDispatched, StageCompleted}

var (
	// ErrUnknownStage is returned for a stage outside Stages.
	ErrUnknownStage = errors.New("unknown status stage")
	// ErrOutOfOrder is returned when a change would leave a completed stage
	// after an incomplete one.
	ErrOutOfOrder = errors.New("status stages out of order")
)

// Index returns the position of s in Stages, or -1 if s is unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", errors.Wrap(ErrUnknownStage, v)
	}
	return s, nil
}

// Entry records completion of one stage.
type Entry struct {
	Stage       Stage
	Completed   bool
	CompletedAt *time.Time
}

// History maps a stage to its completion record. Stages not yet reached are
// absent. A History is treated as immutable: every operation returns a copy.
type History map[Stage]Entry

// Clone returns a deep copy of h.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for k, e := range h {
		if e.CompletedAt != nil {
			at := *e.CompletedAt
			e.CompletedAt = &at
		}
		out[k] = e
	}
	return out
}

// IsCompleted reports whether stage s has been completed.
func (h History) IsCompleted(s Stage) bool {
	return h[s].Completed
}

// Advance returns a history with stage marked complete at at. Advancing a
// stage that is already complete returns an identical copy: the first
// completion timestamp is kept.
func (h History) Advance(stage Stage, at time.Time) (History, error) {
	if !stage.Valid() {
		return nil, errors.Wrap(ErrUnknownStage, string(stage))
	}
	out := h.Clone()
	if out == nil {
		out = make(History, len(Stages))
	}
	if out.IsCompleted(stage) {
		return out, nil
	}
	ts := at
	out[stage] = Entry{Stage: stage, Completed: true, CompletedAt: &ts}
	return out, nil
}

// AdvanceThrough completes stage and every earlier stage that is still
// incomplete, all at the same timestamp. It keeps the history monotonic when
// the coarse order status jumps ahead, e.g. an order completed without an
// explicit dispatch.
func (h History) AdvanceThrough(stage Stage, at time.Time) (History, error) {
	idx := stage.Index()
	if idx < 0 {
		return nil, errors.Wrap(ErrUnknownStage, string(stage))
	}
	out := h.Clone()
	var err error
	for _, s := range Stages[:idx+1] {
		if out, err = out.Advance(s, at); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Retreat returns a history with stage cleared. It refuses to clear a stage
// while a later one is still complete.
func (h History) Retreat(stage Stage) (History, error) {
	idx := stage.Index()
	if idx < 0 {
		return nil, errors.Wrap(ErrUnknownStage, string(stage))
	}
	for _, later := range Stages[idx+1:] {
		if h.IsCompleted(later) {
			return nil, errors.Wrapf(ErrOutOfOrder, "cannot clear %s while %s is complete", stage, later)
		}
	}
	out := h.Clone()
	delete(out, stage)
	return out, nil
}

// CurrentStageIndex returns the index of the last completed stage, or -1.
func (h History) CurrentStageIndex() int {
	current := -1
	for i, s := range Stages {
		if h.IsCompleted(s) {
			current = i
		}
	}
	return current
}

// Current returns the last completed stage and whether there is one.
func (h History) Current() (Stage, bool) {
	idx := h.CurrentStageIndex()
	if idx < 0 {
		return "", false
	}
	return Stages[idx], true
}

// Project returns one entry per known stage in lifecycle order, suitable for
// rendering a linear timeline. Unreached stages are reported incomplete.
func (h History) Project() []Entry {
	out := make([]Entry, 0, len(Stages))
	for _, s := range Stages {
		e, ok := h[s]
		if !ok || !e.Completed {
			out = append(out, Entry{Stage: s})
			continue
		}
		if e.CompletedAt != nil {
			at := *e.CompletedAt
			e.CompletedAt = &at
		}
		out = append(out, Entry{Stage: s, Completed: true, CompletedAt: e.CompletedAt})
	}
	return out
}

// Validate reports an unknown stage, a completed entry without a timestamp,
// or a completed stage following an incomplete one.
func (h History) Validate() error {
	for s, e := range h {
		if !s.Valid() {
			return errors.Wrap(ErrUnknownStage, string(s))
		}
		if e.Completed && e.CompletedAt == nil {
			return fmt.Errorf("stage %s completed without timestamp", s)
		}
	}
	gap := Stage("")
	for _, s := range Stages {
		if !h.IsCompleted(s) {
			if gap == "" {
				gap = s
			}
			continue
		}
		if gap != "" {
			return errors.Wrapf(ErrOutOfOrder, "%s complete before %s", s, gap)
		}
	}
	return nil
}
