package daemon

import (
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
)

// SeqState is the deduplication sequencer state.
type SeqState int

const (
	AwaitingFirst SeqState = iota
	Steady
)

func (s SeqState) String() string {
	if s == Steady {
		return "steady"
	}
	return "awaiting-first"
}

// Sequencer turns a stream of observed pairs into roll events, emitting
// only on change. Recording is two-phase: Propose builds the event and
// Commit advances the state once the event is durably stored, so a failed
// write is retried on the next observation.
type Sequencer struct {
	now      func() time.Time
	last     core.Pair
	has      bool
	lastTime time.Time
}

// NewSequencer creates a sequencer. A nil now uses time.Now.
func NewSequencer(now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	return &Sequencer{now: now}
}

// State reports whether a pair has been recorded yet.
func (s *Sequencer) State() SeqState {
	if s.has {
		return Steady
	}
	return AwaitingFirst
}

// Last returns the last recorded pair.
func (s *Sequencer) Last() (core.Pair, bool) { return s.last, s.has }

// Propose returns the event to record for p, or false if p equals the
// last recorded pair. Timestamps never go backwards even if the wall
// clock does.
func (s *Sequencer) Propose(p core.Pair) (core.RollEvent, bool) {
	if s.has && p == s.last {
		return core.RollEvent{}, false
	}
	at := s.now()
	if at.Before(s.lastTime) {
		at = s.lastTime
	}
	return core.NewRollEvent(at, p), true
}

// Commit records evt as the latest roll.
func (s *Sequencer) Commit(evt core.RollEvent) {
	s.last = evt.Pair
	s.has = true
	s.lastTime = evt.Time
}
