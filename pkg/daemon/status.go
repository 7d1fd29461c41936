package daemon

import (
	"sync"
	"time"

	"github.com/modoterra/dicewatch/internal/buildinfo"
	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

// Phase is the daemon lifecycle phase shown in status.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseFailed   Phase = "failed"
)

const recentRollsCap = 500

// rollBuffer is a ring buffer of recent rolls.
type rollBuffer struct {
	rolls []core.RollEvent
	max   int
}

func (b *rollBuffer) add(evt core.RollEvent) {
	b.rolls = append(b.rolls, evt)
	if len(b.rolls) > b.max {
		b.rolls = b.rolls[len(b.rolls)-b.max:]
	}
}

func (b *rollBuffer) last(n int) []core.RollEvent {
	if n <= 0 || n > len(b.rolls) {
		n = len(b.rolls)
	}
	out := make([]core.RollEvent, n)
	copy(out, b.rolls[len(b.rolls)-n:])
	return out
}

// Status is the snapshot served over the status socket. The poll loop
// writes it; socket handlers only read it.
type Status struct {
	mu sync.RWMutex

	url              string
	rotationInterval time.Duration
	startedAt        time.Time
	phase            Phase
	seq              SeqState
	segment          *uds.SegmentStatus
	lastRoll         *core.RollEvent
	rolls            int
	rotations        int
	deliveries       int
	undelivered      int
	recent           rollBuffer
}

// NewStatus creates an empty snapshot.
func NewStatus(url string, rotationInterval time.Duration, startedAt time.Time) *Status {
	return &Status{
		url:              url,
		rotationInterval: rotationInterval,
		startedAt:        startedAt,
		phase:            PhaseStarting,
		recent:           rollBuffer{max: recentRollsCap},
	}
}

func (s *Status) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Status) setSegment(info rolllog.SegmentInfo, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.segment = nil
		return
	}
	seg := segmentStatus(info)
	s.segment = &seg
}

func (s *Status) recordRoll(evt core.RollEvent, seq SeqState, seg rolllog.SegmentInfo, ok bool) {
	s.mu.Lock()
	s.rolls++
	s.lastRoll = &evt
	s.seq = seq
	s.recent.add(evt)
	s.mu.Unlock()
	s.setSegment(seg, ok)
}

func (s *Status) recordHandoff(delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delivered {
		s.deliveries++
	} else {
		s.undelivered++
	}
}

func (s *Status) recordRotation(rot rolllog.Rotation) {
	s.mu.Lock()
	s.rotations++
	s.mu.Unlock()
	s.setSegment(rot.Opened, rot.Opened.Path != "")
}

// Snapshot returns the current state.
func (s *Status) Snapshot() uds.StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := uds.StatusResponse{
		Version:          buildinfo.Version,
		URL:              s.url,
		StartedAt:        s.startedAt,
		Phase:            string(s.phase),
		Sequencer:        s.seq.String(),
		Rolls:            s.rolls,
		Rotations:        s.rotations,
		Deliveries:       s.deliveries,
		Undelivered:      s.undelivered,
		RotationInterval: s.rotationInterval.String(),
	}
	if s.segment != nil {
		seg := *s.segment
		resp.Segment = &seg
	}
	if s.lastRoll != nil {
		r := *s.lastRoll
		resp.LastRoll = &r
	}
	return resp
}

// Recent returns up to n recent rolls, oldest first. n <= 0 returns all
// retained rolls.
func (s *Status) Recent(n int) []core.RollEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recent.last(n)
}

func segmentStatus(info rolllog.SegmentInfo) uds.SegmentStatus {
	return uds.SegmentStatus{Path: info.Path, OpenedAt: info.OpenedAt, Rows: info.Rows}
}
