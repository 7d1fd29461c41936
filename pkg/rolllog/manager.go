package rolllog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/delivery"
)

// State is the rotation manager state.
type State int

const (
	StateOpen State = iota
	StateRotating
)

func (s State) String() string {
	if s == StateRotating {
		return "rotating"
	}
	return "open"
}

// ManagerConfig configures rotation.
type ManagerConfig struct {
	Dir      string
	Interval time.Duration // <= 0 disables time-based rotation
	// SkipEmpty closes segments without rows but does not deliver them.
	SkipEmpty bool
	// DeliveryTimeout bounds one handoff; <= 0 means no bound. A handoff
	// ignores cancellation of the caller's ctx but keeps its deadline.
	DeliveryTimeout time.Duration
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Rotation describes one completed rotation.
type Rotation struct {
	Closed    SegmentInfo `json:"closed"`
	Opened    SegmentInfo `json:"opened"`
	Delivered bool        `json:"delivered"`
}

// Manager owns the single open segment. It is driven from one goroutine
// and does no locking.
type Manager struct {
	cfg     ManagerConfig
	sink    delivery.Sink
	logger  *slog.Logger
	current *Segment
	state   State
}

// NewManager creates a manager handing closed segments to sink.
func NewManager(cfg ManagerConfig, sink delivery.Sink, logger *slog.Logger) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, sink: sink, logger: logger}
}

// Open creates the first segment. It fails if one is already open.
func (m *Manager) Open() (SegmentInfo, error) {
	if m.current != nil {
		return SegmentInfo{}, fmt.Errorf("segment already open: %s", m.current.Path)
	}
	return m.open()
}

func (m *Manager) open() (SegmentInfo, error) {
	seg, err := Create(m.cfg.Dir, m.cfg.Now())
	if err != nil {
		return SegmentInfo{}, err
	}
	m.current = seg
	m.state = StateOpen
	m.logger.Info("segment opened", "path", seg.Path)
	return seg.Info(), nil
}

// Current returns the open segment, or nil.
func (m *Manager) Current() *Segment { return m.current }

// CurrentInfo snapshots the open segment.
func (m *Manager) CurrentInfo() (SegmentInfo, bool) {
	if m.current == nil {
		return SegmentInfo{}, false
	}
	return m.current.Info(), true
}

// State returns the manager state.
func (m *Manager) State() State { return m.state }

// Due reports whether the open segment has reached the rotation interval.
func (m *Manager) Due() bool {
	if m.current == nil || m.cfg.Interval <= 0 {
		return false
	}
	return m.cfg.Now().Sub(m.current.OpenedAt) >= m.cfg.Interval
}

// RotateIfDue closes, hands off and replaces the open segment when its
// interval has elapsed. If no segment is open (a previous open failed) it
// retries opening one. The boolean reports whether a rotation happened.
func (m *Manager) RotateIfDue(ctx context.Context) (Rotation, bool, error) {
	if m.current == nil {
		if _, err := m.open(); err != nil {
			return Rotation{}, false, fmt.Errorf("reopen segment: %w", err)
		}
		return Rotation{}, false, nil
	}
	if !m.Due() {
		return Rotation{}, false, nil
	}

	m.state = StateRotating
	closed, delivered := m.finish(ctx)

	opened, err := m.open()
	if err != nil {
		return Rotation{Closed: closed, Delivered: delivered}, true, fmt.Errorf("open next segment: %w", err)
	}
	m.logger.Info("segment rotated", "closed", closed.Path, "rows", closed.Rows, "opened", opened.Path)
	return Rotation{Closed: closed, Opened: opened, Delivered: delivered}, true, nil
}

// Append writes evt to the open segment.
func (m *Manager) Append(evt core.RollEvent) error {
	if m.current == nil {
		return fmt.Errorf("no open segment")
	}
	return m.current.Append(evt)
}

// Close finalizes and hands off the open segment. Safe to call when no
// segment is open.
func (m *Manager) Close(ctx context.Context) (SegmentInfo, bool) {
	if m.current == nil {
		return SegmentInfo{}, false
	}
	info, delivered := m.finish(ctx)
	m.logger.Info("final segment closed", "path", info.Path, "rows", info.Rows, "delivered", delivered)
	return info, delivered
}

// finish closes the open segment, drops the manager's reference and hands
// the file to the sink exactly once.
func (m *Manager) finish(ctx context.Context) (SegmentInfo, bool) {
	seg := m.current
	m.current = nil
	if err := seg.Close(m.cfg.Now()); err != nil {
		m.logger.Error("segment close failed", "path", seg.Path, "err", err)
	}
	return seg.Info(), m.handOff(ctx, seg)
}

func (m *Manager) handOff(ctx context.Context, seg *Segment) bool {
	if seg.handedOff {
		return false
	}
	seg.handedOff = true

	if m.cfg.SkipEmpty && seg.Rows() == 0 {
		m.logger.Info("empty segment not delivered", "path", seg.Path)
		return false
	}
	if m.sink == nil {
		return false
	}
	sendCtx, cancel := m.deliveryContext(ctx)
	defer cancel()
	doc := delivery.Document{Path: seg.Path, Caption: Caption(seg.Info())}
	if err := m.sink.Send(sendCtx, doc); err != nil {
		m.logger.Warn("segment delivery failed; file kept on disk", "path", seg.Path, "err", err)
		return false
	}
	m.logger.Info("segment handed off", "path", seg.Path, "rows", seg.Rows())
	return true
}

// deliveryContext detaches a handoff from ctx cancellation so an interrupt
// arriving mid-upload still lets the segment reach every destination.
func (m *Manager) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, bounded := ctx.Deadline()
	if m.cfg.DeliveryTimeout > 0 {
		if d := time.Now().Add(m.cfg.DeliveryTimeout); !bounded || d.Before(deadline) {
			deadline, bounded = d, true
		}
	}
	detached := context.WithoutCancel(ctx)
	if bounded {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

// Caption describes a closed segment for the delivery message.
func Caption(info SegmentInfo) string {
	const layout = "2006-01-02 15:04:05"
	return fmt.Sprintf("Dice results %s to %s, %d rolls",
		info.OpenedAt.Local().Format(layout), info.ClosedAt.Local().Format(layout), info.Rows)
}
