package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/observe"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

// Observer produces one resolved observation per call.
type Observer interface {
	Resolve(ctx context.Context) observe.Observation
}

// RollLog is the segment writer the loop appends to.
type RollLog interface {
	RotateIfDue(ctx context.Context) (rolllog.Rotation, bool, error)
	Append(evt core.RollEvent) error
	CurrentInfo() (rolllog.SegmentInfo, bool)
}

// Broadcaster pushes events to status clients.
type Broadcaster interface {
	Broadcast(msg uds.Message)
}

// PollLoop drives one tick at a time: rotate check, resolve, dedup,
// append. Ticks never overlap.
type PollLoop struct {
	observer Observer
	log      RollLog
	seq      *Sequencer
	status   *Status
	events   Broadcaster
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
}

// NewPollLoop creates a poll loop. events and notifier may be nil.
func NewPollLoop(observer Observer, log RollLog, seq *Sequencer, status *Status, events Broadcaster, notifier Notifier, interval time.Duration, logger *slog.Logger) *PollLoop {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &PollLoop{
		observer: observer,
		log:      log,
		seq:      seq,
		status:   status,
		events:   events,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled or the surface fails. Cancellation
// returns nil.
func (pl *PollLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	for {
		if err := pl.tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick returns an error only for a lost surface. Everything else is
// logged here and retried next tick.
func (pl *PollLoop) tick(ctx context.Context) error {
	pl.notifier.Watchdog()

	rot, rotated, err := pl.log.RotateIfDue(ctx)
	if err != nil {
		pl.logger.Error("segment rotation failed", "err", err)
	}
	if rotated {
		// A handoff can take most of a watchdog period on its own.
		pl.notifier.Watchdog()
		pl.onRotation(rot)
	}
	pl.status.setSegment(pl.log.CurrentInfo())

	obs := pl.observer.Resolve(ctx)
	switch obs.Kind {
	case observe.SurfaceFailed:
		return fmt.Errorf("observe dice: %w", obs.Err)
	case observe.NoObservation:
		if obs.Err != nil && ctx.Err() == nil {
			pl.logger.Debug("no observation", "err", obs.Err)
		}
		return nil
	}

	evt, ok := pl.seq.Propose(obs.Pair)
	if !ok {
		return nil
	}
	if err := pl.log.Append(evt); err != nil {
		pl.logger.Error("append roll failed", "pair", evt.Pair.String(), "err", err)
		return nil
	}
	pl.seq.Commit(evt)

	info, open := pl.log.CurrentInfo()
	pl.status.recordRoll(evt, pl.seq.State(), info, open)
	pl.logger.Info("new roll",
		"die1", int(evt.Pair.First),
		"die2", int(evt.Pair.Second),
		"sum", evt.Sum,
		"class", string(evt.Class),
	)
	pl.broadcast(uds.EventRollNew, evt)
	return nil
}

func (pl *PollLoop) onRotation(rot rolllog.Rotation) {
	pl.status.recordRotation(rot)
	pl.status.recordHandoff(rot.Delivered)
	if rot.Opened.Path != "" {
		pl.notifier.Status("writing " + rot.Opened.Path)
	}
	pl.broadcast(uds.EventSegmentRotated, uds.RotationEvent{
		Closed:    segmentStatus(rot.Closed),
		Opened:    segmentStatus(rot.Opened),
		Delivered: rot.Delivered,
	})
}

func (pl *PollLoop) broadcast(method string, data any) {
	if pl.events == nil {
		return
	}
	evt, err := uds.NewEvent(method, data)
	if err != nil {
		pl.logger.Error("encode event", "method", method, "err", err)
		return
	}
	pl.events.Broadcast(evt)
}
