package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modoterra/dicewatch/pkg/observe"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/surface"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

const (
	defaultNavigateAttempts = 5
	defaultShutdownTimeout  = 2 * time.Minute
)

// SegmentLog is the rotation manager as the daemon uses it.
type SegmentLog interface {
	RollLog
	Open() (rolllog.SegmentInfo, error)
	Close(ctx context.Context) (rolllog.SegmentInfo, bool)
}

// Dismisser clears one startup interstitial.
type Dismisser interface {
	Dismiss(ctx context.Context, it observe.Interstitial) error
}

// Options wires the daemon's components.
type Options struct {
	URL              string
	Tick             time.Duration
	RotationInterval time.Duration
	Interstitials    []observe.Interstitial
	NavigateAttempts int
	ShutdownTimeout  time.Duration
	Now              func() time.Time

	Surface   surface.Surface
	Observer  Observer
	Dismisser Dismisser
	Log       SegmentLog
	Server    *uds.Server // optional
	Notifier  Notifier    // optional
}

// Daemon is the dicewatchd process: it opens the page, runs the poll loop
// and serves status over the socket.
type Daemon struct {
	opts     Options
	seq      *Sequencer
	status   *Status
	notifier Notifier
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error

	shutdownOnce sync.Once
}

// New creates a daemon. Surface, Observer and Log are required.
func New(opts Options, logger *slog.Logger) *Daemon {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.NavigateAttempts <= 0 {
		opts.NavigateAttempts = defaultNavigateAttempts
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		opts:     opts,
		seq:      NewSequencer(opts.Now),
		status:   NewStatus(opts.URL, opts.RotationInterval, opts.Now()),
		notifier: notifier,
		logger:   logger,
		sleep:    sleepCtx,
	}
	if opts.Server != nil {
		d.registerHandlers(opts.Server)
	}
	return d
}

// Status returns the live status snapshot.
func (d *Daemon) Status() *Status { return d.status }

// Run navigates, dismisses interstitials, opens the first segment and
// polls until ctx is cancelled. It returns an error if the page cannot be
// loaded or the surface is lost. Callers must call Shutdown afterwards on
// every path.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.Server != nil {
		go func() {
			if err := d.opts.Server.Start(ctx); err != nil {
				d.logger.Error("status server stopped", "err", err)
			}
		}()
	}

	if err := d.navigate(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		d.status.setPhase(PhaseFailed)
		return err
	}
	d.dismissInterstitials(ctx)

	info, err := d.opts.Log.Open()
	if err != nil {
		d.status.setPhase(PhaseFailed)
		return fmt.Errorf("open first segment: %w", err)
	}
	d.status.setSegment(info, true)
	d.status.setPhase(PhaseRunning)
	d.notifier.Ready("writing " + info.Path)
	d.logger.Info("watching", "url", d.opts.URL, "segment", info.Path, "tick", d.opts.Tick)

	var events Broadcaster
	if d.opts.Server != nil {
		events = d.opts.Server
	}
	loop := NewPollLoop(d.opts.Observer, d.opts.Log, d.seq, d.status, events, d.notifier, d.opts.Tick, d.logger)
	if err := loop.Run(ctx); err != nil {
		d.status.setPhase(PhaseFailed)
		return err
	}
	return nil
}

// Shutdown closes and hands off the open segment, then releases the
// surface and the socket. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.status.mu.Lock()
		if d.status.phase != PhaseFailed {
			d.status.phase = PhaseStopping
		}
		d.status.mu.Unlock()
		d.notifier.Stopping()

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
		defer cancel()
		if info, delivered := d.opts.Log.Close(ctx); info.Path != "" {
			d.status.recordHandoff(delivered)
		}
		d.status.setSegment(rolllog.SegmentInfo{}, false)

		if err := d.opts.Surface.Close(); err != nil {
			d.logger.Warn("surface close failed", "err", err)
		}
		if d.opts.Server != nil {
			d.opts.Server.Shutdown()
		}
		d.logger.Info("shutdown complete")
	})
}

func (d *Daemon) navigate(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= d.opts.NavigateAttempts; attempt++ {
		if err = d.opts.Surface.Navigate(ctx, d.opts.URL); err == nil {
			d.logger.Info("page loaded", "url", d.opts.URL)
			return nil
		}
		if errors.Is(err, surface.ErrSurfaceGone) || ctx.Err() != nil {
			return err
		}
		if attempt == d.opts.NavigateAttempts {
			break
		}
		wait := backoff(attempt)
		d.logger.Warn("navigation failed", "attempt", attempt, "retry_in", wait, "err", err)
		if serr := d.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", d.opts.NavigateAttempts, err)
}

func (d *Daemon) dismissInterstitials(ctx context.Context) {
	if d.opts.Dismisser == nil {
		return
	}
	for _, it := range d.opts.Interstitials {
		if err := d.opts.Dismisser.Dismiss(ctx, it); err != nil {
			d.logger.Warn("interstitial not dismissed", "name", it.Name, "err", err)
		}
	}
}

// backoff returns the wait before retry number failures (1s doubling,
// capped at 30s).
func backoff(failures int) time.Duration {
	d := time.Duration(1<<uint(failures-1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
