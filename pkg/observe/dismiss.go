package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/dicewatch/pkg/surface"
)

// Interstitial is a blocking overlay dismissed once at startup.
type Interstitial struct {
	Name    string
	Control surface.Control
	Timeout time.Duration
}

// Dismisser clicks interstitial controls in whichever frame they appear.
type Dismisser struct {
	surface  surface.Surface
	interval time.Duration
	logger   *slog.Logger
}

// NewDismisser creates a dismisser that retries every interval.
func NewDismisser(s surface.Surface, interval time.Duration, logger *slog.Logger) *Dismisser {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dismisser{surface: s, interval: interval, logger: logger}
}

// Dismiss waits up to it.Timeout for the control to appear in any frame and
// clicks it once.
func (d *Dismisser) Dismiss(ctx context.Context, it Interstitial) error {
	timeout := it.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		clicked, err := d.tryClick(waitCtx, it.Control)
		if err != nil {
			return err
		}
		if clicked {
			d.logger.Info("interstitial dismissed", "name", it.Name)
			return nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%s: control not found within %s", it.Name, timeout)
		case <-ticker.C:
		}
	}
}

func (d *Dismisser) tryClick(ctx context.Context, c surface.Control) (bool, error) {
	frames, err := d.surface.Frames(ctx)
	if err != nil {
		if errors.Is(err, surface.ErrSurfaceGone) {
			return false, err
		}
		return false, nil
	}
	for _, f := range frames {
		clicked, err := d.surface.Click(ctx, f, c)
		if err != nil {
			if errors.Is(err, surface.ErrSurfaceGone) {
				return false, err
			}
			d.logger.Debug("click attempt failed", "frame", f.ID, "err", err)
			continue
		}
		if clicked {
			d.logger.Debug("control clicked", "frame", f.ID, "url", f.URL)
			return true, nil
		}
	}
	return false, nil
}
