package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/surface"
)

// Kind is the outcome of one resolve attempt.
type Kind int

const (
	// NoObservation means no complete pair was resolvable. It is the
	// common case and not an error.
	NoObservation Kind = iota
	// Observed carries a resolved pair.
	Observed
	// SurfaceFailed means the surface handle is gone; Err is set.
	SurfaceFailed
)

func (k Kind) String() string {
	switch k {
	case NoObservation:
		return "no-observation"
	case Observed:
		return "observed"
	case SurfaceFailed:
		return "surface-failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Observation is the result of Resolve.
type Observation struct {
	Kind   Kind
	Pair   core.Pair
	Assets []string
	Err    error
}

// ResolverConfig controls the inner poll.
type ResolverConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Heartbeat, if set, is called on every inner poll. The daemon uses it
	// to keep the service watchdog fed during a long wait for dice.
	Heartbeat func()
}

// DefaultResolverConfig polls four times a second for up to 30s.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{PollInterval: 250 * time.Millisecond, Timeout: 30 * time.Second}
}

// Resolver polls a Reader until two dice are visible.
type Resolver struct {
	reader *Reader
	table  *core.FingerprintTable
	cfg    ResolverConfig
	logger *slog.Logger
}

// NewResolver creates a resolver. Zero config values fall back to defaults.
func NewResolver(reader *Reader, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	def := DefaultResolverConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reader: reader, table: reader.table, cfg: cfg, logger: logger}
}

// Resolve polls until two distinct dice assets are visible or the timeout
// elapses. Absence of dice yields NoObservation; only a dead surface yields
// SurfaceFailed. If ctx is cancelled the result is NoObservation with Err
// set to the context error.
func (r *Resolver) Resolve(ctx context.Context) Observation {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if r.cfg.Heartbeat != nil {
			r.cfg.Heartbeat()
		}
		names, err := r.reader.Visible(pollCtx)
		switch {
		case errors.Is(err, surface.ErrSurfaceGone):
			return Observation{Kind: SurfaceFailed, Err: err}
		case err != nil && ctx.Err() == nil && pollCtx.Err() == nil:
			r.logger.Debug("visual scan failed", "err", err)
		case err == nil && len(names) >= maxMatches:
			return r.resolve(names[:maxMatches])
		}

		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return Observation{Kind: NoObservation, Err: err}
			}
			r.logger.Debug("no dice within timeout", "timeout", r.cfg.Timeout, "partial", names)
			return Observation{Kind: NoObservation}
		case <-ticker.C:
		}
	}
}

func (r *Resolver) resolve(names []string) Observation {
	first, ok1 := r.table.Lookup(names[0])
	second, ok2 := r.table.Lookup(names[1])
	if !ok1 || !ok2 {
		return Observation{Kind: NoObservation, Assets: names}
	}
	pair, err := core.NewPair(first, second)
	if err != nil {
		return Observation{Kind: NoObservation, Assets: names}
	}
	return Observation{Kind: Observed, Pair: pair, Assets: names}
}
