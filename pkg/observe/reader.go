// Package observe turns a live render surface into dice observations.
package observe

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/surface"
)

// maxMatches is how many dice the reader ever reports.
const maxMatches = 2

// Reader scans every frame of a surface for visible dice assets.
type Reader struct {
	surface surface.Surface
	table   *core.FingerprintTable
	logger  *slog.Logger
}

// NewReader creates a reader matching against table.
func NewReader(s surface.Surface, table *core.FingerprintTable, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{surface: s, table: table, logger: logger}
}

// Visible returns up to two distinct fingerprinted asset names currently
// visible, in the order first encountered across frames. A frame that fails
// to answer is skipped; only surface.ErrSurfaceGone aborts the scan.
func (r *Reader) Visible(ctx context.Context) ([]string, error) {
	frames, err := r.surface.Frames(ctx)
	if err != nil {
		return nil, err
	}

	var matches []string
	seen := make(map[string]bool, maxMatches)
	for _, f := range frames {
		refs, err := r.surface.VisibleImages(ctx, f)
		if err != nil {
			if errors.Is(err, surface.ErrSurfaceGone) {
				return nil, err
			}
			if ctx.Err() != nil {
				return matches, ctx.Err()
			}
			r.logger.Debug("frame scan failed", "frame", f.ID, "url", f.URL, "err", err)
			continue
		}
		// One entry per asset name: a double drawn from a single image
		// yields one match and stays unresolved.
		for _, ref := range refs {
			name := core.AssetName(ref)
			if name == "" || seen[name] || !r.table.Has(name) {
				continue
			}
			seen[name] = true
			matches = append(matches, name)
			if len(matches) == maxMatches {
				return matches, nil
			}
		}
	}
	return matches, nil
}
