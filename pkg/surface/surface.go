// Package surface defines the render-surface boundary: a live page and its
// nested frames that can be navigated, inspected and clicked.
package surface

import (
	"context"
	"errors"
)

// ErrSurfaceGone reports that the page or browser behind a Surface has been
// destroyed. Callers treat it as fatal; every other query error is transient.
var ErrSurfaceGone = errors.New("render surface gone")

// Frame identifies the main document or one embedded sub-document.
type Frame struct {
	ID     string
	URL    string
	Parent string // empty for the main frame
}

// IsMain reports whether the frame is the top-level document.
func (f Frame) IsMain() bool { return f.Parent == "" }

// Control describes an interactive element to click. Either Selector is set,
// or Role plus an optional Text pattern over the element's visible text.
// Text must be accepted by TextPattern.
type Control struct {
	Selector string
	Role     string
	Text     string
}

// Surface is a live page.
type Surface interface {
	// Navigate loads url in the main frame.
	Navigate(ctx context.Context, url string) error

	// Frames returns the main frame followed by every nested frame.
	Frames(ctx context.Context) ([]Frame, error)

	// VisibleImages returns the image references (img sources and CSS
	// background-image urls) of visible elements in one frame, in document
	// order.
	VisibleImages(ctx context.Context, frame Frame) ([]string, error)

	// Click clicks the first visible element in frame matching c.
	// It reports false when nothing matched.
	Click(ctx context.Context, frame Frame, c Control) (bool, error)

	// Close releases the page and its browser.
	Close() error
}
