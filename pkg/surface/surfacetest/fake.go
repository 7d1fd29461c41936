// Package surfacetest provides an in-memory surface.Surface for tests.
package surfacetest

import (
	"context"
	"sync"

	"github.com/modoterra/dicewatch/pkg/surface"
)

// Fake is a scripted surface. Each frame holds a list of image references;
// Scenes advance one step per Frames call when set.
type Fake struct {
	mu sync.Mutex

	// Frames and their visible images. Keys of Images are frame IDs.
	FrameList []surface.Frame
	Images    map[string][]string

	// Scenes, when non-empty, replaces Images on every Frames call, in
	// order. The last scene repeats.
	Scenes []map[string][]string

	// FrameErrors makes VisibleImages fail for the given frame IDs.
	FrameErrors map[string]error

	// Clickable lists frame IDs whose Click succeeds.
	Clickable map[string]bool

	// NavigateErrs are returned by successive Navigate calls before
	// navigation starts succeeding.
	NavigateErrs []error

	// Gone makes every call fail with surface.ErrSurfaceGone.
	Gone bool

	Navigated  []string
	Clicks     int
	FrameCalls int
	Closed     bool
}

// NewFake returns a surface with a single main frame.
func NewFake() *Fake {
	return &Fake{
		FrameList:   []surface.Frame{{ID: "main", URL: "https://example.test/"}},
		Images:      map[string][]string{},
		FrameErrors: map[string]error{},
		Clickable:   map[string]bool{},
	}
}

// AddFrame appends a child frame of main.
func (f *Fake) AddFrame(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FrameList = append(f.FrameList, surface.Frame{ID: id, URL: "https://widget.test/" + id, Parent: "main"})
}

// SetImages replaces the images of one frame.
func (f *Fake) SetImages(frameID string, refs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[frameID] = refs
}

// SetGone toggles the dead-surface state.
func (f *Fake) SetGone(gone bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gone = gone
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Gone {
		return surface.ErrSurfaceGone
	}
	f.Navigated = append(f.Navigated, url)
	if len(f.NavigateErrs) > 0 {
		err := f.NavigateErrs[0]
		f.NavigateErrs = f.NavigateErrs[1:]
		return err
	}
	return ctx.Err()
}

func (f *Fake) Frames(ctx context.Context) ([]surface.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Gone {
		return nil, surface.ErrSurfaceGone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.Scenes) > 0 {
		idx := min(f.FrameCalls, len(f.Scenes)-1)
		f.Images = f.Scenes[idx]
	}
	f.FrameCalls++
	out := make([]surface.Frame, len(f.FrameList))
	copy(out, f.FrameList)
	return out, nil
}

func (f *Fake) VisibleImages(ctx context.Context, frame surface.Frame) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Gone {
		return nil, surface.ErrSurfaceGone
	}
	if err := f.FrameErrors[frame.ID]; err != nil {
		return nil, err
	}
	refs := f.Images[frame.ID]
	out := make([]string, len(refs))
	copy(out, refs)
	return out, nil
}

func (f *Fake) Click(ctx context.Context, frame surface.Frame, _ surface.Control) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Gone {
		return false, surface.ErrSurfaceGone
	}
	if f.Clickable[frame.ID] {
		f.Clicks++
		return true, nil
	}
	return false, ctx.Err()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

var _ surface.Surface = (*Fake)(nil)
