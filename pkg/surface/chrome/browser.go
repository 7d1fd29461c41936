// Package chrome implements surface.Surface on a headless Chromium driven
// over the DevTools protocol.
package chrome

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/modoterra/dicewatch/pkg/surface"
)

// worldName names the isolated JS world our queries run in, so page
// scripts can't interfere with them.
const worldName = "dicewatch"

var (
	//go:embed scripts/visible_images.js
	visibleImagesScript string

	//go:embed scripts/click.js
	clickScript string
)

// Options configures the browser process.
type Options struct {
	Headless     bool
	NoSandbox    bool
	ExecPath     string
	UserAgent    string
	WindowWidth  int
	WindowHeight int
}

// Browser is a single Chromium tab.
type Browser struct {
	ctx         context.Context // chromedp tab context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	gone        atomic.Bool
	worlds      *worldCache
	logger      *slog.Logger
}

// New launches Chromium and opens a blank tab. The browser outlives ctx
// cancellation; it is torn down only by Close.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(opts)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chromedp error", "msg", fmt.Sprintf(format, args...))
		}),
	)

	b := &Browser{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		worlds:      newWorldCache(),
		logger:      logger,
	}

	// First Run starts the browser process and creates the tab target.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch ev.(type) {
		case *inspector.EventTargetCrashed, *inspector.EventDetached:
			if !b.gone.Swap(true) {
				logger.Error("browser target lost", "event", fmt.Sprintf("%T", ev))
			}
		default:
			b.worlds.handle(ev)
		}
	})

	logger.Info("browser started", "headless", opts.Headless)
	return b, nil
}

func allocatorOptions(o Options) []chromedp.ExecAllocatorOption {
	w, h := o.WindowWidth, o.WindowHeight
	if w <= 0 || h <= 0 {
		w, h = 1366, 900
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		// Keep cross-origin iframes in the page target so every frame is
		// reachable through the same session.
		chromedp.Flag("disable-site-isolation-trials", true),
		chromedp.Flag("disable-features", "site-per-process,IsolateOrigins,Translate"),
		chromedp.WindowSize(w, h),
	)
	if o.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	return opts
}

// Navigate loads url and waits for the load event.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := b.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Frames returns the frame tree flattened depth-first, main frame first.
func (b *Browser) Frames(ctx context.Context) ([]surface.Frame, error) {
	var tree *page.FrameTree
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("frame tree: %w", err)
	}
	var frames []surface.Frame
	flattenFrames(tree, &frames)
	live := make(map[cdp.FrameID]bool, len(frames))
	for _, f := range frames {
		live[cdp.FrameID(f.ID)] = true
	}
	b.worlds.retain(live)
	return frames, nil
}

func flattenFrames(t *page.FrameTree, out *[]surface.Frame) {
	if t == nil || t.Frame == nil {
		return
	}
	*out = append(*out, surface.Frame{
		ID:     string(t.Frame.ID),
		URL:    t.Frame.URL,
		Parent: string(t.Frame.ParentID),
	})
	for _, child := range t.ChildFrames {
		flattenFrames(child, out)
	}
}

// VisibleImages runs the image scan inside frame.
func (b *Browser) VisibleImages(ctx context.Context, frame surface.Frame) ([]string, error) {
	var refs []string
	if err := b.evalInFrame(ctx, frame, visibleImagesScript, &refs); err != nil {
		return nil, fmt.Errorf("scan frame %s: %w", frame.ID, err)
	}
	return refs, nil
}

// Click clicks the first visible element matching c inside frame.
func (b *Browser) Click(ctx context.Context, frame surface.Frame, c surface.Control) (bool, error) {
	expr, err := clickExpression(c)
	if err != nil {
		return false, err
	}
	var clicked bool
	if err := b.evalInFrame(ctx, frame, expr, &clicked); err != nil {
		return false, fmt.Errorf("click in frame %s: %w", frame.ID, err)
	}
	return clicked, nil
}

// Close shuts the tab and the browser process.
func (b *Browser) Close() error {
	b.gone.Store(true)
	err := chromedp.Cancel(b.ctx)
	b.cancelTab()
	b.cancelAlloc()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (b *Browser) evalInFrame(ctx context.Context, frame surface.Frame, expr string, out any) error {
	fid := cdp.FrameID(frame.ID)
	var raw []byte
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			world, err := b.world(ctx, fid)
			if err != nil {
				return err
			}
			res, exc, err := cdpruntime.Evaluate(expr).
				WithContextID(world).
				WithReturnByValue(true).
				Do(ctx)
			if err != nil {
				// The world died without an event reaching us yet.
				if attempt == 0 && isStaleContext(err) {
					b.worlds.dropFrame(fid)
					continue
				}
				return err
			}
			if exc != nil {
				return fmt.Errorf("script exception: %s", exc.Text)
			}
			if res != nil {
				raw = []byte(res.Value)
			}
			return nil
		}
	}))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("script returned no value")
	}
	return json.Unmarshal(raw, out)
}

// world returns the frame's isolated world, creating it on first use.
func (b *Browser) world(ctx context.Context, frame cdp.FrameID) (cdpruntime.ExecutionContextID, error) {
	if id, ok := b.worlds.get(frame); ok {
		return id, nil
	}
	id, err := page.CreateIsolatedWorld(frame).WithWorldName(worldName).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("isolated world: %w", err)
	}
	b.worlds.put(frame, id)
	return id, nil
}

// run executes actions on the tab while honouring the caller's ctx. Errors
// after the tab has died are reported as surface.ErrSurfaceGone.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	if b.gone.Load() || b.ctx.Err() != nil {
		return surface.ErrSurfaceGone
	}

	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if b.gone.Load() || b.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", surface.ErrSurfaceGone, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Compile-time interface check.
var _ surface.Surface = (*Browser)(nil)
