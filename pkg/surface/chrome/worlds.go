package chrome

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// worldCache holds the isolated world created in each frame, so repeated
// scans reuse one execution context per frame. Entries are dropped when
// the renderer destroys the context or the frame navigates away.
type worldCache struct {
	mu  sync.Mutex
	ids map[cdp.FrameID]cdpruntime.ExecutionContextID
}

func newWorldCache() *worldCache {
	return &worldCache{ids: make(map[cdp.FrameID]cdpruntime.ExecutionContextID)}
}

func (c *worldCache) get(frame cdp.FrameID) (cdpruntime.ExecutionContextID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[frame]
	return id, ok
}

func (c *worldCache) put(frame cdp.FrameID, id cdpruntime.ExecutionContextID) {
	c.mu.Lock()
	c.ids[frame] = id
	c.mu.Unlock()
}

func (c *worldCache) dropFrame(frame cdp.FrameID) {
	c.mu.Lock()
	delete(c.ids, frame)
	c.mu.Unlock()
}

func (c *worldCache) dropContext(id cdpruntime.ExecutionContextID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for frame, cached := range c.ids {
		if cached == id {
			delete(c.ids, frame)
		}
	}
}

// retain forgets frames that are no longer in the tree.
func (c *worldCache) retain(frames map[cdp.FrameID]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for frame := range c.ids {
		if !frames[frame] {
			delete(c.ids, frame)
		}
	}
}

func (c *worldCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// handle applies one DevTools event to the cache.
func (c *worldCache) handle(ev any) {
	switch e := ev.(type) {
	case *cdpruntime.EventExecutionContextDestroyed:
		c.dropContext(e.ExecutionContextID)
	case *cdpruntime.EventExecutionContextsCleared:
		c.mu.Lock()
		clear(c.ids)
		c.mu.Unlock()
	case *page.EventFrameNavigated:
		if e.Frame != nil {
			c.dropFrame(e.Frame.ID)
		}
	case *page.EventFrameDetached:
		c.dropFrame(e.FrameID)
	}
}

// isStaleContext reports an evaluation against a context the renderer has
// already destroyed.
func isStaleContext(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Cannot find context")
}
