package chrome

import (
	"errors"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

func TestWorldCacheInvalidation(t *testing.T) {
	c := newWorldCache()
	c.put("main", 11)
	c.put("widget", 12)
	c.put("ads", 13)

	if id, ok := c.get("main"); !ok || id != 11 {
		t.Fatalf("get main: got %d %v", id, ok)
	}

	c.handle(&cdpruntime.EventExecutionContextDestroyed{ExecutionContextID: 12})
	if _, ok := c.get("widget"); ok {
		t.Error("destroyed context still cached")
	}

	c.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main"}})
	if _, ok := c.get("main"); ok {
		t.Error("navigated frame still cached")
	}

	c.put("main", 21)
	c.handle(&page.EventFrameDetached{FrameID: "ads"})
	if c.len() != 1 {
		t.Errorf("after detach: got %d entries, want 1", c.len())
	}

	c.handle(&cdpruntime.EventExecutionContextsCleared{})
	if c.len() != 0 {
		t.Errorf("after clear: got %d entries, want 0", c.len())
	}
}

func TestWorldCacheRetain(t *testing.T) {
	c := newWorldCache()
	c.put("main", 1)
	c.put("gone", 2)
	c.retain(map[cdp.FrameID]bool{"main": true})
	if _, ok := c.get("gone"); ok {
		t.Error("frame outside the tree still cached")
	}
	if _, ok := c.get("main"); !ok {
		t.Error("live frame dropped")
	}
}

func TestIsStaleContext(t *testing.T) {
	if !isStaleContext(errors.New("Cannot find context with specified id (-32000)")) {
		t.Error("stale context not recognised")
	}
	if isStaleContext(errors.New("context deadline exceeded")) || isStaleContext(nil) {
		t.Error("unrelated error treated as stale")
	}
}
