package observe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/surface"
	"github.com/modoterra/dicewatch/pkg/surface/surfacetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTable(t *testing.T) *core.FingerprintTable {
	t.Helper()
	table, err := core.NewFingerprintTable(map[string]int{
		"dice-1.png": 1, "dice-2.png": 2, "dice-3.png": 3,
		"dice-4.png": 4, "dice-5.png": 5, "dice-6.png": 6,
		"dice-3-gold.png": 3, "dice-4-gold.png": 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func fastResolver(t *testing.T, fake *surfacetest.Fake) *Resolver {
	t.Helper()
	reader := NewReader(fake, testTable(t), testLogger())
	return NewResolver(reader, ResolverConfig{PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond}, testLogger())
}

func TestReaderOrderDedupAndTruncate(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetImages("main",
		"https://cdn.test/logo.png",
		"https://cdn.test/dice-5.png",
		`url("https://cdn.test/dice-5.png")`,
		"https://cdn.test/dice-2.png?v=3",
		"https://cdn.test/dice-6.png",
	)
	r := NewReader(fake, testTable(t), testLogger())
	got, err := r.Visible(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "dice-5.png" || got[1] != "dice-2.png" {
		t.Errorf("got %v, want [dice-5.png dice-2.png]", got)
	}
}

func TestReaderSearchesNestedFrames(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.AddFrame("widget")
	fake.SetImages("main", "https://cdn.test/banner.jpg")
	fake.SetImages("widget", "https://cdn.test/dice-1.png", "https://cdn.test/dice-4.png")

	r := NewReader(fake, testTable(t), testLogger())
	got, err := r.Visible(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "dice-1.png" || got[1] != "dice-4.png" {
		t.Errorf("got %v", got)
	}
}

func TestReaderSwallowsSingleFrameFailure(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.AddFrame("broken")
	fake.AddFrame("widget")
	fake.FrameErrors["broken"] = errors.New("execution context was destroyed")
	fake.SetImages("main", "https://cdn.test/dice-3.png")
	fake.SetImages("widget", "https://cdn.test/dice-6.png")

	r := NewReader(fake, testTable(t), testLogger())
	got, err := r.Visible(context.Background())
	if err != nil {
		t.Fatalf("frame failure must not abort the scan: %v", err)
	}
	if len(got) != 2 || got[0] != "dice-3.png" || got[1] != "dice-6.png" {
		t.Errorf("got %v", got)
	}
}

func TestReaderPropagatesSurfaceGone(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetGone(true)
	r := NewReader(fake, testTable(t), testLogger())
	if _, err := r.Visible(context.Background()); !errors.Is(err, surface.ErrSurfaceGone) {
		t.Errorf("got %v, want ErrSurfaceGone", err)
	}
}

func TestResolveObservesPair(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetImages("main", "https://cdn.test/dice-3.png", "https://cdn.test/dice-4.png")

	obs := fastResolver(t, fake).Resolve(context.Background())
	if obs.Kind != Observed {
		t.Fatalf("kind: got %v, want observed", obs.Kind)
	}
	if obs.Pair != (core.Pair{First: 3, Second: 4}) {
		t.Errorf("pair: got %v, want (3,4)", obs.Pair)
	}
}

func TestResolveWaitsForSecondDie(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.Scenes = []map[string][]string{
		{"main": {"https://cdn.test/dice-2.png"}},
		{"main": {"https://cdn.test/dice-2.png"}},
		{"main": {"https://cdn.test/dice-2.png", "https://cdn.test/dice-2.png"}},
		{"main": {"https://cdn.test/dice-2.png", "https://cdn.test/dice-5.png"}},
	}

	obs := fastResolver(t, fake).Resolve(context.Background())
	if obs.Kind != Observed {
		t.Fatalf("kind: got %v, want observed", obs.Kind)
	}
	if obs.Pair != (core.Pair{First: 2, Second: 5}) {
		t.Errorf("pair: got %v, want (2,5)", obs.Pair)
	}
	if fake.FrameCalls < 4 {
		t.Errorf("expected at least 4 polls, got %d", fake.FrameCalls)
	}
}

func TestResolveVariantsResolveToFaces(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetImages("main", "https://cdn.test/dice-3-gold.png", "https://cdn.test/dice-4-gold.png")

	obs := fastResolver(t, fake).Resolve(context.Background())
	if obs.Kind != Observed || obs.Pair != (core.Pair{First: 3, Second: 4}) {
		t.Errorf("got %v %v, want observed (3,4)", obs.Kind, obs.Pair)
	}
}

func TestResolveDoubleNeedsDistinctAssets(t *testing.T) {
	shared := surfacetest.NewFake()
	shared.SetImages("main", "https://cdn.test/dice-3.png", "https://cdn.test/dice-3.png")
	if obs := fastResolver(t, shared).Resolve(context.Background()); obs.Kind != NoObservation {
		t.Errorf("one asset drawn twice: got %v %v, want no-observation", obs.Kind, obs.Pair)
	}

	variants := surfacetest.NewFake()
	variants.SetImages("main", "https://cdn.test/dice-3.png", "https://cdn.test/dice-3-gold.png")
	obs := fastResolver(t, variants).Resolve(context.Background())
	if obs.Kind != Observed || obs.Pair != (core.Pair{First: 3, Second: 3}) {
		t.Errorf("per-die variants: got %v %v, want observed (3,3)", obs.Kind, obs.Pair)
	}
}

func TestResolveTimesOutAsNoObservation(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetImages("main", "https://cdn.test/dice-1.png")

	start := time.Now()
	obs := fastResolver(t, fake).Resolve(context.Background())
	if obs.Kind != NoObservation {
		t.Errorf("kind: got %v, want no-observation", obs.Kind)
	}
	if obs.Err != nil {
		t.Errorf("timeout must not be an error, got %v", obs.Err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("resolver returned before its timeout")
	}
}

func TestResolveHeartbeatsEveryPoll(t *testing.T) {
	fake := surfacetest.NewFake()
	reader := NewReader(fake, testTable(t), testLogger())
	var beats int
	r := NewResolver(reader, ResolverConfig{
		PollInterval: time.Millisecond,
		Timeout:      30 * time.Millisecond,
		Heartbeat:    func() { beats++ },
	}, testLogger())

	r.Resolve(context.Background())
	if beats < 2 {
		t.Errorf("heartbeats during a long wait: got %d, want several", beats)
	}
	if beats < fake.FrameCalls {
		t.Errorf("heartbeats: got %d, want at least one per scan (%d)", beats, fake.FrameCalls)
	}
}

func TestResolveSurfaceGone(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.SetGone(true)

	obs := fastResolver(t, fake).Resolve(context.Background())
	if obs.Kind != SurfaceFailed {
		t.Fatalf("kind: got %v, want surface-failed", obs.Kind)
	}
	if !errors.Is(obs.Err, surface.ErrSurfaceGone) {
		t.Errorf("err: got %v", obs.Err)
	}
}

func TestResolveHonoursCancellation(t *testing.T) {
	fake := surfacetest.NewFake()
	reader := NewReader(fake, testTable(t), testLogger())
	r := NewResolver(reader, ResolverConfig{PollInterval: time.Millisecond, Timeout: time.Hour}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	obs := r.Resolve(ctx)
	if obs.Kind != NoObservation {
		t.Errorf("kind: got %v", obs.Kind)
	}
	if !errors.Is(obs.Err, context.DeadlineExceeded) {
		t.Errorf("err: got %v, want deadline exceeded", obs.Err)
	}
}

func TestResolverDefaults(t *testing.T) {
	reader := NewReader(surfacetest.NewFake(), testTable(t), nil)
	r := NewResolver(reader, ResolverConfig{}, nil)
	def := DefaultResolverConfig()
	if r.cfg.PollInterval != def.PollInterval || r.cfg.Timeout != def.Timeout {
		t.Errorf("got %+v, want defaults", r.cfg)
	}
}

func TestDismissClicksInAnyFrame(t *testing.T) {
	fake := surfacetest.NewFake()
	fake.AddFrame("consent")
	fake.Clickable["consent"] = true

	d := NewDismisser(fake, time.Millisecond, testLogger())
	err := d.Dismiss(context.Background(), Interstitial{
		Name:    "welcome",
		Control: surface.Control{Role: "button", Text: "^OK$"},
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.Clicks != 1 {
		t.Errorf("clicks: got %d, want 1", fake.Clicks)
	}
}

func TestDismissTimesOut(t *testing.T) {
	fake := surfacetest.NewFake()
	d := NewDismisser(fake, time.Millisecond, testLogger())
	err := d.Dismiss(context.Background(), Interstitial{
		Name:    "welcome",
		Control: surface.Control{Selector: "#ok"},
		Timeout: 20 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if fake.Clicks != 0 {
		t.Errorf("clicks: got %d, want 0", fake.Clicks)
	}
}
