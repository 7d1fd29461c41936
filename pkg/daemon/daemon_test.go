package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/delivery"
	"github.com/modoterra/dicewatch/pkg/observe"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/surface"
	"github.com/modoterra/dicewatch/pkg/surface/surfacetest"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 17, 9, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type observerFunc func(ctx context.Context) observe.Observation

func (f observerFunc) Resolve(ctx context.Context) observe.Observation { return f(ctx) }

// script replays observations in order, then reports nothing.
func script(obs ...observe.Observation) Observer {
	var mu sync.Mutex
	i := 0
	return observerFunc(func(context.Context) observe.Observation {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(obs) {
			return observe.Observation{Kind: observe.NoObservation}
		}
		o := obs[i]
		i++
		return o
	})
}

func seen(a, b core.Face) observe.Observation {
	return observe.Observation{Kind: observe.Observed, Pair: core.Pair{First: a, Second: b}}
}

func nothing() observe.Observation {
	return observe.Observation{Kind: observe.NoObservation}
}

type recordingSink struct {
	mu   sync.Mutex
	docs []delivery.Document
	rows [][]rolllog.Row
}

func (s *recordingSink) Send(_ context.Context, doc delivery.Document) error {
	rows, err := rolllog.ReadSegment(doc.Path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	s.rows = append(s.rows, rows)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

type recordingEvents struct {
	msgs []uds.Message
}

func (r *recordingEvents) Broadcast(msg uds.Message) { r.msgs = append(r.msgs, msg) }

func newManager(t *testing.T, clock *fakeClock, interval time.Duration, sink delivery.Sink) *rolllog.Manager {
	t.Helper()
	m := rolllog.NewManager(rolllog.ManagerConfig{Dir: t.TempDir(), Interval: interval, Now: clock.Now}, sink, testLogger())
	if _, err := m.Open(); err != nil {
		t.Fatal(err)
	}
	return m
}

func newLoop(obs Observer, log RollLog, clock *fakeClock, events Broadcaster) *PollLoop {
	status := NewStatus("https://example.test/", 0, clock.Now())
	return NewPollLoop(obs, log, NewSequencer(clock.Now), status, events, nil, time.Second, testLogger())
}

func TestSequencerEmitsOnlyOnChange(t *testing.T) {
	clock := newClock()
	seq := NewSequencer(clock.Now)
	if seq.State() != AwaitingFirst {
		t.Fatalf("state: got %s", seq.State())
	}

	pairs := []core.Pair{{First: 3, Second: 4}, {First: 3, Second: 4}, {First: 5, Second: 5}, {First: 5, Second: 5}, {First: 3, Second: 4}}
	var events []core.RollEvent
	for _, p := range pairs {
		clock.Advance(time.Second)
		if evt, ok := seq.Propose(p); ok {
			seq.Commit(evt)
			events = append(events, evt)
		}
	}

	want := []struct {
		sum   int
		class core.Classification
	}{{7, core.ClassOdd}, {10, core.ClassEvenPair}, {7, core.ClassOdd}}
	if len(events) != len(want) {
		t.Fatalf("events: got %d, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Sum != w.sum || events[i].Class != w.class {
			t.Errorf("event %d: got %d %q, want %d %q", i, events[i].Sum, events[i].Class, w.sum, w.class)
		}
	}
	if seq.State() != Steady {
		t.Errorf("state: got %s, want steady", seq.State())
	}
}

func TestSequencerOrderMatters(t *testing.T) {
	seq := NewSequencer(nil)
	evt, _ := seq.Propose(core.Pair{First: 3, Second: 4})
	seq.Commit(evt)
	if _, ok := seq.Propose(core.Pair{First: 4, Second: 3}); !ok {
		t.Error("(4,3) after (3,4) is a new roll")
	}
}

func TestSequencerUncommittedProposalRepeats(t *testing.T) {
	seq := NewSequencer(nil)
	p := core.Pair{First: 1, Second: 6}
	if _, ok := seq.Propose(p); !ok {
		t.Fatal("first proposal should emit")
	}
	if _, ok := seq.Propose(p); !ok {
		t.Error("pair must be proposed again until committed")
	}
	if _, has := seq.Last(); has {
		t.Error("nothing recorded before commit")
	}
}

func TestSequencerClampsClock(t *testing.T) {
	clock := newClock()
	seq := NewSequencer(clock.Now)
	first, _ := seq.Propose(core.Pair{First: 1, Second: 1})
	seq.Commit(first)

	clock.Advance(-time.Hour)
	second, ok := seq.Propose(core.Pair{First: 2, Second: 2})
	if !ok {
		t.Fatal("expected event")
	}
	if second.Time.Before(first.Time) {
		t.Errorf("timestamp went backwards: %s < %s", second.Time, first.Time)
	}
}

func TestSequencerEventCountMatchesRuns(t *testing.T) {
	a, b, c := seen(1, 2), seen(6, 6), seen(4, 3)
	tests := []struct {
		name string
		obs  []observe.Observation
		want int
	}{
		{"empty", nil, 0},
		{"only misses", []observe.Observation{nothing(), nothing()}, 0},
		{"same pair repeated", []observe.Observation{a, a, a, a, a, a}, 1},
		{"miss inside run", []observe.Observation{a, nothing(), a, a}, 1},
		{"alternating", []observe.Observation{a, b, a, b}, 4},
		{"three runs", []observe.Observation{a, a, b, nothing(), b, c, c}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := NewSequencer(nil)
			n := 0
			for _, o := range tt.obs {
				if o.Kind != observe.Observed {
					continue
				}
				if evt, ok := seq.Propose(o.Pair); ok {
					seq.Commit(evt)
					n++
				}
			}
			if n != tt.want {
				t.Errorf("got %d events, want %d", n, tt.want)
			}
		})
	}
}

func TestPollLoopRecordsDistinctRolls(t *testing.T) {
	clock := newClock()
	sink := &recordingSink{}
	m := newManager(t, clock, time.Hour, sink)
	events := &recordingEvents{}
	pl := newLoop(script(seen(3, 4), seen(3, 4), seen(5, 5), seen(5, 5), seen(3, 4)), m, clock, events)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if err := pl.tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	m.Close(context.Background())

	if sink.count() != 1 {
		t.Fatalf("handoffs: got %d, want 1", sink.count())
	}
	rows := sink.rows[0]
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want 3", len(rows))
	}
	wantClass := []core.Classification{core.ClassOdd, core.ClassEvenPair, core.ClassOdd}
	for i, r := range rows {
		if r.Class != wantClass[i] {
			t.Errorf("row %d: got %q, want %q", i, r.Class, wantClass[i])
		}
	}
	if rows[0].Clock != "09:00:01" || rows[1].Clock != "09:00:03" {
		t.Errorf("clocks: got %s, %s", rows[0].Clock, rows[1].Clock)
	}
	if len(events.msgs) != 3 || events.msgs[0].Method != uds.EventRollNew {
		t.Errorf("broadcasts: got %d", len(events.msgs))
	}
	if got := pl.status.Snapshot().Rolls; got != 3 {
		t.Errorf("status rolls: got %d, want 3", got)
	}
}

func TestPollLoopToleratesRepeatedMisses(t *testing.T) {
	clock := newClock()
	m := newManager(t, clock, time.Hour, nil)
	calls := 0
	pl := newLoop(observerFunc(func(context.Context) observe.Observation {
		calls++
		return nothing()
	}), m, clock, nil)

	for i := 0; i < 10; i++ {
		if err := pl.tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if calls != 10 {
		t.Errorf("resolver calls: got %d, want 10", calls)
	}
	if info, _ := m.CurrentInfo(); info.Rows != 0 {
		t.Errorf("rows: got %d, want 0", info.Rows)
	}
	if pl.seq.State() != AwaitingFirst {
		t.Errorf("sequencer left awaiting-first without an observation")
	}
}

func TestPollLoopStopsOnSurfaceFailure(t *testing.T) {
	clock := newClock()
	m := newManager(t, clock, time.Hour, nil)
	pl := newLoop(script(observe.Observation{Kind: observe.SurfaceFailed, Err: surface.ErrSurfaceGone}), m, clock, nil)

	err := pl.Run(context.Background())
	if !errors.Is(err, surface.ErrSurfaceGone) {
		t.Fatalf("got %v, want ErrSurfaceGone", err)
	}
}

func TestPollLoopRotatesBeforeDetection(t *testing.T) {
	clock := newClock()
	start := clock.Now()
	sink := &recordingSink{}
	m := newManager(t, clock, 20*time.Second, sink)
	events := &recordingEvents{}

	pl := newLoop(observerFunc(func(context.Context) observe.Observation {
		switch elapsed := clock.Now().Sub(start); {
		case elapsed >= 25*time.Second:
			return seen(5, 5)
		case elapsed >= 5*time.Second:
			return seen(3, 4)
		}
		return nothing()
	}), m, clock, events)

	for sec := 1; sec <= 30; sec++ {
		clock.Advance(time.Second)
		if err := pl.tick(context.Background()); err != nil {
			t.Fatal(err)
		}
		if sec == 20 && sink.count() != 1 {
			t.Fatalf("segment one not handed off at t=20s")
		}
	}
	closed, _ := m.Close(context.Background())

	if sink.count() != 2 {
		t.Fatalf("handoffs: got %d, want 2", sink.count())
	}
	if len(sink.rows[0]) != 1 || sink.rows[0][0].Pair != (core.Pair{First: 3, Second: 4}) {
		t.Errorf("segment one: got %+v", sink.rows[0])
	}
	if len(sink.rows[1]) != 1 || sink.rows[1][0].Pair != (core.Pair{First: 5, Second: 5}) {
		t.Errorf("segment two: got %+v", sink.rows[1])
	}
	if !closed.OpenedAt.Equal(start.Add(20 * time.Second)) {
		t.Errorf("segment two opened at %s", closed.OpenedAt)
	}

	var rotated int
	for _, msg := range events.msgs {
		if msg.Method == uds.EventSegmentRotated {
			rotated++
		}
	}
	if rotated != 1 {
		t.Errorf("rotation events: got %d, want 1", rotated)
	}
	if snap := pl.status.Snapshot(); snap.Rotations != 1 || snap.Deliveries != 1 {
		t.Errorf("status: rotations=%d deliveries=%d", snap.Rotations, snap.Deliveries)
	}
}

// flakyLog fails the first n appends.
type flakyLog struct {
	failures int
	appended []core.RollEvent
}

func (l *flakyLog) RotateIfDue(context.Context) (rolllog.Rotation, bool, error) {
	return rolllog.Rotation{}, false, nil
}

func (l *flakyLog) Append(evt core.RollEvent) error {
	if l.failures > 0 {
		l.failures--
		return errors.New("disk full")
	}
	l.appended = append(l.appended, evt)
	return nil
}

func (l *flakyLog) CurrentInfo() (rolllog.SegmentInfo, bool) {
	return rolllog.SegmentInfo{Path: "mem", Rows: len(l.appended)}, true
}

func TestPollLoopRetriesFailedAppend(t *testing.T) {
	clock := newClock()
	log := &flakyLog{failures: 1}
	pl := newLoop(script(seen(2, 2), seen(2, 2), seen(2, 2)), log, clock, nil)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if err := pl.tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(log.appended) != 1 {
		t.Fatalf("appended: got %d, want 1", len(log.appended))
	}
	if got := log.appended[0].Time; !got.Equal(clock.Now().Add(-time.Second)) {
		t.Errorf("retried roll stamped %s", got)
	}
}

type notifierSpy struct {
	pings int
}

func (n *notifierSpy) Ready(string)  {}
func (n *notifierSpy) Status(string) {}
func (n *notifierSpy) Watchdog()     { n.pings++ }
func (n *notifierSpy) Stopping()     {}

// slowSink takes most of a watchdog period per handoff on the fake clock.
type slowSink struct {
	clock *fakeClock
	wait  time.Duration
}

func (s *slowSink) Send(context.Context, delivery.Document) error {
	s.clock.Advance(s.wait)
	return nil
}

func TestPollLoopFeedsWatchdogAroundSlowHandoff(t *testing.T) {
	clock := newClock()
	m := newManager(t, clock, 10*time.Second, &slowSink{clock: clock, wait: 80 * time.Second})
	spy := &notifierSpy{}
	status := NewStatus("https://example.test/", 0, clock.Now())
	pl := NewPollLoop(script(), m, NewSequencer(clock.Now), status, nil, spy, time.Second, testLogger())

	clock.Advance(time.Second)
	if err := pl.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if spy.pings != 1 {
		t.Fatalf("quiet tick pings: got %d, want 1", spy.pings)
	}

	clock.Advance(10 * time.Second)
	if err := pl.tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if spy.pings != 3 {
		t.Errorf("rotating tick pings: got %d, want 2 more", spy.pings-1)
	}
}

type fakeDismisser struct {
	err   error
	names []string
}

func (f *fakeDismisser) Dismiss(_ context.Context, it observe.Interstitial) error {
	f.names = append(f.names, it.Name)
	return f.err
}

func newDaemon(t *testing.T, s *surfacetest.Fake, obs Observer, sink delivery.Sink) (*Daemon, *fakeDismisser) {
	t.Helper()
	dis := &fakeDismisser{err: errors.New("button never appeared")}
	m := rolllog.NewManager(rolllog.ManagerConfig{Dir: t.TempDir(), Interval: time.Hour}, sink, testLogger())
	d := New(Options{
		URL:           "https://example.test/game",
		Tick:          10 * time.Millisecond,
		Interstitials: []observe.Interstitial{{Name: "cookies"}, {Name: "welcome"}},
		Surface:       s,
		Observer:      obs,
		Dismisser:     dis,
		Log:           m,
	}, testLogger())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d, dis
}

func TestDaemonShutdownHandsOffFinalSegmentOnce(t *testing.T) {
	s := surfacetest.NewFake()
	sink := &recordingSink{}
	d, dis := newDaemon(t, s, script(seen(2, 3)), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Status().Snapshot().Rolls < 1 {
		if time.Now().After(deadline) {
			t.Fatal("roll never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	d.Shutdown()
	d.Shutdown()

	if sink.count() != 1 {
		t.Fatalf("handoffs: got %d, want 1", sink.count())
	}
	if len(sink.rows[0]) != 1 || sink.rows[0][0].Sum != 5 {
		t.Errorf("final segment rows: got %+v", sink.rows[0])
	}
	if !s.Closed {
		t.Error("surface not closed")
	}
	if len(dis.names) != 2 {
		t.Errorf("interstitials attempted: got %v", dis.names)
	}
	if got := d.Status().Snapshot().Phase; got != string(PhaseStopping) {
		t.Errorf("phase: got %s", got)
	}
}

func TestDaemonSurfaceLossStillClosesSegment(t *testing.T) {
	s := surfacetest.NewFake()
	sink := &recordingSink{}
	d, _ := newDaemon(t, s, script(seen(4, 4), observe.Observation{Kind: observe.SurfaceFailed, Err: surface.ErrSurfaceGone}), sink)

	err := d.Run(context.Background())
	if !errors.Is(err, surface.ErrSurfaceGone) {
		t.Fatalf("got %v, want ErrSurfaceGone", err)
	}
	d.Shutdown()
	if sink.count() != 1 || len(sink.rows[0]) != 1 {
		t.Fatalf("final segment not handed off with its row")
	}
	if got := d.Status().Snapshot().Phase; got != string(PhaseFailed) {
		t.Errorf("phase: got %s", got)
	}
}

func TestDaemonNavigationRetries(t *testing.T) {
	s := surfacetest.NewFake()
	s.NavigateErrs = []error{errors.New("timeout"), errors.New("timeout")}
	d, _ := newDaemon(t, s, script(observe.Observation{Kind: observe.SurfaceFailed, Err: surface.ErrSurfaceGone}), nil)
	var waits []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) error {
		waits = append(waits, wait)
		return nil
	}

	d.Run(context.Background())
	d.Shutdown()
	if len(s.Navigated) != 3 {
		t.Errorf("navigations: got %d, want 3", len(s.Navigated))
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits: got %v", waits)
	}
}

func TestDaemonNavigationGivesUp(t *testing.T) {
	s := surfacetest.NewFake()
	for i := 0; i < defaultNavigateAttempts; i++ {
		s.NavigateErrs = append(s.NavigateErrs, errors.New("dns"))
	}
	d, _ := newDaemon(t, s, script(), nil)

	err := d.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up after 5 attempts") {
		t.Fatalf("got %v", err)
	}
	d.Shutdown()
	if !s.Closed {
		t.Error("surface not released")
	}
}

func TestStatusHandlers(t *testing.T) {
	d, _ := newDaemon(t, surfacetest.NewFake(), script(), nil)
	for i := 0; i < 3; i++ {
		evt := core.NewRollEvent(time.Unix(int64(i), 0), core.Pair{First: core.Face(i + 1), Second: 6})
		d.status.recordRoll(evt, Steady, rolllog.SegmentInfo{Path: "seg.csv", Rows: i + 1}, true)
	}

	res, err := d.handleStatus(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	snap := res.(uds.StatusResponse)
	if snap.Rolls != 3 || snap.Segment == nil || snap.Segment.Rows != 3 || snap.Sequencer != "steady" {
		t.Errorf("snapshot: got %+v", snap)
	}
	if snap.LastRoll == nil || snap.LastRoll.Pair.First != 3 {
		t.Errorf("last roll: got %+v", snap.LastRoll)
	}

	req, _ := uds.NewRequest(uds.MethodRecentRolls, uds.RecentRollsRequest{Limit: 2})
	res, err = d.handleRecentRolls(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	rolls := res.(uds.RecentRollsResponse).Rolls
	if len(rolls) != 2 || rolls[0].Pair.First != 2 || rolls[1].Pair.First != 3 {
		t.Errorf("recent: got %+v", rolls)
	}

	req, _ = uds.NewRequest(uds.MethodRecentRolls, nil)
	res, _ = d.handleRecentRolls(context.Background(), req)
	if got := len(res.(uds.RecentRollsResponse).Rolls); got != 3 {
		t.Errorf("all recent: got %d, want 3", got)
	}
}

func TestRollBufferKeepsNewest(t *testing.T) {
	b := rollBuffer{max: 3}
	for i := 0; i < 5; i++ {
		b.add(core.RollEvent{Sum: i})
	}
	got := b.last(0)
	if len(got) != 3 || got[0].Sum != 2 || got[2].Sum != 4 {
		t.Errorf("got %+v", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.failures); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
