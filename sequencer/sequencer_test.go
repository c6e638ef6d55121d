package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// eventLog is shared between the fake adapter and the fake coordinator so
// tests can assert the relative order of motion and cues.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeAdapter struct {
	log *eventLog

	mu    sync.Mutex
	pos   float64
	homed bool
	moves int
	stops int
	// onMove overrides the default instant-arrival outcome for move n
	// (0-based).
	onMove func(n int) ring.MoveResult
	// block marks move numbers that never complete; starting one is
	// signaled on blocked.
	block   map[int]bool
	blocked chan struct{}
	// homeResult overrides the default successful homing outcome.
	homeResult *ring.HomeResult
}

func newFakeAdapter(log *eventLog) *fakeAdapter {
	return &fakeAdapter{log: log, homed: true}
}

func (f *fakeAdapter) MoveTo(target float64, dir ring.Direction) <-chan ring.MoveResult {
	f.mu.Lock()
	n := f.moves
	f.moves++
	f.log.add("move %.3f %s", target, dir)
	res := ring.MoveResult{Arrived: true}
	if f.onMove != nil {
		res = f.onMove(n)
	}
	blocked := f.block[n]
	if res.Arrived && !blocked {
		f.pos = target
	}
	f.mu.Unlock()
	ch := make(chan ring.MoveResult, 1)
	if blocked {
		if f.blocked != nil {
			f.blocked <- struct{}{}
		}
		return ch
	}
	ch <- res
	return ch
}

func (f *fakeAdapter) Home() <-chan ring.HomeResult {
	f.mu.Lock()
	f.log.add("home")
	res := ring.HomeResult{Homed: true}
	if f.homeResult != nil {
		res = *f.homeResult
	}
	if res.Homed {
		f.homed = true
		f.pos = 0
	}
	f.mu.Unlock()
	ch := make(chan ring.HomeResult, 1)
	ch <- res
	return ch
}

func (f *fakeAdapter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.log.add("stop")
}

func (f *fakeAdapter) CurrentPosition() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeAdapter) IsHomed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.homed
}

type fakeCoordinator struct {
	log *eventLog
}

func (c *fakeCoordinator) OnChevronLock(chevron int, symbol symbolmap.Symbol) {
	c.log.add("lock %d %d", chevron, symbol)
}
func (c *fakeCoordinator) OnFinalLock()     { c.log.add("final") }
func (c *fakeCoordinator) OnWormholeOpen()  { c.log.add("open") }
func (c *fakeCoordinator) OnWormholeClose() { c.log.add("close") }
func (c *fakeCoordinator) OnAbort()         { c.log.add("abort") }

func testConfig() Config {
	return Config{
		SettleDelay:   time.Millisecond,
		WormholeHold:  time.Millisecond,
		MotionTimeout: time.Second,
		TieBreak:      ring.CW,
	}
}

func newTestSequencer(t *testing.T, f *fakeAdapter, log *eventLog, cfg Config) *Sequencer {
	t.Helper()
	s, err := New(f, symbolmap.New(), &fakeCoordinator{log: log}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

var testAddr = address.Address{27, 7, 15, 32, 12, 30, 1}

func TestDialLockOrder(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	s := newTestSequencer(t, f, log, testConfig())

	if err := s.Dial(context.Background(), testAddr); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	m := symbolmap.New()
	var want []string
	engaged, _ := m.EngagementOrder(len(testAddr))
	for i, sym := range testAddr {
		pos, _ := m.PositionOf(sym)
		dir := "CW"
		if i > 0 {
			prev, _ := m.PositionOf(testAddr[i-1])
			if ring.ShortestDelta(prev, pos, ring.CW) < 0 {
				dir = "CCW"
			}
		} else if ring.ShortestDelta(0, pos, ring.CW) < 0 {
			dir = "CCW"
		}
		want = append(want, fmt.Sprintf("move %.3f %s", pos, dir))
		want = append(want, fmt.Sprintf("lock %d %d", engaged[i], sym))
	}
	want = append(want, "final", "open", "close")
	if diff := cmp.Diff(want, log.snapshot()); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	run := s.Snapshot()
	if run.State != StateIdle || run.Reason != ReasonCompleted {
		t.Errorf("run ended %v/%v, want IDLE/COMPLETED", run.State, run.Reason)
	}
	for i, cs := range run.Chevrons {
		if cs != ChevronUnlit {
			t.Errorf("chevron %d = %v after close, want UNLIT", i+1, cs)
		}
	}
}

func TestDialHomesFirstWhenNotHomed(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	f.homed = false
	s := newTestSequencer(t, f, log, testConfig())

	if err := s.Dial(context.Background(), testAddr); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	events := log.snapshot()
	if len(events) == 0 || events[0] != "home" {
		t.Errorf("first event = %v, want home", events[:1])
	}
}

func TestShortestArcDirection(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	// Symbol 39 sits at 350.769 degrees. From 10 degrees the
	// counterclockwise arc (19.23) beats the clockwise arc (340.77).
	f.pos = 10
	s := newTestSequencer(t, f, log, testConfig())

	if err := s.Dial(context.Background(), address.Address{39}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	events := log.snapshot()
	if events[0] != "move 350.769 CCW" {
		t.Errorf("first move = %q, want %q", events[0], "move 350.769 CCW")
	}
}

func TestAbortDuringMove(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	f.block = map[int]bool{2: true}
	f.blocked = make(chan struct{}, 1)
	s := newTestSequencer(t, f, log, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Dial(ctx, testAddr) }()

	<-f.blocked
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dial after abort: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not preempt in-progress move within 1s")
	}

	f.mu.Lock()
	stops := f.stops
	f.mu.Unlock()
	if stops == 0 {
		t.Error("adapter never received a stop command")
	}
	run := s.Snapshot()
	if run.State != StateIdle || run.Reason != ReasonAborted {
		t.Errorf("run ended %v/%v, want IDLE/ABORTED", run.State, run.Reason)
	}
	for i, cs := range run.Chevrons {
		if cs != ChevronUnlit {
			t.Errorf("chevron %d = %v after abort, want UNLIT", i+1, cs)
		}
	}
	events := log.snapshot()
	if events[len(events)-1] != "abort" {
		t.Errorf("last event = %q, want abort cue", events[len(events)-1])
	}
}

func TestStallFaultLatchesUntilHome(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	f.onMove = func(n int) ring.MoveResult {
		if n == 2 {
			return ring.MoveResult{Stalled: true}
		}
		return ring.MoveResult{Arrived: true}
	}
	s := newTestSequencer(t, f, log, testConfig())

	err := s.Dial(context.Background(), testAddr)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultStalled {
		t.Fatalf("Dial err = %v, want stall Fault", err)
	}
	run := s.Snapshot()
	if run.State != StateFaulted || run.Reason != ReasonFaulted {
		t.Errorf("run ended %v/%v, want FAULTED/FAULTED", run.State, run.Reason)
	}
	if run.Fault == "" {
		t.Error("run fault detail empty")
	}

	// Further dials are rejected until a successful re-home.
	if err := s.Dial(context.Background(), testAddr); !errors.Is(err, ErrFaulted) {
		t.Errorf("Dial while faulted = %v, want ErrFaulted", err)
	}
	f.onMove = nil
	if err := s.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if s.Faulted() {
		t.Error("fault still latched after successful home")
	}
	if err := s.Dial(context.Background(), testAddr); err != nil {
		t.Errorf("Dial after home: %v", err)
	}
}

func TestHomeTimeoutFaults(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	f.homed = false
	f.homeResult = &ring.HomeResult{Timeout: true}
	s := newTestSequencer(t, f, log, testConfig())

	err := s.Dial(context.Background(), testAddr)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultTimeout {
		t.Fatalf("Dial err = %v, want timeout Fault", err)
	}
}

func TestMotionTimeoutFaults(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	f.block = map[int]bool{0: true}
	f.blocked = make(chan struct{}, 1)
	cfg := testConfig()
	cfg.MotionTimeout = 10 * time.Millisecond
	s := newTestSequencer(t, f, log, cfg)

	err := s.Dial(context.Background(), testAddr)
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultTimeout {
		t.Fatalf("Dial err = %v, want timeout Fault", err)
	}
	f.mu.Lock()
	stops := f.stops
	f.mu.Unlock()
	if stops == 0 {
		t.Error("adapter never received a stop command after timeout")
	}
}

func TestDialIsDeterministic(t *testing.T) {
	var logs [][]string
	for i := 0; i < 2; i++ {
		log := &eventLog{}
		f := newFakeAdapter(log)
		s := newTestSequencer(t, f, log, testConfig())
		if err := s.Dial(context.Background(), testAddr); err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		logs = append(logs, log.snapshot())
	}
	if diff := cmp.Diff(logs[0], logs[1]); diff != "" {
		t.Errorf("replays diverged (-first +second):\n%s", diff)
	}
}

func TestOpenEndedHoldClosesOnAbort(t *testing.T) {
	log := &eventLog{}
	f := newFakeAdapter(log)
	cfg := testConfig()
	cfg.WormholeHold = 0
	s := newTestSequencer(t, f, log, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Dial(ctx, testAddr) }()

	deadline := time.After(time.Second)
	for s.Snapshot().State != StateWormholeOpen {
		select {
		case <-deadline:
			t.Fatal("never reached WORMHOLE_OPEN")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Dial: %v", err)
	}
	run := s.Snapshot()
	// The abort command closes an open-ended wormhole; that is a completed
	// dial, not an aborted one.
	if run.State != StateIdle || run.Reason != ReasonCompleted {
		t.Errorf("run ended %v/%v, want IDLE/COMPLETED", run.State, run.Reason)
	}
	events := log.snapshot()
	if events[len(events)-1] != "close" {
		t.Errorf("last event = %q, want close cue", events[len(events)-1])
	}
}

func TestConfigValidation(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  Config
	}{
		{"zero timeout", Config{TieBreak: ring.CW}},
		{"negative settle", Config{MotionTimeout: time.Second, SettleDelay: -1, TieBreak: ring.CW}},
		{"bad tie break", Config{MotionTimeout: time.Second}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(newFakeAdapter(&eventLog{}), symbolmap.New(), nil, test.cfg); err == nil {
				t.Error("New accepted invalid config")
			}
		})
	}
}
