package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/drive/simring"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/sequencer"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

var testAddr = []symbolmap.Symbol{27, 7, 15, 32, 12, 30, 1}

func newTestGate(t *testing.T, sim *simring.Simulator, cfg sequencer.Config) *Gate {
	t.Helper()
	m := symbolmap.New()
	seq, err := sequencer.New(sim, m, nil, cfg)
	if err != nil {
		t.Fatalf("sequencer.New: %v", err)
	}
	v, err := address.NewValidator(m, 1, address.OriginTrailing, 6, 9)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, sim, seq, v, nil, time.Second)
}

func fastConfig() sequencer.Config {
	return sequencer.Config{
		SettleDelay:   time.Millisecond,
		WormholeHold:  time.Millisecond,
		MotionTimeout: time.Second,
		TieBreak:      ring.CW,
	}
}

// slowConfig keeps a run active long enough for contention tests.
func slowConfig() sequencer.Config {
	cfg := fastConfig()
	cfg.WormholeHold = 10 * time.Second
	return cfg
}

func TestDialRuns(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), fastConfig())
	h, err := g.SubmitDial(testAddr)
	if err != nil {
		t.Fatalf("SubmitDial: %v", err)
	}
	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
	st := g.Status()
	if st.Busy {
		t.Error("gate still busy after run finished")
	}
	if st.Run.Reason != sequencer.ReasonCompleted {
		t.Errorf("run reason = %v, want COMPLETED", st.Run.Reason)
	}
}

func TestValidationErrorNeverStartsRun(t *testing.T) {
	sim := simring.New(0, nil)
	g := newTestGate(t, sim, fastConfig())
	_, err := g.SubmitDial([]symbolmap.Symbol{27, 7, 1})
	var verr *address.ValidationError
	if !errors.As(err, &verr) || verr.Kind != address.TooShort {
		t.Fatalf("SubmitDial = %v, want TooShort", err)
	}
	if g.Status().Busy {
		t.Error("gate busy after rejected dial")
	}
	if sim.CurrentPosition() != 0 {
		t.Error("hardware moved for a rejected dial")
	}
}

func TestConcurrentDialsOneWins(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), slowConfig())

	const n = 2
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.SubmitDial(testAddr)
		}(i)
	}
	wg.Wait()
	defer g.Close()

	var accepted, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || busy != 1 {
		t.Errorf("accepted=%d busy=%d, want exactly one of each", accepted, busy)
	}
}

func TestAbortIdleIsNoop(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), fastConfig())
	g.Abort()
	st := g.Status()
	if st.Busy || st.Run.State != sequencer.StateIdle {
		t.Errorf("status after idle abort = %+v, want idle", st)
	}
}

func TestAbortEndsActiveRun(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), slowConfig())
	h, err := g.SubmitDial(testAddr)
	if err != nil {
		t.Fatalf("SubmitDial: %v", err)
	}
	// Let the run reach the long wormhole hold, then abort it.
	deadline := time.After(5 * time.Second)
	for g.Status().Run.State != sequencer.StateWormholeOpen {
		select {
		case <-deadline:
			t.Fatal("never reached WORMHOLE_OPEN")
		case <-time.After(time.Millisecond):
		}
	}
	g.Abort()
	select {
	case <-h.Done:
	case <-time.After(time.Second):
		t.Fatal("abort did not end the run within 1s")
	}
	if g.Status().Run.Reason != sequencer.ReasonAborted {
		t.Errorf("run reason = %v, want ABORTED", g.Status().Run.Reason)
	}
}

func TestManualMoveBusyDuringRun(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), slowConfig())
	if _, err := g.SubmitDial(testAddr); err != nil {
		t.Fatalf("SubmitDial: %v", err)
	}
	defer g.Close()
	if err := g.ManualMove(10); !errors.Is(err, ErrBusy) {
		t.Errorf("ManualMove during run = %v, want ErrBusy", err)
	}
}

func TestManualMoveWhenIdle(t *testing.T) {
	sim := simring.New(0, nil)
	g := newTestGate(t, sim, fastConfig())
	if err := g.ManualMove(-10); err != nil {
		t.Fatalf("ManualMove: %v", err)
	}
	if got := sim.CurrentPosition(); got != 350 {
		t.Errorf("position = %v, want 350", got)
	}
}

func TestFaultRejectsDialsUntilHome(t *testing.T) {
	sim := simring.New(0, nil)
	g := newTestGate(t, sim, fastConfig())
	sim.InjectStall(1)

	h, err := g.SubmitDial(testAddr)
	if err != nil {
		t.Fatalf("SubmitDial: %v", err)
	}
	<-h.Done
	st := g.Status()
	if st.Run.State != sequencer.StateFaulted {
		t.Fatalf("run state = %v, want FAULTED", st.Run.State)
	}
	if st.Run.Fault == "" {
		t.Error("status does not report the fault")
	}

	if _, err := g.SubmitDial(testAddr); !errors.Is(err, sequencer.ErrFaulted) {
		t.Errorf("SubmitDial while faulted = %v, want ErrFaulted", err)
	}

	sim.InjectStall(0)
	if err := g.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	h, err = g.SubmitDial(testAddr)
	if err != nil {
		t.Fatalf("SubmitDial after home: %v", err)
	}
	<-h.Done
	if got := g.Status().Run.Reason; got != sequencer.ReasonCompleted {
		t.Errorf("run reason = %v, want COMPLETED", got)
	}
}

func TestStatusIsSnapshot(t *testing.T) {
	g := newTestGate(t, simring.New(0, nil), slowConfig())
	if _, err := g.SubmitDial(testAddr); err != nil {
		t.Fatalf("SubmitDial: %v", err)
	}
	defer g.Close()
	st := g.Status()
	// Mutating the snapshot must not affect the live run.
	if len(st.Run.Address) > 0 {
		st.Run.Address[0] = 99
	}
	if got := g.Status().Run.Address[0]; got != 27 {
		t.Errorf("live run address mutated via snapshot: %v", got)
	}
}
