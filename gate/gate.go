// Package gate arbitrates access to the single physical ring drive. All
// callers (HTTP handlers, websocket clients, schedulers) go through the gate;
// none ever touch the adapter or the active run directly.
package gate

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/sequencer"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// ErrBusy rejects commands that would contend with an active run.
var ErrBusy = errors.New("gate busy")

// Archiver records terminal runs. The bbolt-backed history package satisfies
// this; a nil archiver disables archiving.
type Archiver interface {
	Record(run sequencer.Run) error
}

// RunHandle is returned to the caller that submitted an accepted dial.
type RunHandle struct {
	Address address.Address
	// Done is closed when the run reaches a terminal state.
	Done <-chan struct{}
}

// Status is the snapshot returned to status queries. It never blocks on, and
// is never blocked by, the active run.
type Status struct {
	Busy bool
	Run  sequencer.Run
}

// Gate admits at most one active run at a time.
type Gate struct {
	ctx       context.Context
	adapter   ring.Adapter
	seq       *sequencer.Sequencer
	validator *address.Validator
	archive   Archiver
	timeout   time.Duration

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a gate. ctx bounds the lifetime of every run the gate
// admits; archive may be nil. timeout bounds manual moves.
func New(ctx context.Context, adapter ring.Adapter, seq *sequencer.Sequencer, validator *address.Validator, archive Archiver, timeout time.Duration) *Gate {
	return &Gate{
		ctx:       ctx,
		adapter:   adapter,
		seq:       seq,
		validator: validator,
		archive:   archive,
		timeout:   timeout,
	}
}

// acquire claims the single-writer slot, or reports Busy.
func (g *Gate) acquire() (context.Context, context.CancelFunc, chan struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return nil, nil, nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(g.ctx)
	done := make(chan struct{})
	g.active = true
	g.cancel = cancel
	g.done = done
	return runCtx, cancel, done, nil
}

func (g *Gate) release(cancel context.CancelFunc, done chan struct{}) {
	g.mu.Lock()
	g.active = false
	g.cancel = nil
	g.done = nil
	g.mu.Unlock()
	cancel()
	close(done)
}

// SubmitDial validates the raw address and, if the gate is idle, starts a
// dial run. Validation errors and Busy are reported to the caller before any
// hardware moves.
func (g *Gate) SubmitDial(raw []symbolmap.Symbol) (*RunHandle, error) {
	addr, err := g.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	if g.seq.Faulted() {
		return nil, sequencer.ErrFaulted
	}
	runCtx, cancel, done, err := g.acquire()
	if err != nil {
		return nil, err
	}
	go func() {
		defer g.release(cancel, done)
		if err := g.seq.Dial(runCtx, addr); err != nil {
			log.Printf("dial %v: %v", addr, err)
		}
		g.archiveRun()
	}()
	return &RunHandle{Address: addr, Done: done}, nil
}

// Abort cancels the active run, if any. Aborting an idle gate is a no-op;
// the call never fails and never queues behind a future dial.
func (g *Gate) Abort() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ManualMove nudges the ring by delta degrees. Rejected with ErrBusy while a
// run is active; otherwise the move goes straight to the adapter.
func (g *Gate) ManualMove(delta float64) error {
	runCtx, cancel, done, err := g.acquire()
	if err != nil {
		return err
	}
	defer g.release(cancel, done)

	dir := ring.CW
	if delta < 0 {
		dir = ring.CCW
	}
	target := ring.Normalize(g.adapter.CurrentPosition() + delta)
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case <-runCtx.Done():
		g.adapter.Stop()
		return nil
	case res := <-g.adapter.MoveTo(target, dir):
		switch {
		case res.Arrived:
			return nil
		case res.Stalled:
			return &sequencer.Fault{Kind: sequencer.FaultStalled, Detail: "manual move stalled"}
		default:
			return &sequencer.Fault{Kind: sequencer.FaultSensor, Detail: res.Fault.Error()}
		}
	case <-timer.C:
		g.adapter.Stop()
		return &sequencer.Fault{Kind: sequencer.FaultTimeout, Detail: "manual move exceeded timeout"}
	}
}

// Home runs an explicit homing seek. This is the only way to clear a latched
// fault.
func (g *Gate) Home() error {
	runCtx, cancel, done, err := g.acquire()
	if err != nil {
		return err
	}
	defer g.release(cancel, done)
	if err := g.seq.Home(runCtx); err != nil {
		return err
	}
	g.archiveRun()
	return nil
}

// Status returns a consistent snapshot without disturbing the active run.
func (g *Gate) Status() Status {
	g.mu.Lock()
	busy := g.active
	g.mu.Unlock()
	return Status{Busy: busy, Run: g.seq.Snapshot()}
}

// Close aborts any active run and waits for it to wind down. Part of process
// teardown; the gate must not be used afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Print("gate: active run did not stop during teardown")
	}
}

func (g *Gate) archiveRun() {
	if g.archive == nil {
		return
	}
	if err := g.archive.Record(g.seq.Snapshot()); err != nil {
		log.Printf("archiving run: %v", err)
	}
}
