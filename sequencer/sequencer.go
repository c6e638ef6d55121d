// Package sequencer implements the dialing state machine: it consumes a
// validated address and drives the ring adapter symbol by symbol,
// coordinating chevron lock cues and wormhole effects.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/effects"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateHoming       State = "HOMING"
	StateStepMoving   State = "STEP_MOVING"
	StateStepLocking  State = "STEP_LOCKING"
	StateFinalLocking State = "FINAL_LOCKING"
	StateWormholeOpen State = "WORMHOLE_OPEN"
	StateClosing      State = "CLOSING"
	StateAborting     State = "ABORTING"
	StateFaulted      State = "FAULTED"
)

type ChevronState string

const (
	ChevronUnlit  ChevronState = "UNLIT"
	ChevronLit    ChevronState = "LIT"
	ChevronLocked ChevronState = "LOCKED"
)

// Reason records why a run reached a terminal state.
type Reason string

const (
	ReasonCompleted Reason = "COMPLETED"
	ReasonAborted   Reason = "ABORTED"
	ReasonFaulted   Reason = "FAULTED"
)

type FaultKind string

const (
	FaultStalled FaultKind = "STALLED"
	FaultSensor  FaultKind = "SENSOR_FAULT"
	FaultTimeout FaultKind = "TIMEOUT"
)

// Fault is an adapter-reported failure. Faults latch: no further dial is
// accepted until an explicit re-home succeeds, since resuming blind after a
// stall risks damaging the mechanism.
type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("adapter fault: %s", f.Kind)
	}
	return fmt.Sprintf("adapter fault: %s (%s)", f.Kind, f.Detail)
}

// ErrFaulted rejects dial attempts while a fault is latched.
var ErrFaulted = errors.New("drive faulted; home required before dialing")

// Run is the record of one dialing attempt. The sequencer owns it for the
// run's lifetime; readers only ever see copies from Snapshot.
type Run struct {
	Address address.Address
	// Engaged lists the chevron indices in engagement order; Engaged[i] is
	// the chevron that locks for Address[i].
	Engaged  []int
	Step     int
	Chevrons [symbolmap.NumChevrons]ChevronState
	State    State
	Started  time.Time
	Ended    time.Time
	Reason   Reason
	Fault    string
}

func (r Run) clone() Run {
	out := r
	out.Address = append(address.Address(nil), r.Address...)
	out.Engaged = append([]int(nil), r.Engaged...)
	return out
}

// Config carries the timing and convention knobs the engine consumes. It is
// supplied at construction; the sequencer never reads ambient state.
type Config struct {
	// SettleDelay holds after each chevron lock to mirror the mechanical cue.
	SettleDelay time.Duration
	// WormholeHold keeps the wormhole open before closing. Zero means the
	// wormhole stays open until an abort command closes it.
	WormholeHold time.Duration
	// MotionTimeout bounds a single move or homing seek.
	MotionTimeout time.Duration
	// TieBreak picks the direction for exact half-revolution moves.
	TieBreak ring.Direction
	// IdlePosition, if set, is the angle the ring returns to after closing.
	IdlePosition *float64
}

func (c Config) validate() error {
	if c.MotionTimeout <= 0 {
		return errors.New("config: motion timeout must be positive")
	}
	if c.SettleDelay < 0 {
		return errors.New("config: settle delay must not be negative")
	}
	if c.WormholeHold < 0 {
		return errors.New("config: wormhole hold must not be negative")
	}
	if c.TieBreak != ring.CW && c.TieBreak != ring.CCW {
		return errors.New("config: tie break must be CW or CCW")
	}
	return nil
}

// Sequencer drives one dial run at a time. Dial and Home are intended to be
// called from a single control goroutine (the command gate); Snapshot is safe
// from any goroutine.
type Sequencer struct {
	adapter ring.Adapter
	symbols *symbolmap.Map
	fx      effects.Coordinator
	cfg     Config

	mu      sync.Mutex
	run     Run
	faulted bool
}

func New(adapter ring.Adapter, symbols *symbolmap.Map, fx effects.Coordinator, cfg Config) (*Sequencer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if fx == nil {
		fx = effects.Nop{}
	}
	return &Sequencer{
		adapter: adapter,
		symbols: symbols,
		fx:      fx,
		cfg:     cfg,
		run:     Run{State: StateIdle},
	}, nil
}

// Snapshot returns a consistent copy of the current (or most recent) run.
func (s *Sequencer) Snapshot() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.clone()
}

// Faulted reports whether a fault is latched.
func (s *Sequencer) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	s.run.State = state
	s.mu.Unlock()
}

func (s *Sequencer) setStep(i int) {
	s.mu.Lock()
	s.run.Step = i
	s.mu.Unlock()
}

func (s *Sequencer) setChevron(index int, state ChevronState) {
	s.mu.Lock()
	s.run.Chevrons[index-1] = state
	s.mu.Unlock()
}

func (s *Sequencer) resetChevrons() {
	s.mu.Lock()
	for i := range s.run.Chevrons {
		s.run.Chevrons[i] = ChevronUnlit
	}
	s.mu.Unlock()
}

func (s *Sequencer) end(reason Reason, fault string) {
	s.mu.Lock()
	s.run.Ended = time.Now()
	s.run.Reason = reason
	s.run.Fault = fault
	if reason == ReasonFaulted {
		s.run.State = StateFaulted
		s.faulted = true
	} else {
		s.run.State = StateIdle
	}
	s.mu.Unlock()
}

// Dial executes one complete dialing sequence. Cancelling ctx is the abort
// command: the adapter is stopped safely, chevrons reset, and the run ends
// with reason Aborted. Abort is not an error; Dial returns an error only for
// adapter faults or a latched fault condition.
func (s *Sequencer) Dial(ctx context.Context, addr address.Address) error {
	s.mu.Lock()
	if s.faulted {
		s.mu.Unlock()
		return ErrFaulted
	}
	engaged, err := s.symbols.EngagementOrder(len(addr))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	run := Run{
		Address: append(address.Address(nil), addr...),
		Engaged: engaged,
		State:   StateIdle,
		Started: time.Now(),
	}
	for i := range run.Chevrons {
		run.Chevrons[i] = ChevronUnlit
	}
	s.run = run
	s.mu.Unlock()

	if !s.adapter.IsHomed() {
		s.setState(StateHoming)
		if err := s.seekHome(ctx); err != nil {
			return s.fail(err)
		}
	}

	for i, sym := range addr {
		if ctx.Err() != nil {
			s.abort()
			return nil
		}
		chevron := engaged[i]
		s.setStep(i)
		s.setState(StateStepMoving)
		s.setChevron(chevron, ChevronLit)
		if err := s.moveToSymbol(ctx, sym); err != nil {
			return s.fail(err)
		}

		final := i == len(addr)-1
		if final {
			s.setState(StateFinalLocking)
		} else {
			s.setState(StateStepLocking)
		}
		s.setChevron(chevron, ChevronLocked)
		s.fx.OnChevronLock(chevron, sym)
		if final {
			s.fx.OnFinalLock()
		}
		if err := s.wait(ctx, s.cfg.SettleDelay); err != nil {
			s.abort()
			return nil
		}
	}

	s.setState(StateWormholeOpen)
	s.fx.OnWormholeOpen()
	if s.cfg.WormholeHold > 0 {
		if err := s.wait(ctx, s.cfg.WormholeHold); err != nil {
			s.abort()
			return nil
		}
	} else {
		// Open-ended hold: the abort command doubles as the close command.
		<-ctx.Done()
	}
	s.setState(StateClosing)
	s.fx.OnWormholeClose()
	s.resetChevrons()
	if err := s.returnToIdle(ctx); err != nil {
		return s.fail(err)
	}
	s.end(ReasonCompleted, "")
	return nil
}

// Home seeks the reference signal and, on success, clears any latched fault.
func (s *Sequencer) Home(ctx context.Context) error {
	s.mu.Lock()
	s.run = Run{State: StateHoming, Started: time.Now()}
	s.mu.Unlock()
	if err := s.seekHome(ctx); err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.faulted = false
	s.mu.Unlock()
	s.end(ReasonCompleted, "")
	return nil
}

func (s *Sequencer) seekHome(ctx context.Context) error {
	done := s.adapter.Home()
	timer := time.NewTimer(s.cfg.MotionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		switch {
		case res.Homed:
			return nil
		case res.Timeout:
			return &Fault{Kind: FaultTimeout, Detail: "homing seek timed out"}
		default:
			return &Fault{Kind: FaultSensor, Detail: faultDetail(res.Fault)}
		}
	case <-timer.C:
		s.adapter.Stop()
		return &Fault{Kind: FaultTimeout, Detail: "homing exceeded motion timeout"}
	}
}

func (s *Sequencer) moveToSymbol(ctx context.Context, sym symbolmap.Symbol) error {
	target, err := s.symbols.PositionOf(sym)
	if err != nil {
		return &Fault{Kind: FaultSensor, Detail: err.Error()}
	}
	return s.move(ctx, target)
}

func (s *Sequencer) move(ctx context.Context, target float64) error {
	from := s.adapter.CurrentPosition()
	delta := ring.ShortestDelta(from, target, s.cfg.TieBreak)
	dir := ring.CW
	if delta < 0 {
		dir = ring.CCW
	}
	done := s.adapter.MoveTo(target, dir)
	timer := time.NewTimer(s.cfg.MotionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		switch {
		case res.Arrived:
			return nil
		case res.Stalled:
			return &Fault{Kind: FaultStalled, Detail: fmt.Sprintf("stalled moving to %.1f", target)}
		default:
			return &Fault{Kind: FaultSensor, Detail: faultDetail(res.Fault)}
		}
	case <-timer.C:
		s.adapter.Stop()
		return &Fault{Kind: FaultTimeout, Detail: fmt.Sprintf("move to %.1f exceeded timeout", target)}
	}
}

func (s *Sequencer) returnToIdle(ctx context.Context) error {
	if s.cfg.IdlePosition == nil || ctx.Err() != nil {
		return nil
	}
	return s.move(ctx, *s.cfg.IdlePosition)
}

// wait sleeps for d but wakes promptly when ctx is cancelled.
func (s *Sequencer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// abort stops the adapter safely, fires the abort cue, resets chevron state,
// and returns the run to Idle. It is reachable from any in-flight state.
func (s *Sequencer) abort() {
	s.setState(StateAborting)
	s.adapter.Stop()
	s.fx.OnAbort()
	s.resetChevrons()
	s.end(ReasonAborted, "")
}

// fail routes a motion error to the abort path for cancellation and to the
// fault latch for everything else.
func (s *Sequencer) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.abort()
		return nil
	}
	s.adapter.Stop()
	log.Printf("sequencer fault: %v", err)
	s.end(ReasonFaulted, err.Error())
	return err
}

func faultDetail(err error) string {
	if err == nil {
		return "unspecified adapter fault"
	}
	return err.Error()
}
