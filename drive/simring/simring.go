// Package simring is an in-process simulated ring drive. It stands in for
// the real mainboard during development, and gives tests a hardware-free
// adapter with controllable speed and fault injection.
package simring

import (
	"sync"
	"time"

	"github.com/stargate-prop/gatedrive/ring"
)

type Status struct {
	Pos      float64
	Target   float64
	HomeSet  bool
	InMotion bool
}

func (s Status) Position() float64 { return s.Pos }
func (s Status) Homed() bool       { return s.HomeSet }
func (s Status) Moving() bool      { return s.InMotion }

func (s Status) Clone() ring.Status { return s }

// Simulator implements ring.Adapter. A speed of zero or less completes every
// motion instantaneously, which is what tests want.
type Simulator struct {
	statusCallback ring.StatusCallback

	mu         sync.Mutex
	pos        float64
	target     float64
	homed      bool
	moving     bool
	speed      float64 // degrees per second
	tick       time.Duration
	stop       chan struct{}
	stallAfter float64 // degrees of travel before a simulated stall
}

func New(speed float64, statusCallback ring.StatusCallback) *Simulator {
	return &Simulator{
		statusCallback: statusCallback,
		speed:          speed,
		tick:           10 * time.Millisecond,
		homed:          true,
	}
}

// SetHomed overrides the homed flag, e.g. to simulate power-on with unknown
// position.
func (s *Simulator) SetHomed(homed bool) {
	s.mu.Lock()
	s.homed = homed
	s.mu.Unlock()
	s.notify()
}

// SetPosition teleports the ring, for test setup.
func (s *Simulator) SetPosition(pos float64) {
	s.mu.Lock()
	s.pos = ring.Normalize(pos)
	s.mu.Unlock()
	s.notify()
}

// InjectStall makes the next motion stall after traveling the given number
// of degrees. Zero disables injection.
func (s *Simulator) InjectStall(afterDegrees float64) {
	s.mu.Lock()
	s.stallAfter = afterDegrees
	s.mu.Unlock()
}

func (s *Simulator) CurrentPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Simulator) IsHomed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homed
}

func (s *Simulator) MoveTo(target float64, dir ring.Direction) <-chan ring.MoveResult {
	target = ring.Normalize(target)
	ch := make(chan ring.MoveResult, 1)
	s.mu.Lock()
	s.haltLocked()
	s.target = target
	if s.speed <= 0 {
		if s.stallAfter > 0 && travel(s.pos, target, dir) >= s.stallAfter {
			s.mu.Unlock()
			s.notify()
			ch <- ring.MoveResult{Stalled: true}
			return ch
		}
		s.pos = target
		s.mu.Unlock()
		s.notify()
		ch <- ring.MoveResult{Arrived: true}
		return ch
	}
	stop := make(chan struct{})
	s.stop = stop
	s.moving = true
	s.mu.Unlock()
	s.notify()
	go s.spin(target, dir, stop, ch)
	return ch
}

func (s *Simulator) Home() <-chan ring.HomeResult {
	ch := make(chan ring.HomeResult, 1)
	done := s.MoveTo(0, ring.CW)
	go func() {
		res := <-done
		switch {
		case res.Arrived:
			s.mu.Lock()
			s.homed = true
			s.mu.Unlock()
			s.notify()
			ch <- ring.HomeResult{Homed: true}
		case res.Stalled:
			ch <- ring.HomeResult{Timeout: true}
		default:
			ch <- ring.HomeResult{Fault: res.Fault}
		}
	}()
	return ch
}

// Stop halts any in-progress motion. The pending move's result channel never
// fires; a stopped move has no outcome.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.haltLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Simulator) haltLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.moving = false
}

// spin advances the ring toward target in the commanded direction, honoring
// the commanded arc even when the other way around would be shorter.
func (s *Simulator) spin(target float64, dir ring.Direction, stop chan struct{}, ch chan ring.MoveResult) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	traveled := 0.0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if s.stop != stop {
			// A newer command superseded this motion.
			s.mu.Unlock()
			return
		}
		step := s.speed * s.tick.Seconds()
		remaining := travel(s.pos, target, dir)
		if s.stallAfter > 0 && traveled+step >= s.stallAfter {
			s.moving = false
			s.stop = nil
			s.mu.Unlock()
			s.notify()
			ch <- ring.MoveResult{Stalled: true}
			return
		}
		if remaining <= step {
			s.pos = target
			s.moving = false
			s.stop = nil
			s.mu.Unlock()
			s.notify()
			ch <- ring.MoveResult{Arrived: true}
			return
		}
		s.pos = ring.Normalize(s.pos + float64(dir)*step)
		traveled += step
		s.mu.Unlock()
		s.notify()
	}
}

func (s *Simulator) notify() {
	if s.statusCallback == nil {
		return
	}
	s.mu.Lock()
	status := Status{
		Pos:      s.pos,
		Target:   s.target,
		HomeSet:  s.homed,
		InMotion: s.moving,
	}
	s.mu.Unlock()
	s.statusCallback(status)
}

// travel is the arc length from from to to going in dir.
func travel(from, to float64, dir ring.Direction) float64 {
	if dir == ring.CCW {
		return ring.Normalize(from - to)
	}
	return ring.Normalize(to - from)
}
