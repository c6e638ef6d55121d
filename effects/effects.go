// Package effects defines the cue interface the sequencer drives at each
// transition, and a dispatcher that delivers cues without blocking the
// control loop.
package effects

import (
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Coordinator receives light/sound cues at defined sequencer transitions.
// Calls arrive in transition order and at most once per transition; audible
// and visual cues are the user-facing proof of hardware state, so they must
// never be reordered relative to it.
type Coordinator interface {
	OnChevronLock(chevron int, symbol symbolmap.Symbol)
	OnFinalLock()
	OnWormholeOpen()
	OnWormholeClose()
	OnAbort()
}

// Nop discards all cues.
type Nop struct{}

func (Nop) OnChevronLock(chevron int, symbol symbolmap.Symbol) {}
func (Nop) OnFinalLock()                                       {}
func (Nop) OnWormholeOpen()                                    {}
func (Nop) OnWormholeClose()                                   {}
func (Nop) OnAbort()                                           {}

// Multi fans each cue out to several coordinators in order.
type Multi []Coordinator

func (m Multi) OnChevronLock(chevron int, symbol symbolmap.Symbol) {
	for _, c := range m {
		c.OnChevronLock(chevron, symbol)
	}
}
func (m Multi) OnFinalLock() {
	for _, c := range m {
		c.OnFinalLock()
	}
}
func (m Multi) OnWormholeOpen() {
	for _, c := range m {
		c.OnWormholeOpen()
	}
}
func (m Multi) OnWormholeClose() {
	for _, c := range m {
		c.OnWormholeClose()
	}
}
func (m Multi) OnAbort() {
	for _, c := range m {
		c.OnAbort()
	}
}

// Dispatcher delivers cues to a wrapped Coordinator on its own goroutine.
// The sequencer's calls return immediately; ordering is preserved by the
// single delivery goroutine.
type Dispatcher struct {
	c    Coordinator
	cues chan func()
	done chan struct{}
}

func NewDispatcher(c Coordinator) *Dispatcher {
	d := &Dispatcher{
		c:    c,
		cues: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for cue := range d.cues {
			cue()
		}
	}()
	return d
}

func (d *Dispatcher) OnChevronLock(chevron int, symbol symbolmap.Symbol) {
	d.cues <- func() { d.c.OnChevronLock(chevron, symbol) }
}
func (d *Dispatcher) OnFinalLock()     { d.cues <- d.c.OnFinalLock }
func (d *Dispatcher) OnWormholeOpen()  { d.cues <- d.c.OnWormholeOpen }
func (d *Dispatcher) OnWormholeClose() { d.cues <- d.c.OnWormholeClose }
func (d *Dispatcher) OnAbort()         { d.cues <- d.c.OnAbort }

// Close delivers pending cues and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	close(d.cues)
	<-d.done
}
