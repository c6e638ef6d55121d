// Package scheduler submits automated dials on a cron schedule. It is just
// another caller of the command gate: a scheduled dial that collides with a
// manual one is rejected with Busy and logged, never forced.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/stargate-prop/gatedrive/symbolmap"
)

// DialFunc submits one raw address through the command gate.
type DialFunc func(raw []symbolmap.Symbol) error

type entry struct {
	expr    *cronexpr.Expression
	spec    string
	address []symbolmap.Symbol
}

type Scheduler struct {
	dial    DialFunc
	entries []entry
}

func New(dial DialFunc) *Scheduler {
	return &Scheduler{dial: dial}
}

// Add registers a schedule. Bad cron expressions fail here, at construction.
func (s *Scheduler) Add(spec string, raw []symbolmap.Symbol) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return err
	}
	addr := append([]symbolmap.Symbol(nil), raw...)
	s.entries = append(s.entries, entry{expr: expr, spec: spec, address: addr})
	return nil
}

// Run fires schedules until ctx is cancelled. Call it on its own goroutine
// after all Add calls are done.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	for {
		next, entries := s.next(time.Now())
		if next.IsZero() {
			log.Print("scheduler: no future firing times; stopping")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		for _, e := range entries {
			log.Printf("scheduler: dialing %v (%q)", e.address, e.spec)
			if err := s.dial(e.address); err != nil {
				log.Printf("scheduler: dial %v: %v", e.address, err)
			}
		}
	}
}

// next returns the earliest future firing time and every entry firing then.
func (s *Scheduler) next(now time.Time) (time.Time, []entry) {
	var at time.Time
	var due []entry
	for _, e := range s.entries {
		t := e.expr.Next(now)
		if t.IsZero() {
			continue
		}
		switch {
		case at.IsZero() || t.Before(at):
			at = t
			due = []entry{e}
		case t.Equal(at):
			due = append(due, e)
		}
	}
	return at, due
}
