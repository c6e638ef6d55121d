// Package symbolmap holds the fixed geometry of the gate ring: which glyph
// sits at which angle, and where each chevron engages.
package symbolmap

import (
	"errors"
	"fmt"
	"math"

	"github.com/stargate-prop/gatedrive/ring"
)

// Symbol identifies one of the glyphs engraved on the ring. Glyphs are
// numbered 1..NumSymbols going clockwise from the point of origin.
type Symbol int

const (
	NumSymbols  = 39
	NumChevrons = 9

	// TopChevron is the chevron that performs the final lock on every dial.
	TopChevron = 7
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Map is the immutable ring layout. Construct once at startup and share
// freely; it has no mutable state.
type Map struct {
	positions map[Symbol]float64
	chevrons  [NumChevrons]float64
}

// New returns the default layout: symbol k at (k-1)*360/39 degrees, chevrons
// spaced 40 degrees apart with the top chevron at 0.
func New() *Map {
	positions := make(map[Symbol]float64, NumSymbols)
	for k := 1; k <= NumSymbols; k++ {
		positions[Symbol(k)] = float64(k-1) * 360 / NumSymbols
	}
	var chevrons [NumChevrons]float64
	for i := 1; i <= NumChevrons; i++ {
		chevrons[i-1] = ring.Normalize(float64(i-TopChevron) * 40)
	}
	m, err := NewWithLayout(positions, chevrons[:])
	if err != nil {
		// The default layout is a compile-time constant; it cannot fail.
		panic(err)
	}
	return m
}

// NewWithLayout builds a Map from explicit tables, for builds whose ring does
// not match the stock layout. The symbol table must be a bijection: every
// symbol 1..NumSymbols present, no two sharing an angle.
func NewWithLayout(positions map[Symbol]float64, chevrons []float64) (*Map, error) {
	if len(positions) != NumSymbols {
		return nil, fmt.Errorf("layout has %d symbols, want %d", len(positions), NumSymbols)
	}
	if len(chevrons) != NumChevrons {
		return nil, fmt.Errorf("layout has %d chevrons, want %d", len(chevrons), NumChevrons)
	}
	m := &Map{positions: make(map[Symbol]float64, NumSymbols)}
	seen := make(map[float64]Symbol, NumSymbols)
	for k := 1; k <= NumSymbols; k++ {
		pos, ok := positions[Symbol(k)]
		if !ok {
			return nil, fmt.Errorf("layout missing symbol %d", k)
		}
		pos = ring.Normalize(pos)
		if other, dup := seen[pos]; dup {
			return nil, fmt.Errorf("symbols %d and %d share angle %v", other, k, pos)
		}
		seen[pos] = Symbol(k)
		m.positions[Symbol(k)] = pos
	}
	for i, a := range chevrons {
		m.chevrons[i] = ring.Normalize(a)
	}
	return m, nil
}

// PositionOf returns the ring angle of a symbol.
func (m *Map) PositionOf(s Symbol) (float64, error) {
	pos, ok := m.positions[s]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSymbol, s)
	}
	return pos, nil
}

// SymbolAt returns the symbol whose position is within tol degrees of the
// given angle, if any.
func (m *Map) SymbolAt(angle, tol float64) (Symbol, bool) {
	angle = ring.Normalize(angle)
	for s, pos := range m.positions {
		d := math.Abs(ring.ShortestDelta(angle, pos, ring.CW))
		if d <= tol {
			return s, true
		}
	}
	return 0, false
}

// ChevronAngle returns the engagement angle of chevron index (1..NumChevrons).
func (m *Map) ChevronAngle(index int) (float64, error) {
	if index < 1 || index > NumChevrons {
		return 0, fmt.Errorf("chevron index %d out of range 1..%d", index, NumChevrons)
	}
	return m.chevrons[index-1], nil
}

// EngagementOrder returns the chevron indices engaged for an n-symbol dial,
// in order. The order is fixed by the hardware layout, not by the address:
// chevrons 1..6 engage first, longer addresses bring 8 and 9 in, and the top
// chevron always locks last.
func (m *Map) EngagementOrder(n int) ([]int, error) {
	if n < 1 || n > NumChevrons {
		return nil, fmt.Errorf("no chevron order for %d-symbol address", n)
	}
	order := make([]int, 0, n)
	for i := 1; len(order) < n-1 && i <= 6; i++ {
		order = append(order, i)
	}
	for i := 8; len(order) < n-1; i++ {
		order = append(order, i)
	}
	return append(order, TopChevron), nil
}
