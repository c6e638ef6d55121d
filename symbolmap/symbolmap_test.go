package symbolmap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultLayoutIsBijective(t *testing.T) {
	m := New()
	seen := make(map[float64]Symbol)
	for k := 1; k <= NumSymbols; k++ {
		pos, err := m.PositionOf(Symbol(k))
		if err != nil {
			t.Fatalf("PositionOf(%d): %v", k, err)
		}
		if other, ok := seen[pos]; ok {
			t.Errorf("symbols %d and %d share position %v", other, k, pos)
		}
		seen[pos] = Symbol(k)
	}
}

func TestPositionOf(t *testing.T) {
	m := New()
	pos, err := m.PositionOf(1)
	if err != nil || pos != 0 {
		t.Errorf("PositionOf(1) = %v, %v, want 0, nil", pos, err)
	}
	if _, err := m.PositionOf(40); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("PositionOf(40) err = %v, want ErrUnknownSymbol", err)
	}
	if _, err := m.PositionOf(0); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("PositionOf(0) err = %v, want ErrUnknownSymbol", err)
	}
}

func TestSymbolAt(t *testing.T) {
	m := New()
	pos, _ := m.PositionOf(5)
	if s, ok := m.SymbolAt(pos+0.2, 0.5); !ok || s != 5 {
		t.Errorf("SymbolAt(%v, 0.5) = %v, %v, want 5, true", pos+0.2, s, ok)
	}
	// Halfway between two glyphs with a tight tolerance matches nothing.
	half := 360.0 / NumSymbols / 2
	if s, ok := m.SymbolAt(pos+half, 0.5); ok {
		t.Errorf("SymbolAt between glyphs = %v, want no match", s)
	}
	// Wraparound: just below 360 is near symbol 1 at 0.
	if s, ok := m.SymbolAt(359.9, 0.5); !ok || s != 1 {
		t.Errorf("SymbolAt(359.9, 0.5) = %v, %v, want 1, true", s, ok)
	}
}

func TestChevronAngle(t *testing.T) {
	m := New()
	if a, err := m.ChevronAngle(TopChevron); err != nil || a != 0 {
		t.Errorf("ChevronAngle(%d) = %v, %v, want 0, nil", TopChevron, a, err)
	}
	for _, bad := range []int{0, 10, -1} {
		if _, err := m.ChevronAngle(bad); err == nil {
			t.Errorf("ChevronAngle(%d) succeeded, want error", bad)
		}
	}
}

func TestEngagementOrder(t *testing.T) {
	m := New()
	for _, test := range []struct {
		n    int
		want []int
	}{
		{7, []int{1, 2, 3, 4, 5, 6, 7}},
		{8, []int{1, 2, 3, 4, 5, 6, 8, 7}},
		{9, []int{1, 2, 3, 4, 5, 6, 8, 9, 7}},
		{6, []int{1, 2, 3, 4, 5, 7}},
	} {
		got, err := m.EngagementOrder(test.n)
		if err != nil {
			t.Fatalf("EngagementOrder(%d): %v", test.n, err)
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("EngagementOrder(%d) mismatch (-want +got):\n%s", test.n, diff)
		}
	}
	if _, err := m.EngagementOrder(10); err == nil {
		t.Error("EngagementOrder(10) succeeded, want error")
	}
}

func TestNewWithLayoutRejectsCollisions(t *testing.T) {
	positions := make(map[Symbol]float64, NumSymbols)
	for k := 1; k <= NumSymbols; k++ {
		positions[Symbol(k)] = float64(k-1) * 360 / NumSymbols
	}
	positions[2] = positions[1]
	chevrons := make([]float64, NumChevrons)
	if _, err := NewWithLayout(positions, chevrons); err == nil {
		t.Error("NewWithLayout accepted colliding symbol angles")
	}
}
