// Package address validates requested dial addresses before they reach the
// sequencing engine.
package address

import (
	"fmt"

	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Address is a validated, ordered sequence of distinct symbols including the
// point-of-origin marker.
type Address []symbolmap.Symbol

// OriginConvention says at which end of the address the point of origin must
// sit. Some builds lock the origin first, others last.
type OriginConvention int

const (
	OriginTrailing OriginConvention = iota
	OriginLeading
)

func (c OriginConvention) String() string {
	if c == OriginLeading {
		return "leading"
	}
	return "trailing"
}

type ErrorKind int

const (
	TooShort ErrorKind = iota
	TooLong
	UnknownSymbol
	DuplicateSymbol
	MissingOrigin
	MisplacedOrigin
)

func (k ErrorKind) String() string {
	switch k {
	case TooShort:
		return "TOO_SHORT"
	case TooLong:
		return "TOO_LONG"
	case UnknownSymbol:
		return "UNKNOWN_SYMBOL"
	case DuplicateSymbol:
		return "DUPLICATE_SYMBOL"
	case MissingOrigin:
		return "MISSING_ORIGIN"
	case MisplacedOrigin:
		return "MISPLACED_ORIGIN"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// ValidationError reports the first rule a raw address violates.
type ValidationError struct {
	Kind   ErrorKind
	Symbol symbolmap.Symbol
	Pos    int
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnknownSymbol, DuplicateSymbol:
		return fmt.Sprintf("invalid address: %v (symbol %d at position %d)", e.Kind, e.Symbol, e.Pos)
	}
	return fmt.Sprintf("invalid address: %v", e.Kind)
}

// Validator checks raw addresses against the structural rules for this build.
type Validator struct {
	m          *symbolmap.Map
	origin     symbolmap.Symbol
	convention OriginConvention
	min, max   int
}

func NewValidator(m *symbolmap.Map, origin symbolmap.Symbol, convention OriginConvention, min, max int) (*Validator, error) {
	if min < 2 || max > symbolmap.NumChevrons || min > max {
		return nil, fmt.Errorf("unsupported address length range %d..%d", min, max)
	}
	if _, err := m.PositionOf(origin); err != nil {
		return nil, fmt.Errorf("point of origin: %w", err)
	}
	return &Validator{m: m, origin: origin, convention: convention, min: min, max: max}, nil
}

// Validate checks, in order: length range, symbol existence, distinctness,
// and point-of-origin placement. It is side-effect free.
func (v *Validator) Validate(raw []symbolmap.Symbol) (Address, error) {
	if len(raw) < v.min {
		return nil, &ValidationError{Kind: TooShort}
	}
	if len(raw) > v.max {
		return nil, &ValidationError{Kind: TooLong}
	}
	for i, s := range raw {
		if _, err := v.m.PositionOf(s); err != nil {
			return nil, &ValidationError{Kind: UnknownSymbol, Symbol: s, Pos: i}
		}
	}
	seen := make(map[symbolmap.Symbol]bool, len(raw))
	for i, s := range raw {
		if seen[s] {
			return nil, &ValidationError{Kind: DuplicateSymbol, Symbol: s, Pos: i}
		}
		seen[s] = true
	}
	if !seen[v.origin] {
		return nil, &ValidationError{Kind: MissingOrigin}
	}
	want := len(raw) - 1
	if v.convention == OriginLeading {
		want = 0
	}
	if raw[want] != v.origin {
		return nil, &ValidationError{Kind: MisplacedOrigin, Symbol: v.origin}
	}
	addr := make(Address, len(raw))
	copy(addr, raw)
	return addr, nil
}

// Origin returns the configured point-of-origin symbol.
func (v *Validator) Origin() symbolmap.Symbol {
	return v.origin
}
