package ring

// Adapter is the contract a ring drive must satisfy. Implementations own the
// physical motor and sensors; callers never touch the hardware directly.
//
// MoveTo and Home return a channel that receives exactly one result when the
// motion finishes, stalls, or faults. The channel is buffered so the driver
// never blocks on a caller that has stopped listening.
type Adapter interface {
	// MoveTo commands a rotation to the given ring angle (degrees, [0,360))
	// in the given direction.
	MoveTo(angle float64, dir Direction) <-chan MoveResult
	// Home seeks the reference signal to establish a known position.
	Home() <-chan HomeResult
	// Stop decelerates and halts any in-progress motion.
	Stop()
	CurrentPosition() float64
	IsHomed() bool
}

// MoveResult reports the outcome of a single MoveTo command.
// Exactly one of Arrived, Stalled, or Fault is set.
type MoveResult struct {
	Arrived bool
	Stalled bool
	Fault   error
}

// HomeResult reports the outcome of a Home command.
type HomeResult struct {
	Homed   bool
	Timeout bool
	Fault   error
}

type StatusCallback func(status Status)

type Status interface {
	Position() float64
	Homed() bool
	Moving() bool

	Clone() Status
}

// Direction of ring rotation. Positive deltas are clockwise as seen from the
// front of the gate.
type Direction int

const (
	CW  Direction = 1
	CCW Direction = -1
)

func (d Direction) String() string {
	if d == CCW {
		return "CCW"
	}
	return "CW"
}

// Normalize wraps an angle into [0, 360).
func Normalize(angle float64) float64 {
	for angle >= 360 {
		angle -= 360
	}
	for angle < 0 {
		angle += 360
	}
	return angle
}

// ShortestDelta returns the signed rotation in degrees (positive clockwise)
// that moves the ring from one angle to another along the shorter arc.
// An exact 180 degree ambiguity resolves in tieBreak's direction, so repeated
// dials from the same position produce identical motion.
func ShortestDelta(from, to float64, tieBreak Direction) float64 {
	d := Normalize(to - from)
	switch {
	case d == 0:
		return 0
	case d < 180:
		return d
	case d > 180:
		return d - 360
	}
	if tieBreak == CCW {
		return -180
	}
	return 180
}
