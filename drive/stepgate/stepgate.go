// Package stepgate drives the gate mainboard over its serial register
// protocol. The board streams read-register lines ("r" followed by hex
// words) and accepts write-register lines ("w<reg> <value>...").
package stepgate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/stargate-prop/gatedrive/ring"
)

// Read registers.
//
//	0: command sequence echo
//	1: ring position, 360*(reg/65536) degrees
//	2: ring velocity, signed, 360*(reg/65536) deg/s
//	3: flags (see below)
//	4: fault detail code
//	5: homing sensor level, millivolts
const readRegisterCount = 6

// Write registers.
//
//	0: command sequence
//	1: target position, 360*(reg/65536) degrees
//	2: servo mode
//	3: direction (0 clockwise, 1 counterclockwise)
//	4: stepper drive mode
const writeRegisterCount = 5

const (
	SERVO_NONE     uint16 = 0
	SERVO_POSITION uint16 = 1
	SERVO_HOME     uint16 = 2
)

// Flag bits in read register 3.
const (
	flagHomed = 1 << iota
	flagMoving
	flagStalled
	flagSensorFault
)

// DriveModes maps config names onto write register 4 values.
var DriveModes = map[string]uint16{
	"single":     0,
	"double":     1,
	"interleave": 2,
	"microstep":  3,
}

type Status struct {
	RawRegisters [readRegisterCount]uint16
	// Pos is in decimal degrees, calculated as 360*(reg/65536).
	Pos float64
	// Vel is in degrees/second. Positive indicates clockwise.
	Vel       float64
	HomeSet   bool
	InMotion  bool
	Stalled   bool
	SensorBad bool
	FaultCode uint16
	// SensorLevel is the homing sensor reading in millivolts.
	SensorLevel uint16

	WriteRegisters [writeRegisterCount]uint16
	CommandTarget  float64
	CommandMode    uint16
}

func (s Status) Position() float64 { return s.Pos }
func (s Status) Homed() bool       { return s.HomeSet }
func (s Status) Moving() bool      { return s.InMotion }

func (s Status) Clone() ring.Status { return s }

func regToSigned(reg uint16) float64 {
	return 360 * float64(int16(reg)) / 65536
}

// Config carries the driver knobs the engine supplies at construction.
type Config struct {
	// Tolerance is the arrival window in degrees.
	Tolerance float64
	// DriveMode is one of the DriveModes keys.
	DriveMode string
	// HomingSupported is false on boards without the calibration sensor;
	// such boards report the power-on position as the reference.
	HomingSupported bool
}

type pendingMove struct {
	target float64
	ch     chan ring.MoveResult
}

// Drive talks to one mainboard. It implements ring.Adapter.
type Drive struct {
	cfg            Config
	statusCallback ring.StatusCallback

	mu             sync.Mutex
	s              io.ReadWriteCloser
	readRegisters  [readRegisterCount]uint16
	writeRegisters [writeRegisterCount]uint16
	lastSeq        uint16
	pendingMove    *pendingMove
	pendingHome    chan ring.HomeResult
}

func Connect(ctx context.Context, port string, cfg Config, statusCallback ring.StatusCallback) (*Drive, error) {
	if cfg.Tolerance <= 0 {
		return nil, fmt.Errorf("stepgate: tolerance must be positive")
	}
	if _, ok := DriveModes[cfg.DriveMode]; !ok {
		return nil, fmt.Errorf("stepgate: unknown drive mode %q", cfg.DriveMode)
	}
	d := &Drive{cfg: cfg, statusCallback: statusCallback}
	go d.reconnectLoop(ctx, port)
	return d, nil
}

func (d *Drive) reconnectLoop(ctx context.Context, port string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		// Baud rate does not matter; the board enumerates as USB CDC.
		c := &serial.Config{Name: port, Baud: 115200}
		s, err := serial.OpenPort(c)
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		d.mu.Lock()
		d.s = s
		d.mu.Unlock()
		d.Write(4, DriveModes[d.cfg.DriveMode])
		d.watch(ctx)
		d.mu.Lock()
		d.s = nil
		d.mu.Unlock()
	}
}

func (d *Drive) watch(ctx context.Context) {
	defer d.s.Close()
	scanner := bufio.NewScanner(d.s)
	for scanner.Scan() {
		input := scanner.Text()
		if len(input) < 1 {
			continue
		}
		switch {
		case input[0] == '!':
			log.Print(input)
		case input[0] == 'r':
			d.mu.Lock()
			for i, word := range strings.Fields(input[1:]) {
				if i >= readRegisterCount {
					break
				}
				v, err := strconv.ParseUint(word, 16, 16)
				if err != nil {
					log.Printf("failed to parse %q: %v", input, err)
					continue
				}
				d.readRegisters[i] = uint16(v)
			}
			d.settlePendingLocked()
			d.mu.Unlock()
			d.notifyStatus()
		default:
			log.Printf("unknown input: %s", input)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading serial port: %v", err)
	}
}

// settlePendingLocked completes outstanding move/home commands against the
// freshly parsed registers. Caller holds mu.
func (d *Drive) settlePendingLocked() {
	status := d.parseRegistersLocked()
	if p := d.pendingMove; p != nil {
		switch {
		case status.Stalled:
			p.ch <- ring.MoveResult{Stalled: true}
			d.pendingMove = nil
		case status.SensorBad:
			p.ch <- ring.MoveResult{Fault: fmt.Errorf("sensor fault (code %d)", status.FaultCode)}
			d.pendingMove = nil
		case !status.InMotion && math.Abs(ring.ShortestDelta(status.Pos, p.target, ring.CW)) <= d.cfg.Tolerance:
			p.ch <- ring.MoveResult{Arrived: true}
			d.pendingMove = nil
		}
	}
	if ch := d.pendingHome; ch != nil {
		switch {
		case status.SensorBad:
			ch <- ring.HomeResult{Fault: fmt.Errorf("sensor fault (code %d)", status.FaultCode)}
			d.pendingHome = nil
		case status.Stalled:
			ch <- ring.HomeResult{Timeout: true}
			d.pendingHome = nil
		case status.HomeSet && !status.InMotion:
			ch <- ring.HomeResult{Homed: true}
			d.pendingHome = nil
		}
	}
}

func (d *Drive) parseRegistersLocked() Status {
	registers := d.readRegisters
	writeRegisters := d.writeRegisters
	flags := registers[3]
	return Status{
		RawRegisters: registers,
		Pos:          360 * float64(registers[1]) / 65536,
		Vel:          regToSigned(registers[2]),
		HomeSet:      flags&flagHomed != 0 || !d.cfg.HomingSupported,
		InMotion:     flags&flagMoving != 0,
		Stalled:      flags&flagStalled != 0,
		SensorBad:    flags&flagSensorFault != 0,
		FaultCode:    registers[4],
		SensorLevel:  registers[5],

		WriteRegisters: writeRegisters,
		CommandTarget:  360 * float64(writeRegisters[1]) / 65536,
		CommandMode:    writeRegisters[2],
	}
}

func (d *Drive) notifyStatus() {
	if d.statusCallback == nil {
		return
	}
	d.mu.Lock()
	status := d.parseRegistersLocked()
	d.mu.Unlock()
	d.statusCallback(status)
}

// Write sends a register write to the board and mirrors it locally.
func (d *Drive) Write(register int, values ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(register, values...)
}

func (d *Drive) writeLocked(register int, values ...uint16) {
	if d.s == nil {
		return
	}
	out := []string{fmt.Sprintf("%x", register)}
	for i, v := range values {
		d.writeRegisters[register+i] = v
		out = append(out, fmt.Sprintf("%x", v))
	}
	outStr := "w" + strings.Join(out, " ") + "\n"
	if _, err := d.s.Write([]byte(outStr)); err != nil {
		log.Print(err)
	}
}

func (d *Drive) MoveTo(angle float64, dir ring.Direction) <-chan ring.MoveResult {
	ch := make(chan ring.MoveResult, 1)
	angle = ring.Normalize(angle)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.s == nil {
		ch <- ring.MoveResult{Fault: fmt.Errorf("mainboard not connected")}
		return ch
	}
	d.pendingMove = &pendingMove{target: angle, ch: ch}
	var dirReg uint16
	if dir == ring.CCW {
		dirReg = 1
	}
	d.lastSeq++
	d.writeLocked(0, d.lastSeq)
	d.writeLocked(1, uint16(angle/360*65536))
	d.writeLocked(3, dirReg)
	d.writeLocked(2, SERVO_POSITION)
	return ch
}

func (d *Drive) Home() <-chan ring.HomeResult {
	ch := make(chan ring.HomeResult, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.s == nil {
		ch <- ring.HomeResult{Fault: fmt.Errorf("mainboard not connected")}
		return ch
	}
	if !d.cfg.HomingSupported {
		// No calibration sensor on this build; the power-on position is
		// the reference.
		ch <- ring.HomeResult{Homed: true}
		return ch
	}
	d.pendingHome = ch
	d.lastSeq++
	d.writeLocked(0, d.lastSeq)
	d.writeLocked(2, SERVO_HOME)
	return ch
}

// Stop commands a decelerated halt. The firmware ramps the stepper down
// rather than cutting it, protecting the ring gear.
func (d *Drive) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingMove = nil
	d.pendingHome = nil
	d.lastSeq++
	d.writeLocked(0, d.lastSeq)
	d.writeLocked(2, SERVO_NONE)
}

func (d *Drive) CurrentPosition() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return 360 * float64(d.readRegisters[1]) / 65536
}

func (d *Drive) IsHomed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRegisters[3]&flagHomed != 0 || !d.cfg.HomingSupported
}
