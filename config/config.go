// Package config loads the engine configuration file. Everything the
// sequencing engine consumes at runtime is validated here, at construction
// time, so a misconfigured system fails before it can move hardware.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/sequencer"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Duration wraps time.Duration to accept "500ms"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Schedule is one automated dial: a cron expression and the raw address it
// submits.
type Schedule struct {
	Cron    string `yaml:"cron"`
	Address []int  `yaml:"address"`
}

type Config struct {
	SettleDelay   Duration `yaml:"settle_delay"`
	WormholeHold  Duration `yaml:"wormhole_hold"`
	MotionTimeout Duration `yaml:"motion_timeout"`
	// TieBreak is "cw" or "ccw": the direction for exact 180 degree moves.
	TieBreak string `yaml:"tie_break"`
	// Origin is "leading" or "trailing": where the point of origin sits.
	Origin       string `yaml:"origin"`
	OriginSymbol int    `yaml:"origin_symbol"`
	MinSymbols   int    `yaml:"min_symbols"`
	MaxSymbols   int    `yaml:"max_symbols"`
	// Tolerance is the arrival window in degrees.
	Tolerance float64 `yaml:"tolerance"`
	// IdlePosition, if present, is where the ring parks after a dial.
	IdlePosition *float64 `yaml:"idle_position"`
	// HomingSupported is false on boards without the calibration sensor;
	// those treat the power-on position as the reference.
	HomingSupported bool `yaml:"homing_supported"`
	// DriveMode is the stepper drive mode: single, double, interleave, or
	// microstep.
	DriveMode string `yaml:"drive_mode"`
	// RingSpeed is the simulated drive speed in degrees per second.
	RingSpeed float64 `yaml:"ring_speed"`

	// Symbols and Chevrons override the stock ring layout.
	Symbols  map[int]float64 `yaml:"symbols"`
	Chevrons []float64       `yaml:"chevrons"`

	Schedules []Schedule `yaml:"schedules"`
}

// Default returns the stock configuration for the reference build.
func Default() *Config {
	return &Config{
		SettleDelay:     Duration(700 * time.Millisecond),
		WormholeHold:    Duration(38 * time.Minute),
		MotionTimeout:   Duration(45 * time.Second),
		TieBreak:        "cw",
		Origin:          "trailing",
		OriginSymbol:    1,
		MinSymbols:      6,
		MaxSymbols:      9,
		Tolerance:       0.5,
		HomingSupported: true,
		DriveMode:       "double",
		RingSpeed:       20,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var driveModes = map[string]bool{
	"single":     true,
	"double":     true,
	"interleave": true,
	"microstep":  true,
}

func (c *Config) Validate() error {
	if c.MotionTimeout <= 0 {
		return fmt.Errorf("motion_timeout must be positive")
	}
	if c.SettleDelay < 0 || c.WormholeHold < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.TieBreak != "cw" && c.TieBreak != "ccw" {
		return fmt.Errorf("tie_break must be cw or ccw, got %q", c.TieBreak)
	}
	if c.Origin != "leading" && c.Origin != "trailing" {
		return fmt.Errorf("origin must be leading or trailing, got %q", c.Origin)
	}
	if c.OriginSymbol < 1 || c.OriginSymbol > symbolmap.NumSymbols {
		return fmt.Errorf("origin_symbol %d out of range", c.OriginSymbol)
	}
	if c.MinSymbols < 2 || c.MaxSymbols > symbolmap.NumChevrons || c.MinSymbols > c.MaxSymbols {
		return fmt.Errorf("unsupported address length range %d..%d", c.MinSymbols, c.MaxSymbols)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive")
	}
	if !driveModes[c.DriveMode] {
		return fmt.Errorf("unknown drive_mode %q", c.DriveMode)
	}
	if (c.Symbols == nil) != (c.Chevrons == nil) {
		return fmt.Errorf("symbols and chevrons overrides must be given together")
	}
	for _, sched := range c.Schedules {
		if sched.Cron == "" || len(sched.Address) == 0 {
			return fmt.Errorf("schedule needs both cron and address")
		}
	}
	return nil
}

// SymbolMap builds the ring layout, applying any override tables.
func (c *Config) SymbolMap() (*symbolmap.Map, error) {
	if c.Symbols == nil {
		return symbolmap.New(), nil
	}
	positions := make(map[symbolmap.Symbol]float64, len(c.Symbols))
	for k, v := range c.Symbols {
		positions[symbolmap.Symbol(k)] = v
	}
	return symbolmap.NewWithLayout(positions, c.Chevrons)
}

// TieBreakDirection returns the configured tie break as a ring direction.
func (c *Config) TieBreakDirection() ring.Direction {
	if c.TieBreak == "ccw" {
		return ring.CCW
	}
	return ring.CW
}

// OriginConvention returns the configured point-of-origin placement.
func (c *Config) OriginConvention() address.OriginConvention {
	if c.Origin == "leading" {
		return address.OriginLeading
	}
	return address.OriginTrailing
}

// SequencerConfig maps the file onto the engine's construction parameters.
func (c *Config) SequencerConfig() sequencer.Config {
	return sequencer.Config{
		SettleDelay:   time.Duration(c.SettleDelay),
		WormholeHold:  time.Duration(c.WormholeHold),
		MotionTimeout: time.Duration(c.MotionTimeout),
		TieBreak:      c.TieBreakDirection(),
		IdlePosition:  c.IdlePosition,
	}
}
