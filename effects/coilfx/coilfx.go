// Package coilfx runs the chevron lamp bank. The lamps sit behind a modbus
// coil controller, either on a local RS-485 port or tunneled over HTTP to a
// remote lamp server.
package coilfx

import (
	"context"
	"encoding/binary"
	"log"
	"sync"

	"github.com/stargate-prop/gatedrive/internal/modbus"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Status reports the lamp bank state as read back from the controller.
type Status struct {
	Error bool
	// Chevrons holds one lamp per lamped chevron, index 0 is chevron 1.
	Chevrons []bool
	Wormhole bool
}

type StatusCallback func(status Status)

// Bank implements the effects coordinator cues against the coil controller.
// Coils 0..lamps-1 are the chevron lamps; the next coil is the wormhole lamp.
// Only seven of the nine chevrons carry lamps on the current build, so lock
// cues for chevrons 8 and 9 are dropped.
type Bank struct {
	client         *modbus.Client
	statusCallback StatusCallback

	mu     sync.Mutex
	lamps  int
	coils  []bool
	inputs []bool
}

type Config struct {
	// Port and BaudRate select a local serial controller.
	Port     string
	BaudRate int
	// URL selects a remote lamp server instead.
	URL string
}

func Connect(ctx context.Context, cfg Config, statusCallback StatusCallback) (*Bank, error) {
	b := &Bank{statusCallback: statusCallback}
	b.client = &modbus.Client{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		SlaveId:  1,
		URL:      cfg.URL,
		Poll:     b.pollOnce,
	}
	if err := b.client.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bank) pollOnce() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Input register 0 reports how many chevron lamps this controller has.
	results, err := b.client.ReadInputRegisters(0, 1)
	if err != nil {
		return err
	}
	lamps := binary.BigEndian.Uint16(results)
	coils, err := b.client.ReadCoils(0, lamps+1)
	if err != nil {
		return err
	}
	inputs, err := b.client.ReadDiscreteInputs(0, 1)
	if err != nil {
		return err
	}
	b.lamps = int(lamps)
	b.coils = modbus.BytesToBits(coils)
	b.inputs = modbus.BytesToBits(inputs)
	b.notifyStatus()
	return nil
}

func (b *Bank) notifyStatus() {
	if b.statusCallback == nil {
		return
	}
	status := Status{Error: b.inputs[0]}
	for i := 0; i < b.lamps; i++ {
		status.Chevrons = append(status.Chevrons, b.coils[i])
	}
	status.Wormhole = b.coils[b.lamps]
	b.statusCallback(status)
}

func (b *Bank) setChevron(chevron int, lit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if chevron > b.lamps {
		return
	}
	if err := b.client.WriteCoil(chevron-1, lit); err != nil {
		log.Printf("writing chevron %d lamp: %v", chevron, err)
	}
}

func (b *Bank) setWormhole(lit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.client.WriteCoil(b.lamps, lit); err != nil {
		log.Printf("writing wormhole lamp: %v", err)
	}
}

func (b *Bank) clearAll() {
	b.mu.Lock()
	lamps := b.lamps
	b.mu.Unlock()
	for i := 1; i <= lamps; i++ {
		b.setChevron(i, false)
	}
	b.setWormhole(false)
}

func (b *Bank) OnChevronLock(chevron int, symbol symbolmap.Symbol) {
	b.setChevron(chevron, true)
}

func (b *Bank) OnFinalLock() {}

func (b *Bank) OnWormholeOpen() {
	b.setWormhole(true)
}

func (b *Bank) OnWormholeClose() {
	b.clearAll()
}

func (b *Bank) OnAbort() {
	b.clearAll()
}
