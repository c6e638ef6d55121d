// Package mqttfx publishes dialing cues to an MQTT broker so external show
// controllers (room lighting, sound boards) can react to the gate.
package mqttfx

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Cue is the JSON payload published for each event.
type Cue struct {
	Event   string           `json:"event"`
	Chevron int              `json:"chevron,omitempty"`
	Symbol  symbolmap.Symbol `json:"symbol,omitempty"`
	Time    time.Time        `json:"time"`
}

// Publisher implements the effects coordinator cues over MQTT. Publishes are
// QoS 0 fire and forget; a cue a listener misses is a cue it misses.
type Publisher struct {
	client mqtt.Client
	prefix string
}

func Connect(broker, clientID, prefix string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.AutoReconnect = true
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to %q: %w", broker, token.Error())
	}
	return &Publisher{client: client, prefix: prefix}, nil
}

func (p *Publisher) publish(topic string, cue Cue) {
	cue.Time = time.Now()
	payload, err := json.Marshal(cue)
	if err != nil {
		log.Printf("marshaling cue %+v: %v", cue, err)
		return
	}
	p.client.Publish(p.prefix+"/"+topic, 0, false, payload)
}

func (p *Publisher) OnChevronLock(chevron int, symbol symbolmap.Symbol) {
	p.publish("chevron", Cue{Event: "chevron_lock", Chevron: chevron, Symbol: symbol})
}

func (p *Publisher) OnFinalLock() {
	p.publish("chevron", Cue{Event: "final_lock"})
}

func (p *Publisher) OnWormholeOpen() {
	p.publish("wormhole", Cue{Event: "wormhole_open"})
}

func (p *Publisher) OnWormholeClose() {
	p.publish("wormhole", Cue{Event: "wormhole_close"})
}

func (p *Publisher) OnAbort() {
	p.publish("wormhole", Cue{Event: "abort"})
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
