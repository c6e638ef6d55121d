// Binary gated runs the dialing engine: it owns the ring drive, the chevron
// lamp bank, and the command surfaces (HTTP, websocket, and the gatectld
// line protocol).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/config"
	"github.com/stargate-prop/gatedrive/drive/simring"
	"github.com/stargate-prop/gatedrive/drive/stepgate"
	"github.com/stargate-prop/gatedrive/effects"
	"github.com/stargate-prop/gatedrive/effects/coilfx"
	"github.com/stargate-prop/gatedrive/effects/mqttfx"
	"github.com/stargate-prop/gatedrive/gate"
	"github.com/stargate-prop/gatedrive/history"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/scheduler"
	"github.com/stargate-prop/gatedrive/sequencer"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8502", "HTTP listen address")
	configPath  = flag.String("config", "", "path to config file")
	serialPort  = flag.String("serial", "", "mainboard serial port name")
	sim         = flag.Bool("sim", false, "drive a simulated ring instead of hardware")
	coilSerial  = flag.String("coil_serial", "", "lamp bank serial port name")
	coilBaud    = flag.Int("coil_baud", 19200, "lamp bank baud rate")
	coilURL     = flag.String("coil_url", "", "remote lamp server URL")
	mqttBroker  = flag.String("mqtt_broker", "", "MQTT broker URL for cue publishing")
	mqttPrefix  = flag.String("mqtt_prefix", "gate", "MQTT topic prefix")
	historyPath = flag.String("history", "", "path to the run history database")
	gatectld    = flag.String("gatectld_addr", "", "gatectld listen address")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	symbols, err := cfg.SymbolMap()
	if err != nil {
		log.Fatal(err)
	}
	validator, err := address.NewValidator(symbols, symbolmap.Symbol(cfg.OriginSymbol), cfg.OriginConvention(), cfg.MinSymbols, cfg.MaxSymbols)
	if err != nil {
		log.Fatal(err)
	}

	server := NewServer()

	var coordinators effects.Multi
	if *coilSerial != "" || *coilURL != "" {
		bank, err := coilfx.Connect(ctx, coilfx.Config{
			Port:     *coilSerial,
			BaudRate: *coilBaud,
			URL:      *coilURL,
		}, server.lampStatusCallback)
		if err != nil {
			log.Fatal(err)
		}
		coordinators = append(coordinators, bank)
	}
	if *mqttBroker != "" {
		pub, err := mqttfx.Connect(*mqttBroker, "gated", *mqttPrefix)
		if err != nil {
			log.Fatal(err)
		}
		defer pub.Close()
		coordinators = append(coordinators, pub)
	}
	dispatcher := effects.NewDispatcher(coordinators)
	defer dispatcher.Close()

	var adapter ring.Adapter
	switch {
	case *sim || *serialPort == "":
		if !*sim {
			log.Print("no -serial given; driving a simulated ring")
		}
		s := simring.New(cfg.RingSpeed, server.ringStatusCallback)
		s.SetHomed(!cfg.HomingSupported)
		adapter = s
	default:
		d, err := stepgate.Connect(ctx, *serialPort, stepgate.Config{
			Tolerance:       cfg.Tolerance,
			DriveMode:       cfg.DriveMode,
			HomingSupported: cfg.HomingSupported,
		}, server.ringStatusCallback)
		if err != nil {
			log.Fatal(err)
		}
		adapter = d
	}

	seq, err := sequencer.New(adapter, symbols, dispatcher, cfg.SequencerConfig())
	if err != nil {
		log.Fatal(err)
	}

	var archive *history.Archive
	if *historyPath != "" {
		archive, err = history.Open(*historyPath)
		if err != nil {
			log.Fatal(err)
		}
		defer archive.Close()
	}

	var archiver gate.Archiver
	if archive != nil {
		archiver = archive
	}
	g := gate.New(ctx, adapter, seq, validator, archiver, time.Duration(cfg.MotionTimeout))
	defer g.Close()
	server.gate = g
	server.history = archive

	eg, ctx := errgroup.WithContext(ctx)

	if len(cfg.Schedules) > 0 {
		sched := scheduler.New(func(raw []symbolmap.Symbol) error {
			_, err := g.SubmitDial(raw)
			return err
		})
		for _, entry := range cfg.Schedules {
			raw := make([]symbolmap.Symbol, len(entry.Address))
			for i, s := range entry.Address {
				raw[i] = symbolmap.Symbol(s)
			}
			if err := sched.Add(entry.Cron, raw); err != nil {
				log.Fatal(err)
			}
		}
		eg.Go(func() error {
			sched.Run(ctx)
			return nil
		})
	}

	if *gatectld != "" {
		if err := server.ListenGatectld(ctx, *gatectld); err != nil {
			log.Fatal(err)
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", server.StatusHandler).Methods("GET")
	r.HandleFunc("/api/dial", server.DialHandler).Methods("POST")
	r.HandleFunc("/api/abort", server.AbortHandler).Methods("POST")
	r.HandleFunc("/api/move", server.MoveHandler).Methods("POST")
	r.HandleFunc("/api/home", server.HomeHandler).Methods("POST")
	r.HandleFunc("/api/history", server.HistoryHandler).Methods("GET")
	r.HandleFunc("/api/ws", server.StatusSocketHandler)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	eg.Go(srv.ListenAndServe)
	log.Fatal(eg.Wait())
}
