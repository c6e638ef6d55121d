package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stargate-prop/gatedrive/address"
	"github.com/stargate-prop/gatedrive/effects/coilfx"
	"github.com/stargate-prop/gatedrive/gate"
	"github.com/stargate-prop/gatedrive/history"
	"github.com/stargate-prop/gatedrive/ring"
	"github.com/stargate-prop/gatedrive/sequencer"
	"github.com/stargate-prop/gatedrive/symbolmap"
)

// Status is the full picture pushed to clients: the run state from the
// engine plus the raw drive and lamp readings.
type Status struct {
	Busy     bool          `json:"busy"`
	Run      sequencer.Run `json:"run"`
	Position float64       `json:"position"`
	Homed    bool          `json:"homed"`
	Moving   bool          `json:"moving"`
	Lamps    coilfx.Status `json:"lamps"`
}

type Server struct {
	gate    *gate.Gate
	history *history.Archive

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	ringStatus ring.Status
	lampStatus coilfx.Status
}

func NewServer() *Server {
	s := &Server{}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) ringStatusCallback(status ring.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.ringStatus = status
	s.statusCond.Broadcast()
}

func (s *Server) lampStatusCallback(status coilfx.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.lampStatus = status
	s.statusCond.Broadcast()
}

// composeStatus merges the latest hardware readings with the gate state.
// Caller holds statusMu for reading.
func (s *Server) composeStatus() Status {
	gs := s.gate.Status()
	status := Status{
		Busy:  gs.Busy,
		Run:   gs.Run,
		Lamps: s.lampStatus,
	}
	if rs := s.ringStatus; rs != nil {
		status.Position = rs.Position()
		status.Homed = rs.Homed()
		status.Moving = rs.Moving()
	}
	return status
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.composeStatus()
	s.statusMu.RUnlock()
	writeJSON(w, status)
}

type dialRequest struct {
	Address []symbolmap.Symbol `json:"address"`
}

func (s *Server) DialHandler(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handle, err := s.gate.SubmitDial(req.Address)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, map[string]interface{}{"address": handle.Address})
}

func (s *Server) AbortHandler(w http.ResponseWriter, r *http.Request) {
	s.gate.Abort()
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	Delta float64 `json:"delta"`
}

func (s *Server) MoveHandler(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.gate.ManualMove(req.Delta); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Home(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	n := 20
	if arg := r.URL.Query().Get("n"); arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n = v
	}
	runs, err := s.history.Recent(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// Command is the message websocket clients send.
type Command struct {
	Command string             `json:"command"`
	Address []symbolmap.Symbol `json:"address"`
	Delta   float64            `json:"delta"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	// Read and process incoming messages
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				break
			}
			switch msg.Command {
			case "dial":
				if _, err := s.gate.SubmitDial(msg.Address); err != nil {
					log.Printf("ws dial: %v", err)
				}
			case "abort":
				s.gate.Abort()
			case "move":
				if err := s.gate.ManualMove(msg.Delta); err != nil {
					log.Printf("ws move: %v", err)
				}
			case "home":
				if err := s.gate.Home(); err != nil {
					log.Printf("ws home: %v", err)
				}
			}
		}
	}()

	send := func(status Status) {
		data, err := json.Marshal(status)
		if err != nil {
			log.Print(err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Print(err)
			return
		}
	}

	s.statusMu.RLock()
	status := s.composeStatus()
	s.statusMu.RUnlock()
	send(status)

	for ctx.Err() == nil {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.composeStatus()
		s.statusMu.RUnlock()
		send(status)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

func statusFor(err error) int {
	switch {
	case err == gate.ErrBusy:
		return http.StatusConflict
	case err == sequencer.ErrFaulted:
		return http.StatusConflict
	default:
		var verr *address.ValidationError
		if errors.As(err, &verr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
