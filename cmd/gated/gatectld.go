package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/stargate-prop/gatedrive/symbolmap"
)

// ListenGatectld serves the line-oriented control protocol used by scripts
// and the handheld remote. Commands are a single character, or "+\" followed
// by a command name; responses end with an "RPRT n" status line (0 success,
// -22 bad arguments, -1 other failure).
func (s *Server) ListenGatectld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing gatectld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				log.Printf("failed to accept: %v", err)
				continue
			}
			go s.handleGatectld(conn)
		}
	}()
	return nil
}

func parseAddress(args []string) ([]symbolmap.Symbol, error) {
	raw := make([]symbolmap.Symbol, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, err
		}
		raw[i] = symbolmap.Symbol(v)
	}
	return raw, nil
}

func (s *Server) handleGatectld(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:len(parts[0])]
			if len(parts) > 1 {
				args = parts[1:len(parts)]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:len(cmd)], " "))
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: Gatedrive
Symbols: %d
Chevrons: %d
Can Dial: Y
Can Abort: Y
Can Move: Y
Can Home: Y
Can get Position: Y
`, symbolmap.NumSymbols, symbolmap.NumChevrons)
			rprt = 0
		case "D", "dial":
			extended = true // always print RPRT
			raw, err := parseAddress(args)
			if err != nil {
				rprt = -22
				break
			}
			if _, err := s.gate.SubmitDial(raw); err != nil {
				log.Printf("%v dial: %v", conn.RemoteAddr(), err)
				break
			}
			rprt = 0
		case "A", "abort":
			extended = true // always print RPRT
			s.gate.Abort()
			rprt = 0
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 1 {
				rprt = -22
				break
			}
			delta, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = -22
				break
			}
			if err := s.gate.ManualMove(delta); err != nil {
				log.Printf("%v move: %v", conn.RemoteAddr(), err)
				break
			}
			rprt = 0
		case "H", "home":
			extended = true // always print RPRT
			if err := s.gate.Home(); err != nil {
				log.Printf("%v home: %v", conn.RemoteAddr(), err)
				break
			}
			rprt = 0
		case "S", "get_state":
			s.statusMu.RLock()
			status := s.composeStatus()
			s.statusMu.RUnlock()
			if extended {
				fmt.Fprintf(conn, "State: %s\nPosition: %.6f\nStep: %d\n", status.Run.State, status.Position, status.Run.Step)
			} else {
				fmt.Fprintf(conn, "%s\n%.6f\n%d\n", status.Run.State, status.Position, status.Run.Step)
			}
			rprt = 0
		case "p", "get_pos":
			s.statusMu.RLock()
			status := s.composeStatus()
			s.statusMu.RUnlock()
			if extended {
				fmt.Fprintf(conn, "Position: %.6f\n", status.Position)
			} else {
				fmt.Fprintf(conn, "%.6f\n", status.Position)
			}
			rprt = 0
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
