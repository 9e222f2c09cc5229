// Package interactive provides a debug command-line client for a running
// hwbrokerd instance, in the spirit of the teacher's own mash-controller
// interactive mode: it dials the broker like any other client would,
// speaks the same wire protocol, and prints whatever comes back.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/hwbridge/broker/pkg/transport"
)

// Shell is an interactive RPC client attached to the broker's own
// listener.
type Shell struct {
	conn   net.Conn
	framer *transport.Framer
	rl     *readline.Instance
	nextID int
}

// New dials addr, completes the handshake and prepares a readline
// prompt. addr is typically the broker's own just-started listener, so
// the shell exercises exactly the interface any other client uses.
func New(addr string) (*Shell, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	framer := transport.NewFramer(conn)

	hs, _ := json.Marshal(map[string]string{"origin": "hwbrokerd-shell"})
	if err := framer.WriteFrame(hs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := framer.ReadFrame(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	rl, err := readline.NewEx(&readline.Config{Prompt: "hwbroker> "})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init readline: %w", err)
	}

	return &Shell{conn: conn, framer: framer, rl: rl}, nil
}

// Run reads lines from the terminal until the shell exits, calling
// cancel on "quit" so the owning process shuts down cleanly.
func (s *Shell) Run(cancel context.CancelFunc) {
	defer s.rl.Close()
	defer s.conn.Close()

	s.printHelp()
	for {
		line, err := s.rl.Readline()
		if err != nil {
			cancel()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "quit", "exit", "q":
			fmt.Println("bye")
			cancel()
			return
		case "devices":
			s.call("devices.enumerate", map[string]any{"force_refresh": len(args) > 0 && args[0] == "refresh"})
		case "get":
			if len(args) < 1 {
				fmt.Println("usage: get <device-id>")
				continue
			}
			s.call("devices.get", map[string]any{"device_id": args[0]})
		case "health":
			s.call("system.getHealth", nil)
		case "info":
			s.call("system.getInfo", nil)
		case "queue":
			s.call("queue.getStatus", nil)
		case "print":
			if len(args) < 2 {
				fmt.Println("usage: print <device-id> <text>")
				continue
			}
			s.call("printer.print", map[string]any{
				"device_id": args[0],
				"data":      []byte(strings.Join(args[1:], " ")),
			})
		case "ping":
			if len(args) < 2 {
				fmt.Println("usage: ping <host> <port>")
				continue
			}
			port, _ := strconv.Atoi(args[1])
			s.call("network.ping", map[string]any{"host": args[0], "port": port})
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Println(`hwbrokerd debug shell
  devices [refresh]        - enumerate known devices
  get <device-id>          - fetch one device
  health                   - system.getHealth
  info                     - system.getInfo
  queue                    - queue.getStatus
  print <device-id> <text> - printer.print
  ping <host> <port>       - network.ping
  quit                     - exit`)
}

func (s *Shell) call(method string, params any) {
	s.nextID++
	req := map[string]any{"version": "2.0", "method": method, "id": s.nextID}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		fmt.Printf("marshal request: %v\n", err)
		return
	}
	if err := s.framer.WriteFrame(data); err != nil {
		fmt.Printf("write request: %v\n", err)
		return
	}
	out, err := s.framer.ReadFrame()
	if err != nil {
		fmt.Printf("read response: %v\n", err)
		return
	}
	var pretty map[string]any
	if err := json.Unmarshal(out, &pretty); err != nil {
		fmt.Println(string(out))
		return
	}
	formatted, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(formatted))
}
