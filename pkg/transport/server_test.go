package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func dialAndHandshake(t *testing.T, addr net.Addr, origin string) (net.Conn, *Framer) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	framer := NewFramer(conn)
	hs, _ := json.Marshal(handshakeFrame{Origin: origin})
	if err := framer.WriteFrame(hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn, framer
}

func TestServerAdmitsAllowedOriginAndSendsWelcome(t *testing.T) {
	srv := NewServer(ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, framer := dialAndHandshake(t, srv.Addr(), "chrome-extension://abc")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var note struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"session_id"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &note); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if note.Method != "server.connected" {
		t.Fatalf("expected server.connected, got %q", note.Method)
	}
	if note.Params.SessionID == "" {
		t.Fatalf("expected a session_id")
	}
}

func TestServerRejectsDisallowedOrigin(t *testing.T) {
	srv := NewServer(ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"https://trusted.example"},
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, framer := dialAndHandshake(t, srv.Addr(), "https://evil.example")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	if resp.Error.Code != CodeUnauthorizedOrigin {
		t.Fatalf("expected code %d, got %d", CodeUnauthorizedOrigin, resp.Error.Code)
	}
}

func TestServerEnforcesMaxConnections(t *testing.T) {
	srv := NewServer(ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		MaxConnections: 1,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn1, framer1 := dialAndHandshake(t, srv.Addr(), "o")
	defer conn1.Close()
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := framer1.ReadFrame(); err != nil {
		t.Fatalf("first session should be welcomed: %v", err)
	}

	// Give the server a moment to register the first session before the
	// second dial races the admission check.
	time.Sleep(50 * time.Millisecond)

	conn2, framer2 := dialAndHandshake(t, srv.Addr(), "o")
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := framer2.ReadFrame()
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != CodeOverload {
		t.Fatalf("expected overload code %d, got %d", CodeOverload, resp.Error.Code)
	}
}

func TestServerEchoesMessagesToOnMessage(t *testing.T) {
	received := make(chan string, 1)
	srv := NewServer(ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		OnMessage: func(sess *Session, data []byte) {
			received <- string(data)
			sess.Send(data)
		},
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, framer := dialAndHandshake(t, srv.Addr(), "o")
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}

	if err := framer.WriteFrame([]byte(`{"version":"2.0","method":"system.getInfo","id":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg == "" {
			t.Fatalf("expected non-empty message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}

	echoed, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != `{"version":"2.0","method":"system.getInfo","id":1}` {
		t.Fatalf("unexpected echo: %s", echoed)
	}
}
