package broker

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/config"
	"github.com/hwbridge/broker/pkg/discovery"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/queue"
	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/watch"
)

type testHandshake struct {
	Origin string `json:"origin"`
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	fabric := event.NewFabric(context.Background())
	t.Cleanup(fabric.Stop)

	reg := registry.New(fabric)
	watchReg := watch.New(fabric)
	t.Cleanup(watchReg.Close)

	printer := adapter.NewPrinter(func(ctx context.Context) ([]registry.Device, error) { return nil, nil }, nil)
	biometric := adapter.NewBiometric(0, nil)
	adapters := adapter.NewRegistry(printer, biometric)

	nm := netmgr.New(netmgr.DefaultConfig(), reg, fabric, nil)

	discEngine := discovery.New(discovery.Config{EnablePrinter: true, Interval: time.Hour}, adapters, reg, nil)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := queue.OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open queue store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfgStore, err := config.Load(filepath.Join(t.TempDir(), "hwbroker.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	b := New(Deps{
		Config:    cfgStore,
		Registry:  reg,
		Fabric:    fabric,
		Watch:     watchReg,
		Adapters:  adapters,
		Biometric: biometric,
		NetMgr:    nm,
	})

	q := queue.New(queue.DefaultConfig(), store, b.Executor(), fabric, nil)
	b.SetQueue(q)
	b.SetDiscovery(discEngine)

	return b
}

func startTestServer(t *testing.T, b *Broker) net.Addr {
	t.Helper()
	srv := transport.NewServer(transport.ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		OnConnect:      b.OnConnect,
		OnDisconnect:   b.OnDisconnect,
		OnMessage:      b.Handle,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv.Addr()
}

func dialAndWelcome(t *testing.T, addr net.Addr) *transport.Framer {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	framer := transport.NewFramer(conn)
	hs, _ := json.Marshal(testHandshake{Origin: "test"})
	if err := framer.WriteFrame(hs); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	return framer
}

func rpcCall(t *testing.T, framer *transport.Framer, id int, method string, params any) map[string]any {
	t.Helper()
	req := map[string]any{"version": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := framer.WriteFrame(data); err != nil {
		t.Fatalf("write request: %v", err)
	}
	out, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestBrokerEnumerateDevices(t *testing.T) {
	b := newTestBroker(t)
	addr := startTestServer(t, b)
	framer := dialAndWelcome(t, addr)

	resp := rpcCall(t, framer, 1, "devices.enumerate", map[string]any{"force_refresh": true})
	if resp["error"] != nil {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	if _, ok := resp["result"]; !ok {
		t.Fatalf("expected a result field, got %v", resp)
	}
}

func TestBrokerUnknownMethod(t *testing.T) {
	b := newTestBroker(t)
	addr := startTestServer(t, b)
	framer := dialAndWelcome(t, addr)

	resp := rpcCall(t, framer, 2, "bogus.method", nil)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error, got %v", resp)
	}
	if int(errObj["code"].(float64)) != -32601 {
		t.Fatalf("expected method-not-found code, got %v", errObj["code"])
	}
}

func TestBrokerDeviceNotFound(t *testing.T) {
	b := newTestBroker(t)
	addr := startTestServer(t, b)
	framer := dialAndWelcome(t, addr)

	resp := rpcCall(t, framer, 3, "devices.get", map[string]any{"device_id": "does-not-exist"})
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error, got %v", resp)
	}
	if int(errObj["code"].(float64)) != -32602 {
		t.Fatalf("expected invalid-params code, got %v", errObj["code"])
	}
}

func TestBrokerSystemHealthReportsActiveConnections(t *testing.T) {
	b := newTestBroker(t)
	addr := startTestServer(t, b)
	framer := dialAndWelcome(t, addr)

	resp := rpcCall(t, framer, 4, "system.getHealth", nil)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected a result, got %v", resp)
	}
	if int(result["active_connections"].(float64)) < 1 {
		t.Fatalf("expected at least one active connection, got %v", result["active_connections"])
	}
}
