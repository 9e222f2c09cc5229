// Package hwbroker_test exercises the broker end to end: a real
// transport.Server wired to a real broker.Broker, driven over the wire
// exactly as a browser client would, the way the teacher's own root
// integration_test.go drives a live controller/device pair.
package hwbroker_test

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/broker"
	"github.com/hwbridge/broker/pkg/config"
	"github.com/hwbridge/broker/pkg/discovery"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/queue"
	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/watch"
	"github.com/hwbridge/broker/pkg/wire"
)

// fakeAdapter stands in for hardware the test sandbox doesn't have
// (serial ports, real printers): it implements adapter.Adapter with
// overridable hooks and a controllable device list.
type fakeAdapter struct {
	kind registry.Kind

	mu      sync.Mutex
	devices []registry.Device

	openFn  func(registry.Device) (adapter.OpenResult, error)
	writeFn func(registry.Device, string, []byte) (adapter.WriteResult, error)
	readFn  func(registry.Device, string, int) (adapter.ReadResult, error)
}

func (f *fakeAdapter) Kind() registry.Kind { return f.kind }

func (f *fakeAdapter) Discover(ctx context.Context) ([]registry.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeAdapter) setDevices(devs []registry.Device) {
	f.mu.Lock()
	f.devices = devs
	f.mu.Unlock()
}

func (f *fakeAdapter) Open(ctx context.Context, d registry.Device) (adapter.OpenResult, error) {
	if f.openFn != nil {
		return f.openFn(d)
	}
	return adapter.OpenResult{Handle: "h1"}, nil
}

func (f *fakeAdapter) Close(ctx context.Context, d registry.Device, handle string) (adapter.CloseResult, error) {
	return adapter.CloseResult{Closed: true}, nil
}

func (f *fakeAdapter) Write(ctx context.Context, d registry.Device, handle string, data []byte) (adapter.WriteResult, error) {
	if f.writeFn != nil {
		return f.writeFn(d, handle, data)
	}
	return adapter.WriteResult{BytesWritten: len(data)}, nil
}

func (f *fakeAdapter) Read(ctx context.Context, d registry.Device, handle string, maxBytes int) (adapter.ReadResult, error) {
	if f.readFn != nil {
		return f.readFn(d, handle, maxBytes)
	}
	return adapter.ReadResult{}, nil
}

func (f *fakeAdapter) Status(ctx context.Context, d registry.Device) (adapter.StatusResult, error) {
	return adapter.StatusResult{Status: registry.StatusAvailable, IsConnected: d.IsConnected}, nil
}

func (f *fakeAdapter) Capabilities(ctx context.Context, d registry.Device) (adapter.CapabilitiesResult, error) {
	return adapter.CapabilitiesResult{
		Operations: []string{"open", "close", "send", "receive"},
		Properties: map[string]any{"baud_rate": 9600},
	}, nil
}

// rig bundles a fully wired broker behind a live transport.Server, the
// way runServe in cmd/hwbrokerd wires one for real, minus TLS and
// on-disk config.
type rig struct {
	broker *broker.Broker
	queue  *queue.Queue
	reg    *registry.Registry
	fabric *event.Fabric
	addr   net.Addr
}

func newRig(t *testing.T, maxConnections int, extraAdapters ...adapter.Adapter) *rig {
	t.Helper()

	fabric := event.NewFabric(context.Background())
	t.Cleanup(fabric.Stop)

	reg := registry.New(fabric)
	watchReg := watch.New(fabric)
	t.Cleanup(watchReg.Close)

	adapters := adapter.NewRegistry(extraAdapters...)
	nm := netmgr.New(netmgr.DefaultConfig(), reg, fabric, nil)
	t.Cleanup(nm.DisposeAll)

	discEngine := discovery.New(discovery.Config{
		Interval:        time.Hour,
		EnablePrinter:   true,
		EnableSerial:    true,
		EnableUSBHID:    true,
		EnableNetwork:   true,
		EnableBiometric: true,
	}, adapters, reg, nil)

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

	b := broker.New(broker.Deps{
		Config:    cfgStore,
		Registry:  reg,
		Fabric:    fabric,
		Watch:     watchReg,
		Adapters:  adapters,
		Biometric: adapter.NewBiometric(0, nil),
		NetMgr:    nm,
	})

	q := queue.New(queue.Config{RetryInterval: 30 * time.Millisecond, MaxRetryAttempts: 3}, store, b.Executor(), fabric, nil)
	b.SetQueue(q)
	b.SetDiscovery(discEngine)
	b.Run(context.Background())
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	srv := transport.NewServer(transport.ServerConfig{
		Address:        "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
		MaxConnections: maxConnections,
		OnConnect:      b.OnConnect,
		OnDisconnect:   b.OnDisconnect,
		OnMessage:      b.Handle,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &rig{broker: b, queue: q, reg: reg, fabric: fabric, addr: srv.Addr()}
}

// client wraps a dialed session, tracking request IDs and setting aside
// any notification frames it reads while waiting for a response.
type client struct {
	t             *testing.T
	conn          net.Conn
	framer        *transport.Framer
	nextID        int
	notifications []map[string]any
}

func dial(t *testing.T, addr net.Addr) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	framer := transport.NewFramer(conn)

	hs, _ := json.Marshal(map[string]string{"origin": "integration-test"})
	if err := framer.WriteFrame(hs); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	conn.SetReadDeadline(time.Time{})
	return &client{t: t, conn: conn, framer: framer}
}

// call sends a request and returns its response, stashing any
// notifications it reads along the way into c.notifications.
func (c *client) call(method string, params any) map[string]any {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	req := map[string]any{"version": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if err := c.framer.WriteFrame(data); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		out, err := c.framer.ReadFrame()
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			c.t.Fatalf("read response to %s: %v", method, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(out, &msg); err != nil {
			c.t.Fatalf("unmarshal response to %s: %v", method, err)
		}
		if _, isNotification := msg["method"]; isNotification {
			c.notifications = append(c.notifications, msg)
			continue
		}
		return msg
	}
}

// drainNotifications gives any in-flight async notifications a brief
// window to arrive and appends them to c.notifications.
func (c *client) drainNotifications() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		out, err := c.framer.ReadFrame()
		if err != nil {
			c.conn.SetReadDeadline(time.Time{})
			return
		}
		var msg map[string]any
		if json.Unmarshal(out, &msg) == nil {
			if _, isNotification := msg["method"]; isNotification {
				c.notifications = append(c.notifications, msg)
			}
		}
	}
}

func (c *client) hasEventType(eventType string) bool {
	for _, n := range c.notifications {
		params, ok := n["params"].(map[string]any)
		if !ok {
			continue
		}
		if params["event_type"] == eventType {
			return true
		}
	}
	return false
}

func requireNoError(t *testing.T, resp map[string]any, context string) map[string]any {
	t.Helper()
	if errObj, ok := resp["error"]; ok && errObj != nil {
		t.Fatalf("%s: unexpected error %v", context, errObj)
	}
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("%s: expected a result object, got %v", context, resp)
	}
	return result
}

// TestEndToEnd_DiscoverConnectPrintNetworkPrinter covers enumerate then
// connect then print against a network device, observing the
// "connected" device.event notification along the way.
func TestEndToEnd_DiscoverConnectPrintNetworkPrinter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 64)
			n, _ := conn.Read(buf)
			if n == 0 {
				// network.discover's TCP probe connects and closes
				// without sending anything; wait for the real connection.
				conn.Close()
				continue
			}
			received <- buf[:n]
			conn.Close()
			return
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	r := newRig(t, 0, &fakeAdapter{kind: registry.KindPrinter})
	c := dial(t, r.addr)

	requireNoError(t, c.call("devices.watch", nil), "devices.watch")

	discoverResult := requireNoError(t, c.call("network.discover", map[string]any{
		"cidr":  host + "/32",
		"ports": []int{port},
	}), "network.discover")
	results, ok := discoverResult["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected exactly one scan result, got %v", discoverResult["results"])
	}

	deviceID := registry.DeriveID(registry.KindNetwork, host, strconv.Itoa(port))
	connectResult := requireNoError(t, c.call("network.connect", map[string]any{
		"device_id": deviceID,
		"host":      host,
		"port":      port,
	}), "network.connect")
	if isAlive, _ := connectResult["is_alive"].(bool); !isAlive {
		t.Fatalf("expected the new connection to be alive, got %v", connectResult)
	}

	printResult := requireNoError(t, c.call("printer.print", map[string]any{
		"device_id": deviceID,
		"data":      []byte("TEST\n"),
	}), "printer.print")
	if bytesWritten, _ := printResult["bytes_written"].(float64); int(bytesWritten) != 5 {
		t.Fatalf("expected 5 bytes written, got %v", printResult["bytes_written"])
	}
	if via, _ := printResult["via"].(string); via != "network" {
		t.Fatalf("expected print to go via the live network connection, got %q", via)
	}

	c.drainNotifications()
	if !c.hasEventType("connected") {
		t.Fatalf("expected a device.event notification with event_type=connected between connect and print, got %v", c.notifications)
	}

	select {
	case data := <-received:
		if string(data) != "TEST\n" {
			t.Fatalf("printer received %q, want %q", data, "TEST\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fake printer to receive data")
	}
}

// TestEndToEnd_SerialEchoRoundTrip covers open/send/receive/close/status
// against a serial device, standing in for real hardware with a fake
// adapter that echoes whatever it is sent.
func TestEndToEnd_SerialEchoRoundTrip(t *testing.T) {
	deviceID := registry.DeriveID(registry.KindSerial, "COM-TEST")
	var lastWritten []byte
	serial := &fakeAdapter{
		kind: registry.KindSerial,
		writeFn: func(d registry.Device, handle string, data []byte) (adapter.WriteResult, error) {
			lastWritten = data
			return adapter.WriteResult{BytesWritten: len(data)}, nil
		},
		readFn: func(d registry.Device, handle string, maxBytes int) (adapter.ReadResult, error) {
			return adapter.ReadResult{Data: lastWritten}, nil
		},
	}
	serial.setDevices([]registry.Device{{
		ID:     deviceID,
		Kind:   registry.KindSerial,
		Name:   "COM-TEST",
		Status: registry.StatusAvailable,
		Properties: map[string]any{
			registry.PropPortName:       "COM-TEST",
			registry.PropConnectionType: string(registry.ConnectionTypeSerial),
		},
	}})

	r := newRig(t, 0, serial)
	r.reg.Upsert(serial.devices[0])
	c := dial(t, r.addr)

	openResult := requireNoError(t, c.call("serial.open", map[string]any{"device_id": deviceID}), "serial.open")
	if handle, _ := openResult["handle"].(string); handle == "" {
		t.Fatalf("expected a non-empty handle, got %v", openResult)
	}

	sendResult := requireNoError(t, c.call("serial.send", map[string]any{
		"device_id": deviceID,
		"data":      []byte("AT\r\n"),
	}), "serial.send")
	if bytesWritten, _ := sendResult["bytes_written"].(float64); int(bytesWritten) != 4 {
		t.Fatalf("expected 4 bytes written, got %v", sendResult["bytes_written"])
	}

	deadline := time.Now().Add(2 * time.Second)
	var receiveResult map[string]any
	for time.Now().Before(deadline) {
		receiveResult = requireNoError(t, c.call("serial.receive", map[string]any{
			"device_id": deviceID,
			"max_bytes": 64,
		}), "serial.receive")
		if data, _ := receiveResult["data"].(string); data != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	decoded, _ := json.Marshal(receiveResult["data"])
	var echoed []byte
	if err := json.Unmarshal(decoded, &echoed); err != nil {
		t.Fatalf("decode echoed data: %v", err)
	}
	if string(echoed) != "AT\r\n" {
		t.Fatalf("expected echo %q, got %q", "AT\r\n", echoed)
	}

	statusResult := requireNoError(t, c.call("serial.getStatus", map[string]any{"device_id": deviceID}), "serial.getStatus")
	if isConnected, _ := statusResult["is_connected"].(bool); !isConnected {
		t.Fatalf("expected is_connected=true while the handle is open, got %v", statusResult)
	}

	requireNoError(t, c.call("serial.close", map[string]any{"device_id": deviceID, "handle": "h1"}), "serial.close")
}

// TestEndToEnd_QueueRetriesUntilSuccess covers a queued printer.print job
// whose adapter fails twice before succeeding, confirming it reaches
// completed with retry_count=2 after three worker ticks.
func TestEndToEnd_QueueRetriesUntilSuccess(t *testing.T) {
	deviceID := registry.DeriveID(registry.KindPrinter, "flaky")
	var attempts atomic.Int32
	printer := &fakeAdapter{
		kind: registry.KindPrinter,
		writeFn: func(d registry.Device, handle string, data []byte) (adapter.WriteResult, error) {
			if attempts.Add(1) <= 2 {
				return adapter.WriteResult{}, adapter.ErrDeviceGone
			}
			return adapter.WriteResult{BytesWritten: len(data)}, nil
		},
	}

	r := newRig(t, 0, printer)
	r.reg.Upsert(registry.Device{ID: deviceID, Kind: registry.KindPrinter, Name: "flaky", Status: registry.StatusAvailable})

	params, err := json.Marshal(map[string]any{"device_id": deviceID, "data": []byte("retry-me")})
	if err != nil {
		t.Fatalf("marshal job params: %v", err)
	}
	jobID, err := r.queue.Enqueue(deviceID, string(registry.KindPrinter), "printer.print", params)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var job queue.Job
	for time.Now().Before(deadline) {
		got, ok, err := r.queue.Get(jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && (got.Status == queue.StatusCompleted || got.Status == queue.StatusFailed) {
			job = got
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Status != queue.StatusCompleted {
		t.Fatalf("expected job to complete, got status %q (error %q)", job.Status, job.Error)
	}
	if job.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", job.RetryCount)
	}
}

// TestEndToEnd_AdmissionCapRejectsOverflow covers the exact max_connections
// cutoff: the third session is rejected with the overload code before
// ever completing a handshake, and is never counted as active.
func TestEndToEnd_AdmissionCapRejectsOverflow(t *testing.T) {
	r := newRig(t, 2, &fakeAdapter{kind: registry.KindPrinter})

	c1 := dial(t, r.addr)
	c2 := dial(t, r.addr)
	requireNoError(t, c1.call("system.getInfo", nil), "system.getInfo")
	requireNoError(t, c2.call("system.getInfo", nil), "system.getInfo")

	conn, err := net.Dial("tcp", r.addr.String())
	if err != nil {
		t.Fatalf("dial third connection: %v", err)
	}
	defer conn.Close()
	framer := transport.NewFramer(conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("read rejection frame: %v", err)
	}
	var rejected map[string]any
	if err := json.Unmarshal(out, &rejected); err != nil {
		t.Fatalf("unmarshal rejection: %v", err)
	}
	errObj, ok := rejected["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error envelope, got %v", rejected)
	}
	if code, _ := errObj["code"].(float64); int(code) != transport.CodeOverload {
		t.Fatalf("expected overload code %d, got %v", transport.CodeOverload, errObj["code"])
	}

	health := requireNoError(t, c1.call("system.getHealth", nil), "system.getHealth")
	if active, _ := health["active_connections"].(float64); int(active) != 2 {
		t.Fatalf("expected active_connections=2, got %v", health["active_connections"])
	}
}

// TestEndToEnd_DiscoveryRemovalDebounce covers the removal debounce: a
// device with an open handle survives a discovery cycle that omits it,
// and is only removed once the handle is closed and it is missing again.
func TestEndToEnd_DiscoveryRemovalDebounce(t *testing.T) {
	deviceID := registry.DeriveID(registry.KindSerial, "debounced")
	device := registry.Device{
		ID:     deviceID,
		Kind:   registry.KindSerial,
		Name:   "debounced",
		Status: registry.StatusAvailable,
	}
	serial := &fakeAdapter{kind: registry.KindSerial}
	serial.setDevices([]registry.Device{device})

	r := newRig(t, 0, serial)
	c := dial(t, r.addr)
	requireNoError(t, c.call("devices.watch", nil), "devices.watch")

	requireNoError(t, c.call("devices.enumerate", map[string]any{"force_refresh": true}), "devices.enumerate")
	if _, ok := r.reg.Get(deviceID); !ok {
		t.Fatalf("expected device to be registered after the first discovery cycle")
	}

	requireNoError(t, c.call("serial.open", map[string]any{"device_id": deviceID}), "serial.open")

	serial.setDevices(nil)
	requireNoError(t, c.call("devices.enumerate", map[string]any{"force_refresh": true}), "devices.enumerate")
	if _, ok := r.reg.Get(deviceID); !ok {
		t.Fatalf("device with an open handle must survive a missing discovery cycle")
	}

	requireNoError(t, c.call("serial.close", map[string]any{"device_id": deviceID, "handle": "h1"}), "serial.close")

	requireNoError(t, c.call("devices.enumerate", map[string]any{"force_refresh": true}), "devices.enumerate")
	if _, ok := r.reg.Get(deviceID); ok {
		t.Fatalf("device should be removed once missing after its handle is closed")
	}

	c.drainNotifications()
	removedCount := 0
	for _, n := range c.notifications {
		params, ok := n["params"].(map[string]any)
		if ok && params["event_type"] == "removed" {
			removedCount++
		}
	}
	if removedCount != 1 {
		t.Fatalf("expected exactly one removed event, got %d", removedCount)
	}
}

// TestEndToEnd_ProtocolErrorIsolation covers error isolation: a garbage
// frame on a session yields a parse error with a null ID but leaves the
// session open for subsequent valid requests.
func TestEndToEnd_ProtocolErrorIsolation(t *testing.T) {
	r := newRig(t, 0, &fakeAdapter{kind: registry.KindPrinter})
	c := dial(t, r.addr)

	requireNoError(t, c.call("devices.enumerate", nil), "devices.enumerate")

	if err := c.framer.WriteFrame([]byte("not valid json{{{")); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out, err := c.framer.ReadFrame()
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Fatalf("read parse-error response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal parse-error response: %v", err)
	}
	if id, present := resp["id"]; !present || id != nil {
		t.Fatalf("expected a null id on a parse error, got %v", resp["id"])
	}
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error envelope, got %v", resp)
	}
	if code, _ := errObj["code"].(float64); int(code) != wire.CodeParseError {
		t.Fatalf("expected parse error code %d, got %v", wire.CodeParseError, errObj["code"])
	}

	requireNoError(t, c.call("devices.enumerate", nil), "devices.enumerate after the garbage frame")
}
