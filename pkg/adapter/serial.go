package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
	"go.bug.st/serial"
)

// SerialConfig controls how ports are opened when no device-specific
// override is present in Properties.
type SerialConfig struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	ReadTO   time.Duration
}

// DefaultSerialConfig matches common serial-device defaults (8N1, 9600).
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		ReadTO:   200 * time.Millisecond,
	}
}

// Serial adapts local serial ports via go.bug.st/serial (spec §4.6,
// device kind "serial").
type Serial struct {
	cfg SerialConfig
	log logging.Logger

	mu    sync.Mutex
	ports map[string]serial.Port // handle (= device ID) -> open port
}

// NewSerial builds a Serial adapter.
func NewSerial(cfg SerialConfig, log logging.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg = DefaultSerialConfig()
	}
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Serial{cfg: cfg, log: log, ports: make(map[string]serial.Port)}
}

func (s *Serial) Kind() registry.Kind { return registry.KindSerial }

func (s *Serial) Discover(ctx context.Context) ([]registry.Device, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	devices := make([]registry.Device, 0, len(names))
	for _, name := range names {
		devices = append(devices, registry.Device{
			ID:     registry.DeriveID(registry.KindSerial, name),
			Kind:   registry.KindSerial,
			Name:   name,
			Status: registry.StatusAvailable,
			Properties: map[string]any{
				registry.PropPortName: name,
			},
		})
	}
	return devices, nil
}

func (s *Serial) Open(ctx context.Context, device registry.Device) (OpenResult, error) {
	portName, _ := device.Properties[registry.PropPortName].(string)
	if portName == "" {
		portName = device.Name
	}

	s.mu.Lock()
	if _, ok := s.ports[device.ID]; ok {
		s.mu.Unlock()
		return OpenResult{}, ErrAlreadyOpen
	}
	s.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
		Parity:   s.cfg.Parity,
		StopBits: s.cfg.StopBits,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return OpenResult{}, fmt.Errorf("open %s: %w", portName, err)
	}
	port.SetReadTimeout(s.cfg.ReadTO)

	s.mu.Lock()
	s.ports[device.ID] = port
	s.mu.Unlock()

	return OpenResult{Handle: device.ID}, nil
}

func (s *Serial) Close(ctx context.Context, device registry.Device, handle string) (CloseResult, error) {
	s.mu.Lock()
	port, ok := s.ports[handle]
	if ok {
		delete(s.ports, handle)
	}
	s.mu.Unlock()
	if !ok {
		return CloseResult{Closed: true}, nil
	}
	if err := port.Close(); err != nil {
		return CloseResult{}, err
	}
	return CloseResult{Closed: true}, nil
}

func (s *Serial) Write(ctx context.Context, device registry.Device, handle string, data []byte) (WriteResult, error) {
	port, ok := s.lookup(handle)
	if !ok {
		return WriteResult{}, ErrDeviceNotOpen
	}
	n, err := port.Write(data)
	if err != nil {
		return WriteResult{BytesWritten: n}, fmt.Errorf("write %s: %w", handle, err)
	}
	return WriteResult{BytesWritten: n}, nil
}

func (s *Serial) Read(ctx context.Context, device registry.Device, handle string, maxBytes int) (ReadResult, error) {
	port, ok := s.lookup(handle)
	if !ok {
		return ReadResult{}, ErrDeviceNotOpen
	}
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	buf := make([]byte, maxBytes)
	n, err := port.Read(buf)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", handle, err)
	}
	return ReadResult{Data: buf[:n]}, nil
}

func (s *Serial) Status(ctx context.Context, device registry.Device) (StatusResult, error) {
	_, open := s.lookup(device.ID)
	status := registry.StatusAvailable
	if open {
		status = registry.StatusConnected
	}
	return StatusResult{Status: status, IsConnected: open}, nil
}

func (s *Serial) Capabilities(ctx context.Context, device registry.Device) (CapabilitiesResult, error) {
	return CapabilitiesResult{
		Operations: []string{"serial.open", "serial.write", "serial.read", "serial.close"},
		Properties: map[string]any{"baud_rate": s.cfg.BaudRate},
	}, nil
}

func (s *Serial) lookup(handle string) (serial.Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[handle]
	return p, ok
}
