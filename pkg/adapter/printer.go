package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
)

// PrinterEnumerator lists the OS print queues currently configured. It is
// swappable so tests don't depend on a real spooler.
type PrinterEnumerator func(ctx context.Context) ([]registry.Device, error)

// PrinterSpooler sends raw bytes to a named OS print queue. The default
// implementation shells out to lp(1) — no ecosystem CUPS client exists in
// the project's dependency set, so this one concern stays on os/exec.
type PrinterSpooler func(ctx context.Context, queueName string, data []byte) error

// Printer adapts OS print queues (spec §4.6, device kind "printer" when
// reached without an explicit host/port — network-addressable printers
// are instead driven directly through netmgr by the broker's print
// handler, which falls back to this adapter only when no live
// connection and no host/port are available).
type Printer struct {
	enumerate PrinterEnumerator
	spool     PrinterSpooler
	log       logging.Logger

	mu    sync.Mutex
	open  map[string]struct{} // handle -> presence; OS queues have no real session
}

// NewPrinter builds a Printer adapter with the platform default spooler.
func NewPrinter(enumerate PrinterEnumerator, log logging.Logger) *Printer {
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Printer{
		enumerate: enumerate,
		spool:     defaultSpool,
		log:       log,
		open:      make(map[string]struct{}),
	}
}

func (p *Printer) Kind() registry.Kind { return registry.KindPrinter }

func (p *Printer) Discover(ctx context.Context) ([]registry.Device, error) {
	if p.enumerate == nil {
		return nil, nil
	}
	return p.enumerate(ctx)
}

func (p *Printer) Open(ctx context.Context, device registry.Device) (OpenResult, error) {
	handle := device.ID
	p.mu.Lock()
	p.open[handle] = struct{}{}
	p.mu.Unlock()
	return OpenResult{Handle: handle}, nil
}

func (p *Printer) Close(ctx context.Context, device registry.Device, handle string) (CloseResult, error) {
	p.mu.Lock()
	delete(p.open, handle)
	p.mu.Unlock()
	return CloseResult{Closed: true}, nil
}

func (p *Printer) Write(ctx context.Context, device registry.Device, handle string, data []byte) (WriteResult, error) {
	queueName, _ := device.Properties[registry.PropPortName].(string)
	if queueName == "" {
		queueName = device.Name
	}
	if err := p.spool(ctx, queueName, data); err != nil {
		return WriteResult{}, fmt.Errorf("spool to %q: %w", queueName, err)
	}
	return WriteResult{BytesWritten: len(data)}, nil
}

func (p *Printer) Read(ctx context.Context, device registry.Device, handle string, maxBytes int) (ReadResult, error) {
	return ReadResult{}, ErrUnsupportedOnPlatform
}

func (p *Printer) Status(ctx context.Context, device registry.Device) (StatusResult, error) {
	return StatusResult{Status: device.Status, IsConnected: device.IsConnected}, nil
}

func (p *Printer) Capabilities(ctx context.Context, device registry.Device) (CapabilitiesResult, error) {
	return CapabilitiesResult{Operations: []string{"printer.print", "printer.status"}}, nil
}

func defaultSpool(ctx context.Context, queueName string, data []byte) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		return ErrUnsupportedOnPlatform
	default:
		cmd = exec.CommandContext(ctx, "lp", "-d", queueName, "-")
	}
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}
