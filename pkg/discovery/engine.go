package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/registry"
)

// DefaultInterval is how often the engine re-polls enabled adapters.
const DefaultInterval = 30 * time.Second

// SnapshotTTL bounds how long a cached enumeration answer is served
// before an on-demand request triggers a fresh poll.
const SnapshotTTL = 10 * time.Second

// Config controls which device kinds the engine polls and how often.
type Config struct {
	Interval       time.Duration
	EnablePrinter  bool
	EnableSerial   bool
	EnableUSBHID   bool
	EnableNetwork  bool
	EnableBiometric bool
}

// DefaultConfig enables printer, serial and USB HID polling with the
// default poll interval; network and biometric polling stay off.
func DefaultConfig() Config {
	return Config{
		Interval:        DefaultInterval,
		EnablePrinter:   true,
		EnableSerial:    true,
		EnableUSBHID:    true,
		EnableNetwork:   false, // network devices are explicit/on-demand (spec §4.5 subnet scan)
		EnableBiometric: false, // biometric readers are configured explicitly, never auto-discovered
	}
}

func (c Config) enabled(kind registry.Kind) bool {
	switch kind {
	case registry.KindPrinter:
		return c.EnablePrinter
	case registry.KindSerial:
		return c.EnableSerial
	case registry.KindUSBHID:
		return c.EnableUSBHID
	case registry.KindNetwork:
		return c.EnableNetwork
	case registry.KindBiometric:
		return c.EnableBiometric
	default:
		return false
	}
}

// Engine periodically enumerates every enabled device kind and merges
// the results into the registry, retiring devices that stop appearing.
type Engine struct {
	cfg      Config
	adapters *adapter.Registry
	reg      *registry.Registry
	log      logging.Logger

	mu       sync.Mutex
	lastRun  time.Time
	snapshot []registry.Device

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Engine. Call Start to begin polling.
func New(cfg Config, adapters *adapter.Registry, reg *registry.Registry, log logging.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = logging.NoopLogger{}
	}
	return &Engine{
		cfg:      cfg,
		adapters: adapters,
		reg:      reg,
		log:      log,
	}
}

// Start launches the background polling loop.
func (e *Engine) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go func() {
		defer close(e.doneCh)
		e.runOnce(ctx)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.runOnce(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

// Enumerate returns the cached snapshot if still fresh, otherwise
// triggers a synchronous poll. forceRefresh always polls.
func (e *Engine) Enumerate(ctx context.Context, forceRefresh bool) []registry.Device {
	e.mu.Lock()
	fresh := !forceRefresh && time.Since(e.lastRun) < SnapshotTTL
	snap := e.snapshot
	e.mu.Unlock()
	if fresh {
		return snap
	}
	e.runOnce(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// resolvePrinterURI fills host/port properties for an OS-printer record
// whose backend URI points at a network queue (spec §4.4: "the engine
// additionally resolves host and port ... on a best-effort basis").
// Failure to resolve is not fatal: the device is still usable via the OS
// print queue fallback.
func (e *Engine) resolvePrinterURI(ctx context.Context, d registry.Device) registry.Device {
	uri, _ := d.Properties[registry.PropURI].(string)
	if uri == "" {
		return d
	}
	target, err := ResolveURI(ctx, uri)
	if err != nil {
		return d
	}
	d.Properties[registry.PropHost] = target.Host
	d.Properties[registry.PropPort] = target.Port
	d.Properties[registry.PropConnectionType] = string(registry.ConnectionTypeNetwork)
	return d
}

func (e *Engine) runOnce(ctx context.Context) {
	var all []registry.Device
	seen := make(map[registry.Kind]map[string]struct{})

	for _, a := range e.adapters.All() {
		kind := a.Kind()
		if !e.cfg.enabled(kind) {
			continue
		}
		found, err := a.Discover(ctx)
		if err != nil {
			e.log.Warn("discovery enumerate failed", logging.F("kind", string(kind)), logging.F("error", err.Error()))
			continue
		}
		if seen[kind] == nil {
			seen[kind] = make(map[string]struct{})
		}
		for _, d := range found {
			if kind == registry.KindPrinter {
				d = e.resolvePrinterURI(ctx, d)
			}
			seen[kind][d.ID] = struct{}{}
			e.reg.Upsert(d)
			all = append(all, d)
		}
	}

	e.mu.Lock()
	e.lastRun = time.Now()
	e.snapshot = all
	e.mu.Unlock()

	// Retirement is driven off the registry's own state, not a
	// one-cycle-deep memory of what was seen last time: a device that
	// survives a missing cycle because it still has an open handle
	// (registry.MarkMissing's debounce) must keep being re-checked on
	// every later cycle until it is actually gone, not just the first
	// time it drops out of view.
	for _, d := range e.reg.List() {
		if !e.cfg.enabled(d.Kind) {
			continue
		}
		if _, stillThere := seen[d.Kind][d.ID]; !stillThere {
			e.reg.MarkMissing(d.ID)
		}
	}
}
