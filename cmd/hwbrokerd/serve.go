package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hwbridge/broker/cmd/hwbrokerd/interactive"
	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/broker"
	"github.com/hwbridge/broker/pkg/certsource"
	"github.com/hwbridge/broker/pkg/config"
	"github.com/hwbridge/broker/pkg/discovery"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/persistence"
	"github.com/hwbridge/broker/pkg/queue"
	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/watch"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var logLevel string
	var interactiveShell bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel, interactiveShell)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&interactiveShell, "interactive", false, "attach an interactive debug shell to the running broker")
	return cmd
}

func runServe(configPath, logLevel string, interactiveShell bool) error {
	log := newLogger(logLevel)

	cfgStore, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fabric := event.NewFabric(ctx)
	defer fabric.Stop()

	reg := registry.New(fabric)
	watchReg := watch.New(fabric)
	defer watchReg.Close()

	affinity := persistence.NewStore(affinityPath(configPath))
	restoreAffinity(affinity, reg, log)
	unsubAffinity := fabric.Subscribe(affinitySink(affinity, log))
	defer unsubAffinity()

	printerAdapter := adapter.NewPrinter(discovery.EnumeratePrinters, log.With(logging.F("adapter", "printer")))
	serialAdapter := adapter.NewSerial(adapter.DefaultSerialConfig(), log.With(logging.F("adapter", "serial")))
	usbAdapter := adapter.NewUSB(log.With(logging.F("adapter", "usb_hid")))
	defer usbAdapter.Shutdown()
	biometricAdapter := adapter.NewBiometric(0, log.With(logging.F("adapter", "biometric")))

	adapters := adapter.NewRegistry(printerAdapter, serialAdapter, usbAdapter, biometricAdapter)

	nmCfg := netmgr.DefaultConfig()
	if cfg.Network.MaxConnections > 0 {
		nmCfg.MaxConnections = cfg.Network.MaxConnections
	}
	if cfg.Network.DefaultTimeoutMs > 0 {
		nmCfg.DefaultTimeout = time.Duration(cfg.Network.DefaultTimeoutMs) * time.Millisecond
	}
	nm := netmgr.New(nmCfg, reg, fabric, log.With(logging.F("component", "netmgr")))
	defer nm.DisposeAll()

	discCfg := discovery.Config{
		Interval:        time.Duration(cfg.Discovery.IntervalMs) * time.Millisecond,
		EnablePrinter:   cfg.Discovery.EnablePrinter,
		EnableSerial:    cfg.Discovery.EnableSerial,
		EnableUSBHID:    cfg.Discovery.EnableUSBHID,
		EnableNetwork:   cfg.Discovery.EnableNetwork,
		EnableBiometric: cfg.Discovery.EnableBiometric,
	}
	discEngine := discovery.New(discCfg, adapters, reg, log.With(logging.F("component", "discovery")))

	store, err := queue.OpenStore(cfg.Queue.DatabasePath)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	b := broker.New(broker.Deps{
		Config:    cfgStore,
		Registry:  reg,
		Fabric:    fabric,
		Watch:     watchReg,
		Adapters:  adapters,
		Biometric: biometricAdapter,
		NetMgr:    nm,
		Logger:    log.With(logging.F("component", "broker")),
	})

	queueCfg := queue.DefaultConfig()
	if cfg.Queue.RetryIntervalMs > 0 {
		queueCfg.RetryInterval = time.Duration(cfg.Queue.RetryIntervalMs) * time.Millisecond
	}
	if cfg.Queue.MaxRetryAttempts > 0 {
		queueCfg.MaxRetryAttempts = cfg.Queue.MaxRetryAttempts
	}
	q := queue.New(queueCfg, store, b.Executor(), fabric, log.With(logging.F("component", "queue")))
	b.SetQueue(q)
	b.SetDiscovery(discEngine)
	b.Run(ctx)

	discEngine.Start(ctx)
	defer discEngine.Stop()
	q.Start(ctx)
	defer q.Stop()

	srvCfg := transport.ServerConfig{
		Address:        fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port),
		AllowedOrigins: cfg.Transport.AllowedOrigins,
		MaxConnections: cfg.Transport.MaxConnections,
		ServerVersion:  broker.Version,
		Logger:         log.With(logging.F("component", "transport")),
		OnConnect:      b.OnConnect,
		OnDisconnect:   b.OnDisconnect,
		OnMessage:      b.Handle,
	}
	if cfg.Transport.UseTLS {
		tlsCfg, err := transport.NewServerTLSConfig(certsource.FileSource{Path: cfg.Transport.CertificatePath})
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		srvCfg.TLSConfig = tlsCfg
	}

	srv := transport.NewServer(srvCfg)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("broker listening", logging.F("address", srv.Addr().String()))

	if interactiveShell {
		shell, err := interactive.New(srv.Addr().String())
		if err != nil {
			return fmt.Errorf("start interactive shell: %w", err)
		}
		go shell.Run(cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("received signal", logging.F("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	return srv.Stop()
}

func newLogger(level string) logging.Logger {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return logging.NewZerologLogger(os.Stderr)
}

func affinityPath(configPath string) string {
	return configPath + ".affinity.json"
}

func restoreAffinity(store *persistence.Store, reg *registry.Registry, log logging.Logger) {
	devices, err := store.Load()
	if err != nil {
		log.Warn("failed to load device affinity state", logging.F("error", err.Error()))
		return
	}
	for id, a := range devices {
		reg.Upsert(registry.Device{
			ID:         id,
			Kind:       registry.Kind(a.Kind),
			Name:       id,
			Status:     registry.StatusOffline,
			Properties: a.Properties,
		})
	}
}

// affinitySink persists a device's properties whenever discovery or the
// network manager reports it, so the next restart knows how to reach it
// again before the first fresh discovery cycle completes.
func affinitySink(store *persistence.Store, log logging.Logger) event.Sink {
	return func(ev event.Event) {
		switch ev.EventType {
		case event.TypeDiscovered, event.TypeStatusChanged:
			d, ok := ev.Data.(registry.Device)
			if !ok {
				return
			}
			if err := store.Put(persistence.Affinity{
				DeviceID:   d.ID,
				Kind:       string(d.Kind),
				Properties: d.Properties,
			}); err != nil {
				log.Warn("failed to persist device affinity", logging.F("device_id", d.ID), logging.F("error", err.Error()))
			}
		case event.TypeRemoved:
			_ = store.Remove(ev.DeviceID)
		}
	}
}
