package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

// Version is the broker's reported software version. Overridden at
// build time via -ldflags if the caller wants a real build stamp.
var Version = "dev"

func registerSystemHandlers(register func(string, handlerFunc)) {
	register("system.getInfo", handleSystemGetInfo)
	register("system.getHealth", handleSystemGetHealth)
}

func handleSystemGetInfo(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return map[string]any{
		"version":    Version,
		"started_at": b.startedAt.UTC(),
		"uptime_ms":  time.Since(b.startedAt).Milliseconds(),
	}, nil
}

func handleSystemGetHealth(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	queueSummary, err := b.queue.Status()
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
	}
	return map[string]any{
		"active_connections": b.ActiveConnections(),
		"device_count":       len(b.registry.List()),
		"network_connections": b.netmgr.Count(),
		"queue":              queueSummary,
	}, nil
}
