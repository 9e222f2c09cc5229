package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerNetworkHandlers(register func(string, handlerFunc)) {
	register("network.connect", handleNetworkConnect)
	register("network.disconnect", handleNetworkDisconnect)
	register("network.ping", handleNetworkPing)
	register("network.discover", handleNetworkDiscover)
	register("network.send", handleNetworkSend)
	register("network.getStatus", handleNetworkGetStatus)
}

type networkConnectParams struct {
	DeviceID  string `json:"device_id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	TimeoutMs int    `json:"timeout_ms"`
}

func handleNetworkConnect(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p networkConnectParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Host == "" || p.Port == 0 {
		return nil, wire.NewError(wire.CodeInvalidParams, "host and port are required")
	}
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = registry.DeriveID(registry.KindNetwork, p.Host, strconv.Itoa(p.Port))
	}
	if _, ok := b.registry.Get(deviceID); !ok {
		b.registry.Upsert(registry.Device{
			ID:     deviceID,
			Kind:   registry.KindNetwork,
			Name:   p.Host,
			Status: registry.StatusAvailable,
			Properties: map[string]any{
				registry.PropHost:           p.Host,
				registry.PropPort:           p.Port,
				registry.PropConnectionType: registry.ConnectionTypeNetwork,
			},
		})
	}

	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	conn, err := b.netmgr.Connect(ctx, deviceID, p.Host, p.Port, timeout)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return conn.Snapshot(), nil
}

func handleNetworkDisconnect(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	return b.netmgr.Disconnect(p.DeviceID), nil
}

type networkPingParams struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	TimeoutMs int    `json:"timeout_ms"`
}

func handleNetworkPing(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p networkPingParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Host == "" || p.Port == 0 {
		return nil, wire.NewError(wire.CodeInvalidParams, "host and port are required")
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	return b.netmgr.Ping(ctx, p.Host, p.Port, timeout), nil
}

type networkDiscoverParams struct {
	CIDR          string `json:"cidr"`
	Ports         []int  `json:"ports"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func handleNetworkDiscover(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p networkDiscoverParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.CIDR == "" {
		return nil, wire.NewError(wire.CodeInvalidParams, "cidr is required")
	}
	results, err := b.netmgr.Scan(ctx, scanOptionsFrom(p))
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	for _, r := range results {
		id := registry.DeriveID(registry.KindNetwork, r.Host, strconv.Itoa(r.Port))
		b.registry.Upsert(registry.Device{
			ID:     id,
			Kind:   registry.KindNetwork,
			Name:   r.Host,
			Status: registry.StatusAvailable,
			Properties: map[string]any{
				registry.PropHost:           r.Host,
				registry.PropPort:           r.Port,
				registry.PropConnectionType: registry.ConnectionTypeNetwork,
				"protocol":                  r.Protocol,
				"inferred_kind":             r.Kind,
			},
		})
	}
	return map[string]any{"results": results}, nil
}

func scanOptionsFrom(p networkDiscoverParams) netmgr.ScanOptions {
	return netmgr.ScanOptions{
		CIDR:          p.CIDR,
		Ports:         p.Ports,
		MaxConcurrent: p.MaxConcurrent,
	}
}

func handleNetworkSend(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p struct {
		DeviceID string `json:"device_id"`
		Data     []byte `json:"data"`
	}
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	return b.netmgr.Send(p.DeviceID, p.Data), nil
}

func handleNetworkGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	snap, ok := b.netmgr.Snapshot(p.DeviceID)
	if !ok {
		return map[string]any{"is_alive": false}, nil
	}
	return snap, nil
}
