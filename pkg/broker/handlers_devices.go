package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/watch"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerDeviceHandlers(register func(string, handlerFunc)) {
	register("devices.enumerate", handleDevicesEnumerate)
	register("devices.get", handleDevicesGet)
	register("devices.watch", handleDevicesWatch)
	register("devices.unwatch", handleDevicesUnwatch)
}

type enumerateParams struct {
	ForceRefresh bool `json:"force_refresh"`
}

func handleDevicesEnumerate(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p enumerateParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	devices := b.discovery.Enumerate(ctx, p.ForceRefresh)
	return map[string]any{"devices": devices}, nil
}

type deviceIDParams struct {
	DeviceID string `json:"device_id"`
}

func handleDevicesGet(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.DeviceID == "" {
		return nil, wire.NewError(wire.CodeInvalidParams, "device_id is required")
	}
	d, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	return d, nil
}

type watchParams struct {
	Stream string `json:"stream"`
}

func handleDevicesWatch(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	if errObj := requireSession(sess); errObj != nil {
		return nil, errObj
	}
	var p watchParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Stream == "" {
		p.Stream = watch.StreamAll
	}
	b.watch.Subscribe(sess.ID, p.Stream)
	return map[string]any{"subscribed": p.Stream}, nil
}

func handleDevicesUnwatch(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	if errObj := requireSession(sess); errObj != nil {
		return nil, errObj
	}
	var p watchParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.Stream == "" {
		p.Stream = watch.StreamAll
	}
	b.watch.Unsubscribe(sess.ID, p.Stream)
	return map[string]any{"unsubscribed": p.Stream}, nil
}
