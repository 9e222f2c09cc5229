package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/wire"
)

// deviceStatus resolves device_id against the registry and asks the
// adapter registered for kind to report its status. Shared across
// printer/serial/usb namespaces, which all expose a getStatus method
// with the same {device_id} shape.
func deviceStatus(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Status(ctx, device)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return res, nil
}

// deviceCapabilities mirrors deviceStatus for the getCapabilities method.
func deviceCapabilities(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Capabilities(ctx, device)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return res, nil
}

type openParams struct {
	DeviceID string `json:"device_id"`
}

type handleParams struct {
	DeviceID string `json:"device_id"`
	Handle   string `json:"handle"`
}

type sendParams struct {
	DeviceID string `json:"device_id"`
	Handle   string `json:"handle"`
	Data     []byte `json:"data"`
}

type receiveParams struct {
	DeviceID string `json:"device_id"`
	Handle   string `json:"handle"`
	MaxBytes int    `json:"max_bytes"`
}

// deviceOpen opens kind's adapter handle for device_id.
func deviceOpen(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p openParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Open(ctx, device)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	b.registry.SetConnected(p.DeviceID, true)
	return res, nil
}

func deviceClose(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p handleParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Close(ctx, device, p.Handle)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	b.registry.SetConnected(p.DeviceID, false)
	return res, nil
}

func deviceSend(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p sendParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Write(ctx, device, p.Handle, p.Data)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return res, nil
}

func deviceReceive(ctx context.Context, b *Broker, kind registry.Kind, params json.RawMessage) (any, *wire.ErrorObject) {
	var p receiveParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	a, ok := b.adapters.For(kind)
	if !ok {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s adapter is not available on this platform", kind)
	}
	res, err := a.Read(ctx, device, p.Handle, p.MaxBytes)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return res, nil
}
