package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerPrinterHandlers(register func(string, handlerFunc)) {
	register("printer.print", handlePrinterPrint)
	register("printer.getStatus", handlePrinterGetStatus)
	register("printer.getCapabilities", handlePrinterGetCapabilities)
}

type printParams struct {
	DeviceID string `json:"device_id"`
	Data     []byte `json:"data"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// handlePrinterPrint resolves the transport for a print job in priority
// order: an explicit host/port is always a one-shot socket send (spec
// §4.5 "one-shot print"); otherwise a live network connection for the
// device is reused; otherwise the job falls back to the OS print queue.
func handlePrinterPrint(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p printParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	if p.DeviceID == "" {
		return nil, wire.NewError(wire.CodeInvalidParams, "device_id is required")
	}
	if len(p.Data) == 0 {
		return nil, wire.NewError(wire.CodeInvalidParams, "data is required")
	}

	if p.Host != "" && p.Port != 0 {
		n, err := b.netmgr.OneShotSend(ctx, p.Host, p.Port, p.Data, 0)
		if err != nil {
			return nil, mapDeviceErr(err)
		}
		return map[string]any{"bytes_written": n, "via": "one_shot"}, nil
	}

	if _, connected := b.netmgr.Snapshot(p.DeviceID); connected {
		result := b.netmgr.Send(p.DeviceID, p.Data)
		if !result.OK {
			return nil, wire.NewErrorf(wire.CodeInvalidParams, "%s", result.Error)
		}
		return map[string]any{"bytes_written": result.BytesWritten, "via": "network"}, nil
	}

	a, ok := b.adapters.For(registry.KindPrinter)
	if !ok {
		return nil, wire.NewError(wire.CodeInternalError, "printer adapter is not available on this platform")
	}
	device, ok := b.registry.Get(p.DeviceID)
	if !ok {
		return nil, deviceNotFound(p.DeviceID)
	}
	res, err := a.Write(ctx, device, "", p.Data)
	if err != nil {
		return nil, mapDeviceErr(err)
	}
	return map[string]any{"bytes_written": res.BytesWritten, "via": "os_queue"}, nil
}

func handlePrinterGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceStatus(ctx, b, registry.KindPrinter, params)
}

func handlePrinterGetCapabilities(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceCapabilities(ctx, b, registry.KindPrinter, params)
}
