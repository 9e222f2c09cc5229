package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerUSBHandlers(register func(string, handlerFunc)) {
	register("usb.open", handleUSBOpen)
	register("usb.close", handleUSBClose)
	register("usb.sendReport", handleUSBSendReport)
	register("usb.receiveReport", handleUSBReceiveReport)
	register("usb.getStatus", handleUSBGetStatus)
}

func handleUSBOpen(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceOpen(ctx, b, registry.KindUSBHID, params)
}

func handleUSBClose(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceClose(ctx, b, registry.KindUSBHID, params)
}

func handleUSBSendReport(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceSend(ctx, b, registry.KindUSBHID, params)
}

func handleUSBReceiveReport(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceReceive(ctx, b, registry.KindUSBHID, params)
}

func handleUSBGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceStatus(ctx, b, registry.KindUSBHID, params)
}
