package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerSerialHandlers(register func(string, handlerFunc)) {
	register("serial.open", handleSerialOpen)
	register("serial.close", handleSerialClose)
	register("serial.send", handleSerialSend)
	register("serial.receive", handleSerialReceive)
	register("serial.getStatus", handleSerialGetStatus)
}

func handleSerialOpen(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceOpen(ctx, b, registry.KindSerial, params)
}

func handleSerialClose(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceClose(ctx, b, registry.KindSerial, params)
}

func handleSerialSend(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceSend(ctx, b, registry.KindSerial, params)
}

func handleSerialReceive(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceReceive(ctx, b, registry.KindSerial, params)
}

func handleSerialGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceStatus(ctx, b, registry.KindSerial, params)
}
