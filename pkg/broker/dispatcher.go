package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

// handlerFunc implements one RPC method. sess is nil when the call
// originates from the operation queue rather than a live session;
// handlers that need a session (devices.watch/unwatch) reject a nil one.
type handlerFunc func(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject)

// buildDispatchTable assembles the full method -> handler mapping, one
// entry per operation in the method catalogue (spec §5).
func buildDispatchTable() map[string]handlerFunc {
	table := make(map[string]handlerFunc)

	register := func(method string, fn handlerFunc) {
		table[method] = fn
	}

	registerDeviceHandlers(register)
	registerPrinterHandlers(register)
	registerSerialHandlers(register)
	registerUSBHandlers(register)
	registerNetworkHandlers(register)
	registerBiometricHandlers(register)
	registerQueueHandlers(register)
	registerSystemHandlers(register)
	registerSettingsHandlers(register)

	return table
}

func requireSession(sess *transport.Session) *wire.ErrorObject {
	if sess == nil {
		return wire.NewError(wire.CodeInvalidRequest, "method requires a live session")
	}
	return nil
}

// mapDeviceErr translates an adapter/netmgr failure into the RPC error
// envelope per the error taxonomy in spec §7: platform-unsupported
// becomes Internal Error with a fixed message; the adapter and netmgr
// handle sentinels (not open, gone, already open, not connected, limit
// exceeded) become Invalid Params; any other error becomes Internal Error
// carrying the error text.
func mapDeviceErr(err error) *wire.ErrorObject {
	if err == nil {
		return nil
	}
	if errors.Is(err, adapter.ErrUnsupportedOnPlatform) {
		return wire.NewError(wire.CodeInternalError, "operation is not available on this platform")
	}
	if errors.Is(err, adapter.ErrDeviceNotOpen) || errors.Is(err, adapter.ErrDeviceGone) || errors.Is(err, adapter.ErrAlreadyOpen) {
		return wire.NewErrorf(wire.CodeInvalidParams, "%s", err.Error())
	}
	if errors.Is(err, netmgr.ErrAlreadyOpen) || errors.Is(err, netmgr.ErrNotConnected) || errors.Is(err, netmgr.ErrLimitExceeded) {
		return wire.NewErrorf(wire.CodeInvalidParams, "%s", err.Error())
	}
	return wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
}

func deviceNotFound(id string) *wire.ErrorObject {
	return wire.NewErrorf(wire.CodeInvalidParams, "unknown device %q", id)
}
