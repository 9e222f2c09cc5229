package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerSettingsHandlers(register func(string, handlerFunc)) {
	register("settings.get", handleSettingsGet)
	register("settings.save", handleSettingsSave)
}

func handleSettingsGet(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return b.cfg.Get(), nil
}

type settingsSaveParams struct {
	Updates map[string]any `json:"updates"`
}

// handleSettingsSave persists updates and returns the new effective
// configuration. Changing transport.port/transport.host takes effect
// only on the next process start: the running listener is not restarted
// in place.
func handleSettingsSave(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p settingsSaveParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	cfg, err := b.cfg.Save(p.Updates)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
	}
	return cfg, nil
}
