package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerBiometricHandlers(register func(string, handlerFunc)) {
	register("biometric.enroll", handleBiometricEnroll)
	register("biometric.authenticate", handleBiometricAuthenticate)
	register("biometric.identify", handleBiometricIdentify)
	register("biometric.getStatus", handleBiometricGetStatus)
	register("biometric.getUsers", handleBiometricGetUsers)
	register("biometric.deleteUser", handleBiometricDeleteUser)
}

type biometricEnrollParams struct {
	DeviceID string    `json:"device_id"`
	UserID   string    `json:"user_id"`
	Label    string    `json:"label"`
	Vector   []float64 `json:"vector"`
}

func handleBiometricEnroll(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p biometricEnrollParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	res, err := b.biometric.Enroll(p.DeviceID, p.UserID, p.Label, p.Vector)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInvalidParams, "%s", err.Error())
	}
	return res, nil
}

type biometricMatchParams struct {
	DeviceID string    `json:"device_id"`
	UserID   string    `json:"user_id"`
	Vector   []float64 `json:"vector"`
}

func handleBiometricAuthenticate(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p biometricMatchParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	res, err := b.biometric.Authenticate(p.DeviceID, p.UserID, p.Vector)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInvalidParams, "%s", err.Error())
	}
	return res, nil
}

func handleBiometricIdentify(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p biometricMatchParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	res, err := b.biometric.Identify(p.DeviceID, p.Vector)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInvalidParams, "%s", err.Error())
	}
	return res, nil
}

func handleBiometricGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	return deviceStatus(ctx, b, registry.KindBiometric, params)
}

func handleBiometricGetUsers(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p deviceIDParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	return map[string]any{"users": b.biometric.ListUsers(p.DeviceID)}, nil
}

func handleBiometricDeleteUser(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p struct {
		DeviceID string `json:"device_id"`
		UserID   string `json:"user_id"`
	}
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	deleted := b.biometric.DeleteUser(p.DeviceID, p.UserID)
	return map[string]any{"deleted": deleted}, nil
}
