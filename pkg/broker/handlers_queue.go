package broker

import (
	"context"
	"encoding/json"

	"github.com/hwbridge/broker/pkg/queue"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/wire"
)

func registerQueueHandlers(register func(string, handlerFunc)) {
	register("queue.getStatus", handleQueueGetStatus)
	register("queue.getJobs", handleQueueGetJobs)
	register("queue.cancelJob", handleQueueCancelJob)
}

func handleQueueGetStatus(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	summary, err := b.queue.Status()
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
	}
	return summary, nil
}

type queueJobsParams struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Limit    int    `json:"limit"`
}

func handleQueueGetJobs(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p queueJobsParams
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	jobs, err := b.queue.List(p.DeviceID, queue.Status(p.Status), p.Limit)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
	}
	return map[string]any{"jobs": jobs}, nil
}

func handleQueueCancelJob(ctx context.Context, b *Broker, sess *transport.Session, params json.RawMessage) (any, *wire.ErrorObject) {
	var p struct {
		JobID string `json:"job_id"`
	}
	if errObj := wire.DecodeParams(params, &p); errObj != nil {
		return nil, errObj
	}
	cancelled, err := b.queue.Cancel(p.JobID)
	if err != nil {
		return nil, wire.NewErrorf(wire.CodeInternalError, "%s", err.Error())
	}
	return map[string]any{"cancelled": cancelled}, nil
}
