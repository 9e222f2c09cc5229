package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hwbridge/broker/pkg/adapter"
	"github.com/hwbridge/broker/pkg/config"
	"github.com/hwbridge/broker/pkg/discovery"
	"github.com/hwbridge/broker/pkg/event"
	"github.com/hwbridge/broker/pkg/logging"
	"github.com/hwbridge/broker/pkg/netmgr"
	"github.com/hwbridge/broker/pkg/queue"
	"github.com/hwbridge/broker/pkg/registry"
	"github.com/hwbridge/broker/pkg/transport"
	"github.com/hwbridge/broker/pkg/watch"
	"github.com/hwbridge/broker/pkg/wire"
)

// Broker aggregates every collaborator the RPC handlers use. Its startedAt
// field is stamped once by New and reported by system.getInfo.
type Broker struct {
	cfg *config.Store

	registry  *registry.Registry
	fabric    *event.Fabric
	watch     *watch.Registry
	adapters  *adapter.Registry
	netmgr    *netmgr.Manager
	discovery *discovery.Engine
	queue     *queue.Queue

	biometric *adapter.Biometric

	log       logging.Logger
	dispatch  map[string]handlerFunc
	startedAt time.Time

	mu       sync.RWMutex
	sessions map[string]*transport.Session

	ctxMu sync.RWMutex
	ctx   context.Context
}

// Deps bundles every collaborator New wires together. Discovery and Queue
// may be left nil and attached later via SetDiscovery/SetQueue; Logger
// defaults to logging.NoopLogger; the other fields are required.
type Deps struct {
	Config    *config.Store
	Registry  *registry.Registry
	Fabric    *event.Fabric
	Watch     *watch.Registry
	Adapters  *adapter.Registry
	Biometric *adapter.Biometric
	NetMgr    *netmgr.Manager
	Discovery *discovery.Engine
	Queue     *queue.Queue
	Logger    logging.Logger
}

// New assembles a Broker from its collaborators and builds the method
// dispatch table (spec components C2/C8/C9).
func New(d Deps) *Broker {
	if d.Logger == nil {
		d.Logger = logging.NoopLogger{}
	}
	b := &Broker{
		cfg:       d.Config,
		registry:  d.Registry,
		fabric:    d.Fabric,
		watch:     d.Watch,
		adapters:  d.Adapters,
		biometric: d.Biometric,
		netmgr:    d.NetMgr,
		discovery: d.Discovery,
		queue:     d.Queue,
		log:       d.Logger,
		startedAt: time.Now(),
		sessions:  make(map[string]*transport.Session),
		ctx:       context.Background(),
	}
	b.dispatch = buildDispatchTable()
	return b
}

// SetQueue attaches the operation queue once it exists. Queue.New needs
// b.Executor(), which needs b itself, so the two are constructed in two
// steps: New(Deps{...}) then q := queue.New(..., b.Executor(), ...) then
// b.SetQueue(q).
func (b *Broker) SetQueue(q *queue.Queue) {
	b.queue = q
}

// SetDiscovery attaches the discovery engine once it exists.
func (b *Broker) SetDiscovery(d *discovery.Engine) {
	b.discovery = d
}

// Run stores ctx for the lifetime of the process: every dispatched
// handler call inherits it, so cancelling ctx (e.g. on shutdown)
// propagates into in-flight device I/O.
func (b *Broker) Run(ctx context.Context) {
	b.ctxMu.Lock()
	b.ctx = ctx
	b.ctxMu.Unlock()
}

func (b *Broker) context() context.Context {
	b.ctxMu.RLock()
	defer b.ctxMu.RUnlock()
	return b.ctx
}

// Executor adapts the broker's dispatch table into a queue.Executor so
// queued jobs run through the same handlers as synchronous RPCs.
func (b *Broker) Executor() queue.Executor {
	return func(ctx context.Context, deviceID, deviceKind, operation string, params json.RawMessage) error {
		fn, ok := b.dispatch[operation]
		if !ok {
			return fmt.Errorf("no handler registered for queued operation %q", operation)
		}
		_, errObj := fn(ctx, b, nil, params)
		if errObj != nil {
			return errObj
		}
		return nil
	}
}

// OnConnect registers a newly admitted session with the watch registry so
// devices.watch has somewhere to deliver to, and tracks it for
// system.getHealth's active-connection count.
func (b *Broker) OnConnect(sess *transport.Session) {
	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	b.watch.Register(sess.ID, func(ev event.Event) {
		note := wire.NewNotification(wire.MethodDeviceEvent, ev)
		if data, err := wire.EncodeNotification(note); err == nil {
			if err := sess.Send(data); err != nil {
				b.log.Warn("event delivery failed", logging.F("session_id", sess.ID), logging.F("error", err.Error()))
			}
		}
	})
}

// OnDisconnect releases a session's watch subscriptions.
func (b *Broker) OnDisconnect(sess *transport.Session, reason string) {
	b.mu.Lock()
	delete(b.sessions, sess.ID)
	b.mu.Unlock()

	b.watch.Unregister(sess.ID)
	b.log.Debug("session released", logging.F("session_id", sess.ID), logging.F("reason", reason))
}

// ActiveConnections reports how many sessions are currently admitted,
// for system.getHealth.
func (b *Broker) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Handle is the single entry point transport.ServerConfig.OnMessage
// calls for every non-control frame (spec C2 RPC Dispatcher).
func (b *Broker) Handle(sess *transport.Session, data []byte) {
	ctx := b.context()
	req, parseErr := wire.DecodeRequest(data)
	if parseErr != nil {
		if req == nil || req.IsNotification() {
			b.sendError(sess, nil, parseErr)
			return
		}
		b.sendError(sess, req.ID, parseErr)
		return
	}

	result, errObj := b.dispatchSafely(ctx, sess, req)

	if req.IsNotification() {
		if errObj != nil {
			b.log.Warn("notification failed", logging.F("method", req.Method), logging.F("error", errObj.Message))
		}
		return
	}

	if errObj != nil {
		b.sendError(sess, req.ID, errObj)
		return
	}
	resp := wire.NewResultResponse(req.ID, result)
	if out, err := wire.EncodeResponse(resp); err == nil {
		_ = sess.Send(out)
	}
}

// dispatchSafely looks up and invokes the handler for req.Method,
// recovering from panics as an internal error so one misbehaving
// handler never takes the session down (spec §7 error isolation).
func (b *Broker) dispatchSafely(ctx context.Context, sess *transport.Session, req *wire.Request) (result any, errObj *wire.ErrorObject) {
	fn, ok := b.dispatch[req.Method]
	if !ok {
		return nil, wire.NewErrorf(wire.CodeMethodNotFound, "unknown method %q", req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", fmt.Errorf("%v", r), logging.F("method", req.Method))
			errObj = wire.NewErrorf(wire.CodeInternalError, "internal error handling %q", req.Method)
			result = nil
		}
	}()

	return fn(ctx, b, sess, req.Params)
}

func (b *Broker) sendError(sess *transport.Session, id wire.ID, errObj *wire.ErrorObject) {
	resp := wire.NewErrorResponse(id, errObj)
	if out, err := wire.EncodeResponse(resp); err == nil {
		_ = sess.Send(out)
	}
}
