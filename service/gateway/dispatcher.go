package gateway

import (
	"context"

	"github.com/golang/glog"
)

// Handler reacts to one inbound event for an already-resolved connection
// variant. Handlers must be idempotent where it matters (bind/unbind,
// pending-queue drain): per-connection events arrive in order but may
// overlap once a handler suspends on the store.
type Handler interface {
	Event() string
	Handle(ctx context.Context, c *WsConn, data map[string]any) error
}

// Dispatcher maps event names to handlers. Each connection variant owns a
// fixed dispatcher, installed once at handshake time.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Event()] = h }

func (d *Dispatcher) GetHandler(event string) Handler {
	h, ok := d.handlers[event]
	if !ok {
		glog.Infof("no handler for event=%s", event)
		return nil
	}
	return h
}
