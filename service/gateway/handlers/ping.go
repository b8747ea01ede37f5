package handlers

import (
	"context"

	"github.com/spoonbobo/onlysaid/service/gateway"
)

// PingHandler answers heartbeats: refreshes the device's last-seen stamp
// and replies with the current time and device id.
type PingHandler struct{ s *gateway.Server }

func NewPingHandler(s *gateway.Server) gateway.Handler { return &PingHandler{s: s} }

func (h *PingHandler) Event() string { return gateway.EventPing }

func (h *PingHandler) Handle(ctx context.Context, c *gateway.WsConn, _ map[string]any) error {
	c.TouchActivity()
	if err := h.s.Registry().TouchDevice(ctx, c.DeviceID); err != nil {
		return err
	}
	return c.Emit(gateway.EventPong, gateway.BuildPong(c.DeviceID))
}
