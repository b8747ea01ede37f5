package handlers

import (
	"context"
	"encoding/json"

	"github.com/spoonbobo/onlysaid/logger"
	"github.com/spoonbobo/onlysaid/service/gateway"
	errs "github.com/spoonbobo/onlysaid/tools/errs"

	"go.uber.org/zap"
)

// MessageHandler fans a workspace-addressed chat message out to every
// member of the workspace's routing scope.
type MessageHandler struct{ s *gateway.Server }

func NewMessageHandler(s *gateway.Server) gateway.Handler { return &MessageHandler{s: s} }

func (h *MessageHandler) Event() string { return gateway.EventMessage }

func (h *MessageHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	workspaceID := gateway.WorkspaceIDOf(data)
	if workspaceID == "" {
		return errs.New("message event missing workspaceId", "conn", c.ID)
	}

	members, err := h.s.Registry().MembersOf(ctx, workspaceID)
	if err != nil {
		return errs.WrapMsg(err, "resolve workspace members", "workspace", workspaceID)
	}
	for _, userID := range members {
		h.deliverToUser(ctx, userID, data)
	}
	return nil
}

// deliverToUser emits to every active device with a live connection;
// when none delivers, the payload is queued for every device the
// directory knows, to be drained at next connect. A user the directory
// has no devices for gets no durable queuing at all.
func (h *MessageHandler) deliverToUser(ctx context.Context, userID string, data map[string]any) {
	reg := h.s.Registry()

	devices, err := reg.ActiveDevices(ctx, userID)
	if err != nil {
		logger.Warn("active devices lookup failed", zap.String("user", userID), zap.Error(err))
		devices = nil
	}

	delivered := false
	for _, deviceID := range devices {
		connID, ok, err := reg.ConnectionFor(ctx, userID, deviceID)
		if err != nil {
			logger.Warn("connection lookup failed",
				zap.String("user", userID), zap.String("device", deviceID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if h.s.EmitToConn(ctx, connID, gateway.EventMessage, data) {
			delivered = true
			logger.Debug("message delivered",
				zap.String("user", userID), zap.String("device", deviceID))
		}
	}
	if delivered {
		return
	}

	logger.Infof("[message] queueing message for offline user %s", userID)
	token, err := reg.TokenOf(ctx, userID)
	if err != nil {
		logger.Warn("token lookup failed", zap.String("user", userID), zap.Error(err))
	}
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Warn("marshal pending payload failed", zap.String("user", userID), zap.Error(err))
		return
	}
	for _, deviceID := range h.s.Directory().DevicesOf(ctx, userID, token) {
		if err := reg.EnqueuePending(ctx, userID, deviceID, payload); err != nil {
			logger.Warn("enqueue pending failed",
				zap.String("user", userID), zap.String("device", deviceID), zap.Error(err))
		}
	}
}
