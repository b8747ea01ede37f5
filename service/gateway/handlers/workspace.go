package handlers

import (
	"context"

	"github.com/spoonbobo/onlysaid/logger"
	"github.com/spoonbobo/onlysaid/service/gateway"
	errs "github.com/spoonbobo/onlysaid/tools/errs"

	"go.uber.org/zap"
)

// JoinWorkspaceHandler mutates routing scope immediately (taking
// precedence over the next connect refresh) and notifies every active
// device of the same user. Sibling devices without a live connection get
// nothing: this notification type is never queued.
type JoinWorkspaceHandler struct{ s *gateway.Server }

func NewJoinWorkspaceHandler(s *gateway.Server) gateway.Handler { return &JoinWorkspaceHandler{s: s} }

func (h *JoinWorkspaceHandler) Event() string { return gateway.EventJoinWorkspace }

func (h *JoinWorkspaceHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	workspaceID := gateway.WorkspaceIDOf(data)
	if workspaceID == "" {
		return errs.New("join event missing workspaceId", "conn", c.ID)
	}
	logger.Infof("[workspace] user %s joining workspace %s", c.UserID, workspaceID)

	if err := h.s.Registry().JoinWorkspace(ctx, c.UserID, workspaceID); err != nil {
		return err
	}
	notifyUserDevices(ctx, h.s, c.UserID, gateway.EventWorkspaceJoined, workspaceID)
	return nil
}

// LeaveWorkspaceHandler is the join handler's mirror image.
type LeaveWorkspaceHandler struct{ s *gateway.Server }

func NewLeaveWorkspaceHandler(s *gateway.Server) gateway.Handler { return &LeaveWorkspaceHandler{s: s} }

func (h *LeaveWorkspaceHandler) Event() string { return gateway.EventLeaveWorkspace }

func (h *LeaveWorkspaceHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	workspaceID := gateway.WorkspaceIDOf(data)
	if workspaceID == "" {
		return errs.New("leave event missing workspaceId", "conn", c.ID)
	}
	logger.Infof("[workspace] user %s leaving workspace %s", c.UserID, workspaceID)

	if err := h.s.Registry().LeaveWorkspace(ctx, c.UserID, workspaceID); err != nil {
		return err
	}
	notifyUserDevices(ctx, h.s, c.UserID, gateway.EventWorkspaceLeft, workspaceID)
	return nil
}

func notifyUserDevices(ctx context.Context, s *gateway.Server, userID, event, workspaceID string) {
	reg := s.Registry()
	devices, err := reg.ActiveDevices(ctx, userID)
	if err != nil {
		logger.Warn("active devices lookup failed", zap.String("user", userID), zap.Error(err))
		return
	}
	notice := gateway.BuildWorkspaceNotice(workspaceID, userID)
	for _, deviceID := range devices {
		connID, ok, err := reg.ConnectionFor(ctx, userID, deviceID)
		if err != nil || !ok {
			continue
		}
		if s.EmitToConn(ctx, connID, event, notice) {
			logger.Debug("notified device about workspace change",
				zap.String("device", deviceID), zap.String("workspace", workspaceID),
				zap.String("event", event))
		}
	}
}
