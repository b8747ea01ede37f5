package handlers

import (
	"context"

	"github.com/spoonbobo/onlysaid/logger"
	"github.com/spoonbobo/onlysaid/service/gateway"
	decode "github.com/spoonbobo/onlysaid/tools/decode"

	"go.uber.org/zap"
)

// Backend services relay long-running file operation updates through the
// gateway: each event goes to the target user's live device connections
// and is re-broadcast to every local connection so the desktop host
// process (absent from the per-user device registry) observes it too.

type FileProgressHandler struct{ s *gateway.Server }

func NewFileProgressHandler(s *gateway.Server) gateway.Handler { return &FileProgressHandler{s: s} }

func (h *FileProgressHandler) Event() string { return gateway.EventBroadcastFileProgress }

func (h *FileProgressHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	p, err := decode.DecodeMap[gateway.FileProgressPayload](data)
	if err != nil {
		return err
	}
	if h.s.ProgressSeen(p.OperationID, p.Progress, p.Stage) {
		return nil // immediately-repeated progress, skip
	}
	logger.Debug("broadcasting file progress",
		zap.String("operation", p.OperationID), zap.Float64("progress", p.Progress),
		zap.String("user", p.UserID))

	out := map[string]any{"operationId": p.OperationID, "progress": p.Progress, "stage": p.Stage}
	relayToUser(ctx, h.s, p.UserID, gateway.EventFileProgress, out)
	h.s.Broadcast(gateway.EventFileProgress, out)
	return nil
}

type FileCompletedHandler struct{ s *gateway.Server }

func NewFileCompletedHandler(s *gateway.Server) gateway.Handler { return &FileCompletedHandler{s: s} }

func (h *FileCompletedHandler) Event() string { return gateway.EventBroadcastFileCompleted }

func (h *FileCompletedHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	p, err := decode.DecodeMap[gateway.FileCompletedPayload](data)
	if err != nil {
		return err
	}
	logger.Debug("broadcasting file completed",
		zap.String("operation", p.OperationID), zap.String("user", p.UserID))

	out := map[string]any{"operationId": p.OperationID, "result": p.Result}
	relayToUser(ctx, h.s, p.UserID, gateway.EventFileCompleted, out)
	h.s.Broadcast(gateway.EventFileCompleted, out)
	return nil
}

type FileErrorHandler struct{ s *gateway.Server }

func NewFileErrorHandler(s *gateway.Server) gateway.Handler { return &FileErrorHandler{s: s} }

func (h *FileErrorHandler) Event() string { return gateway.EventBroadcastFileError }

func (h *FileErrorHandler) Handle(ctx context.Context, c *gateway.WsConn, data map[string]any) error {
	p, err := decode.DecodeMap[gateway.FileErrorPayload](data)
	if err != nil {
		return err
	}
	logger.Debug("broadcasting file error",
		zap.String("operation", p.OperationID), zap.String("user", p.UserID))

	out := map[string]any{"operationId": p.OperationID, "error": p.Error}
	relayToUser(ctx, h.s, p.UserID, gateway.EventFileError, out)
	h.s.Broadcast(gateway.EventFileError, out)
	return nil
}

// relayToUser emits directly to each of the user's live connections.
func relayToUser(ctx context.Context, s *gateway.Server, userID, event string, data map[string]any) {
	if userID == "" {
		return
	}
	connIDs, err := s.Registry().UserSockets(ctx, userID)
	if err != nil {
		logger.Warn("user sockets lookup failed", zap.String("user", userID), zap.Error(err))
		return
	}
	for _, connID := range connIDs {
		s.EmitToConn(ctx, connID, event, data)
	}
}
