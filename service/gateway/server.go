package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/spoonbobo/onlysaid/global"
	"github.com/spoonbobo/onlysaid/logger"
	"github.com/spoonbobo/onlysaid/service/directory"
	storage "github.com/spoonbobo/onlysaid/service/storage"
	errs "github.com/spoonbobo/onlysaid/tools/errs"
	ids "github.com/spoonbobo/onlysaid/tools/ids"
	safe "github.com/spoonbobo/onlysaid/tools/safe"
	security "github.com/spoonbobo/onlysaid/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the presence & routing engine: it resolves each handshake into
// a connection variant, installs that variant's handlers, and owns the
// emit paths (local, broadcast, cross-replica).
type Server struct {
	conf *global.Config

	reg   *storage.Registry
	dir   *directory.Client
	mgr   *ConnManager
	relay *Relay

	userDisp    *Dispatcher
	serviceDisp *Dispatcher
	dedup       *progressDedup
}

func NewServer(conf *global.Config, reg *storage.Registry, dir *directory.Client) *Server {
	return &Server{
		conf:        conf,
		reg:         reg,
		dir:         dir,
		mgr:         NewConnManager(conf.GatewayID),
		userDisp:    NewDispatcher(),
		serviceDisp: NewDispatcher(),
		dedup:       newProgressDedup(30 * time.Second),
	}
}

// Accessors for the handler package.
func (s *Server) Registry() *storage.Registry  { return s.reg }
func (s *Server) Directory() *directory.Client { return s.dir }
func (s *Server) ConnMgr() *ConnManager        { return s.mgr }

// InstallUser registers a handler on the user-device dispatcher.
func (s *Server) InstallUser(h Handler) { s.userDisp.Register(h) }

// InstallService registers a handler on the backend-service dispatcher.
func (s *Server) InstallService(h Handler) { s.serviceDisp.Register(h) }

// ConnectRelay enables cross-replica delivery over NATS.
func (s *Server) ConnectRelay(natsURL string) error {
	relay, err := NewRelay(natsURL, s.conf.GatewayID, s.onRelayDeliver)
	if err != nil {
		return err
	}
	s.relay = relay
	return nil
}

func (s *Server) onRelayDeliver(connID, event string, data json.RawMessage) {
	c, ok := s.mgr.Get(connID)
	if !ok {
		return
	}
	_ = c.Emit(event, data)
	// A relayed conflict is an eviction order for the local holder.
	if event == EventDeviceConflict {
		s.dropConn(c)
	}
}

// ProgressSeen exposes the dedup cache to the broadcast handlers.
func (s *Server) ProgressSeen(operationID string, progress float64, stage string) bool {
	return s.dedup.Seen(operationID, progress, stage)
}

// Broadcast emits to every local connection (user devices, services, and
// the desktop host process).
func (s *Server) Broadcast(event string, data any) {
	s.mgr.Broadcast(event, data)
}

// EmitToConn delivers one event to a bound connection id, wherever its
// transport handle lives. Reports whether the connection counted as live.
func (s *Server) EmitToConn(ctx context.Context, connID, event string, data any) bool {
	if c, ok := s.mgr.Get(connID); ok {
		_ = c.Emit(event, data)
		return true
	}
	if s.relay != nil {
		gw, err := s.reg.GatewayOf(ctx, connID)
		if err != nil {
			logger.Warn("gateway lookup failed", zap.String("conn", connID), zap.Error(err))
			return false
		}
		if gw != "" && gw != s.mgr.GwID() {
			if err := s.relay.Publish(gw, connID, event, data); err != nil {
				logger.Warn("relay publish failed", zap.String("conn", connID), zap.Error(err))
				return false
			}
			return true
		}
	}
	return false
}

// HandleWS is the gin endpoint hosting the persistent connection.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	hs, err := s.readHandshake(ws)
	if err != nil {
		logger.Infof("[ws] handshake rejected: %v", err)
		_ = ws.Close()
		return
	}

	switch {
	case hs.IsElectronHost():
		s.serveElectronHost(ws)
	case hs.IsBackendService():
		s.serveBackendService(ws, hs)
	default:
		s.serveUserDevice(ws, hs)
	}
}

// readHandshake waits for the single `connect` frame carrying credentials.
func (s *Server) readHandshake(ws *websocket.Conn) (*Handshake, error) {
	timeout := s.conf.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	defer ws.SetReadDeadline(time.Time{})

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, errs.WrapMsg(err, "read connect frame")
	}
	frame, err := ParseFrameJSON(raw)
	if err != nil {
		return nil, err
	}
	if frame.Event != EventConnect {
		return nil, errs.ErrHandshakeRejected.WrapMsg("first frame not connect", "event", frame.Event)
	}
	return ExtractHandshake(frame)
}

// ---- electron host variant ----

func (s *Server) serveElectronHost(ws *websocket.Conn) {
	conn := newWsConn(ids.GenerateString(), KindElectronHost, ws)
	s.mgr.Add(conn)
	logger.Infof("[ws] electron main process connected socket=%s", conn.ID)

	_ = conn.Emit(EventConnectionEstablished, BuildConnectionEstablished(conn.ID, ""))

	// No device/user bookkeeping: only a disconnect handler.
	s.readUntilClose(conn, nil)

	s.mgr.Remove(conn.ID)
	conn.Close()
	logger.Infof("[ws] electron main process disconnected socket=%s", conn.ID)
}

// ---- backend service variant ----

func (s *Server) serveBackendService(ws *websocket.Conn, hs *Handshake) {
	opts := security.DefaultOptions(s.conf.ServiceSecret)
	if _, err := security.Verify(opts, hs.Service.Token); err != nil {
		logger.Warnf("[ws] backend service rejected: %v", errs.ErrServiceToken.WrapMsg(err.Error()))
		_ = ws.Close()
		return
	}

	conn := newWsConn(ids.GenerateString(), KindBackendService, ws)
	s.mgr.Add(conn)
	logger.Infof("[ws] backend service connected socket=%s", conn.ID)

	_ = conn.Emit(EventServiceConnectionEstablished, map[string]any{"socketId": conn.ID})

	s.readUntilClose(conn, s.serviceDisp)

	s.mgr.Remove(conn.ID)
	conn.Close()
	logger.Infof("[ws] backend service disconnected socket=%s", conn.ID)
}

// ---- user device variant ----

func (s *Server) serveUserDevice(ws *websocket.Conn, hs *Handshake) {
	if hs.User == nil || hs.User.ID == "" || hs.DeviceID == "" {
		logger.Error("connection rejected: missing user or device ID")
		_ = ws.Close()
		return
	}

	conn := newWsConn(ids.GenerateString(), KindUserDevice, ws)
	conn.UserID = hs.User.ID
	conn.DeviceID = hs.DeviceID
	s.mgr.Add(conn)

	if err := s.registerUserDevice(context.Background(), conn, hs); err != nil {
		// Connect-time failures force disconnect, per policy.
		logger.Error("device registration failed",
			zap.String("user", conn.UserID), zap.String("device", conn.DeviceID),
			zap.String("conn", conn.ID), zap.Error(err))
		s.dropConn(conn)
		return
	}

	logger.Infof("[ws] user %s (%s) connected device=%s socket=%s",
		hs.User.Username, conn.UserID, conn.DeviceID, conn.ID)

	s.readUntilClose(conn, s.userDisp)
	s.disconnectUserDevice(conn)
}

// registerUserDevice runs the connect sequence: token cache, ack, bind
// (with conflict eviction), workspace seeding, pending-queue drain,
// registration ack.
func (s *Server) registerUserDevice(ctx context.Context, conn *WsConn, hs *Handshake) error {
	userID, deviceID := conn.UserID, conn.DeviceID

	if err := s.reg.CacheToken(ctx, userID, hs.Token); err != nil {
		return err
	}

	_ = conn.Emit(EventConnectionEstablished, BuildConnectionEstablished(conn.ID, deviceID))
	conn.TouchActivity()

	prev, err := s.reg.BindDevice(ctx, userID, deviceID, conn.ID)
	if err != nil {
		return err
	}
	if prev != "" {
		s.evictConflict(ctx, prev, deviceID)
	}

	if err := s.reg.TouchDevice(ctx, deviceID); err != nil {
		return err
	}

	// Seed workspace routing scope from the directory. Failures inside the
	// adapter already degraded to an empty list.
	for _, wid := range s.dir.WorkspacesOf(ctx, userID, hs.Token) {
		if err := s.reg.JoinWorkspace(ctx, userID, wid); err != nil {
			return err
		}
		logger.Debug("auto-joined workspace",
			zap.String("user", userID), zap.String("workspace", wid), zap.String("device", deviceID))
	}

	s.deliverPending(ctx, conn)

	_ = conn.Emit(EventDeviceRegistered, BuildDeviceRegistered(deviceID))
	return nil
}

// evictConflict notifies and force-closes the previous holder of a device
// binding. Last writer wins, no negotiation.
func (s *Server) evictConflict(ctx context.Context, prevConnID, deviceID string) {
	logger.Warnf("[ws] %v", errs.ErrDeviceConflict.WrapMsg("disconnecting old connection",
		"device", deviceID, "conn", prevConnID))
	if c, ok := s.mgr.Get(prevConnID); ok {
		_ = c.Emit(EventDeviceConflict, BuildDeviceConflict(deviceID))
		s.dropConn(c)
		return
	}
	// Held by a peer replica: the relayed conflict doubles as the
	// eviction order there.
	s.EmitToConn(ctx, prevConnID, EventDeviceConflict, BuildDeviceConflict(deviceID))
}

// deliverPending drains the device queue exactly once and replays each
// payload as a low-priority unread event. Undecodable payloads are logged
// and skipped, never fatal.
func (s *Server) deliverPending(ctx context.Context, conn *WsConn) {
	msgs, err := s.reg.DrainPending(ctx, conn.UserID, conn.DeviceID)
	if err != nil {
		logger.Warn("drain pending failed",
			zap.String("user", conn.UserID), zap.String("device", conn.DeviceID), zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		logger.Infof("[ws] sending %d unread messages to device %s", len(msgs), conn.DeviceID)
	}
	for _, raw := range msgs {
		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			logger.Warn("skip undecodable pending payload",
				zap.String("device", conn.DeviceID), zap.Error(err))
			continue
		}
		_ = conn.Emit(EventUnreadMessage, payload)
	}
}

func (s *Server) disconnectUserDevice(conn *WsConn) {
	ctx := context.Background()
	logger.Infof("[ws] user %s disconnected device=%s socket=%s idle=%s",
		conn.UserID, conn.DeviceID, conn.ID, time.Since(conn.LastActivity()).Round(time.Second))

	// Workspace routing scope is logical membership; it stays untouched.
	if err := s.reg.UnbindDevice(ctx, conn.UserID, conn.DeviceID, conn.ID); err != nil {
		logger.Warn("unbind on disconnect failed",
			zap.String("user", conn.UserID), zap.String("device", conn.DeviceID), zap.Error(err))
	}
	if err := s.reg.TouchDevice(ctx, conn.DeviceID); err != nil {
		logger.Warn("touch device on disconnect failed",
			zap.String("device", conn.DeviceID), zap.Error(err))
	}
	s.dropConn(conn)
}

func (s *Server) dropConn(conn *WsConn) {
	s.mgr.Remove(conn.ID)
	conn.Close()
}

// readUntilClose is the per-connection read loop. disp may be nil for
// variants without inbound events. Every handler runs under the uniform
// recover boundary with full connection context.
func (s *Server) readUntilClose(conn *WsConn, disp *Dispatcher) {
	for {
		mt, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s err=%v", conn.ID, err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", conn.ID, err)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", conn.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, perr := ParseFrameJSON(raw)
		if perr != nil {
			sample := raw
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame conn=%s err=%v sample=%q", conn.ID, perr, sample)
			continue
		}

		if disp == nil {
			continue
		}
		h := disp.GetHandler(frame.Event)
		if h == nil {
			continue
		}

		conn.TouchActivity()
		safe.Run(func() {
			if herr := h.Handle(context.Background(), conn, frame.Data); herr != nil {
				logger.Error("handler error",
					zap.String("event", frame.Event), zap.String("conn", conn.ID),
					zap.String("user", conn.UserID), zap.String("device", conn.DeviceID),
					zap.Error(herr))
			}
		},
			zap.String("event", frame.Event), zap.String("conn", conn.ID),
			zap.String("user", conn.UserID), zap.String("device", conn.DeviceID))
	}
}

// Close releases the relay and every live connection.
func (s *Server) Close() {
	if s.relay != nil {
		s.relay.Close()
	}
	s.mgr.Close()
}
