package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spoonbobo/onlysaid/logger"

	"github.com/gorilla/websocket"
)

// ConnKind is the tagged variant a handshake resolves to. It is decided
// exactly once; handlers never re-inspect credential shape.
type ConnKind int

const (
	KindUserDevice ConnKind = iota
	KindElectronHost
	KindBackendService
)

func (k ConnKind) String() string {
	switch k {
	case KindElectronHost:
		return "electron-host"
	case KindBackendService:
		return "backend-service"
	default:
		return "user-device"
	}
}

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// WsConn is one live transport session. The registry entries pointing at
// it survive the process; the handle itself never does.
type WsConn struct {
	ID       string
	Kind     ConnKind
	UserID   string
	DeviceID string

	Conn   *websocket.Conn
	Remote net.Addr

	CreatedAt    time.Time
	lastActivity atomic.Int64 // unix millis

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newWsConn(id string, kind ConnKind, ws *websocket.Conn) *WsConn {
	c := &WsConn{
		ID:        id,
		Kind:      kind,
		Conn:      ws,
		Remote:    ws.RemoteAddr(),
		CreatedAt: time.Now(),
		sendCh:    make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	c.TouchActivity()
	go c.writePump()
	return c
}

// TouchActivity refreshes the last-activity timestamp.
func (c *WsConn) TouchActivity() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity reports the most recent inbound event time.
func (c *WsConn) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// Emit marshals and queues an event frame. Slow consumers drop frames
// rather than stall the caller.
func (c *WsConn) Emit(event string, data any) error {
	payload, err := MarshalFrame(event, data)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- payload:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		logger.Warnf("[conn] send queue full, drop event=%s conn=%s", event, c.ID)
		return nil
	}
}

// Close shuts the transport down. Safe to call more than once.
func (c *WsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump is the only goroutine that writes to the socket.
func (c *WsConn) writePump() {
	defer func() {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.Conn.Close()
	}()
	for {
		select {
		case payload := <-c.sendCh:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[conn] write err conn=%s user=%s err=%v", c.ID, c.UserID, err)
				return
			}
		case <-c.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case payload := <-c.sendCh:
					_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// ConnManager tracks the live transport handles of this process. Liveness
// authority lives in the registry; this table only answers "is that
// connection id one of ours, right now".
type ConnManager struct {
	mu   sync.RWMutex
	byID map[string]*WsConn
	gwID string
}

func NewConnManager(gwID string) *ConnManager {
	return &ConnManager{
		byID: make(map[string]*WsConn),
		gwID: gwID,
	}
}

func (m *ConnManager) GwID() string { return m.gwID }

func (m *ConnManager) Add(c *WsConn) {
	m.mu.Lock()
	m.byID[c.ID] = c
	m.mu.Unlock()
}

func (m *ConnManager) Get(id string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Remove drops the handle from the table without closing it.
func (m *ConnManager) Remove(id string) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}

func (m *ConnManager) All() []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WsConn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// Broadcast emits to every live connection of this process, whatever its
// kind. Used by the backend relay so the desktop host process, which never
// appears in the per-user device registry, still observes the event.
func (m *ConnManager) Broadcast(event string, data any) {
	for _, c := range m.All() {
		_ = c.Emit(event, data)
	}
}

func (m *ConnManager) Close() {
	m.mu.Lock()
	conns := make([]*WsConn, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	m.byID = make(map[string]*WsConn)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
