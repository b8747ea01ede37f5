package gateway_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spoonbobo/onlysaid/global"
	"github.com/spoonbobo/onlysaid/service/directory"
	"github.com/spoonbobo/onlysaid/service/gateway"
	"github.com/spoonbobo/onlysaid/service/gateway/handlers"
	storage "github.com/spoonbobo/onlysaid/service/storage"
	security "github.com/spoonbobo/onlysaid/tools/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// ---- test environment ----

// dirStub fakes the collaboration app API the gateway consults at
// connect time and when queueing for offline users.
type dirStub struct {
	mu         sync.Mutex
	devices    map[string][]string
	workspaces map[string][]string
	srv        *httptest.Server
}

func newDirStub() *dirStub {
	d := &dirStub{
		devices:    map[string][]string{},
		workspaces: map[string][]string{},
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	return d
}

func (d *dirStub) handle(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userID := r.URL.Query().Get("userId")
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/api/v2/user/devices":
		recs := []map[string]string{}
		for _, id := range d.devices[userID] {
			recs = append(recs, map[string]string{"device_id": id})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": recs})
	case "/api/v2/workspace":
		recs := []map[string]string{}
		for _, id := range d.workspaces[userID] {
			recs = append(recs, map[string]string{"id": id})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": recs})
	default:
		http.NotFound(w, r)
	}
}

func (d *dirStub) setDevices(userID string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[userID] = ids
}

func (d *dirStub) setWorkspaces(userID string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workspaces[userID] = ids
}

type testEnv struct {
	srv   *gateway.Server
	reg   *storage.Registry
	conf  *global.Config
	dir   *dirStub
	mini  *miniredis.Miniredis
	wsURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	conf := &global.Config{
		GatewayID:        "gw-test",
		ServiceSecret:    []byte("test-secret"),
		HandshakeTimeout: 5 * time.Second,
		PendingCap:       500,
		TokenTTL:         time.Hour,
	}
	reg := storage.NewRegistry(rdb, storage.Config{
		GatewayID:  conf.GatewayID,
		PendingCap: conf.PendingCap,
		TokenTTL:   conf.TokenTTL,
	})

	stub := newDirStub()
	srv := gateway.NewServer(conf, reg, directory.NewClient(stub.srv.URL))
	handlers.Install(srv)

	r := gin.New()
	r.GET("/socket", srv.HandleWS)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		stub.srv.Close()
	})

	return &testEnv{
		srv:   srv,
		reg:   reg,
		conf:  conf,
		dir:   stub,
		mini:  mini,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket",
	}
}

// ---- test client ----

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialWS(t *testing.T, url string) *wsClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		c.t.Fatalf("marshal %s frame: %v", event, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("write %s frame: %v", event, err)
	}
}

// next reads one frame, failing the test on transport errors.
func (c *wsClient) next() (string, map[string]any) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.t.Fatalf("decode frame %q: %v", raw, err)
	}
	return env.Event, env.Data
}

// waitFor reads frames until the named event arrives, discarding others.
func (c *wsClient) waitFor(event string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev, data := c.next()
		if ev == event {
			return data
		}
	}
	c.t.Fatalf("timed out waiting for %s", event)
	return nil
}

// expectClosed asserts the server force-closes this connection.
func (c *wsClient) expectClosed() {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.t.Fatal("connection still open, expected a server-side close")
		}
		return
	}
}

// connectUser runs the full user-device handshake and waits out the
// registration sequence. Returns the server-assigned socket id.
func connectUser(t *testing.T, env *testEnv, userID, deviceID string) (*wsClient, string) {
	t.Helper()
	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user":     map[string]any{"id": userID, "username": userID},
		"deviceId": deviceID,
		"token":    "tok-" + userID,
	})
	est := c.waitFor(gateway.EventConnectionEstablished)
	sid, _ := est["socketId"].(string)
	if sid == "" {
		t.Fatal("connection_established carried no socketId")
	}
	c.waitFor(gateway.EventDeviceRegistered)
	return c, sid
}

func connectService(t *testing.T, env *testEnv) *wsClient {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(env.conf.ServiceSecret), "files-service", nil)
	if err != nil {
		t.Fatalf("mint service token: %v", err)
	}
	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"service": map[string]any{"type": "backend-service", "token": tok},
	})
	c.waitFor(gateway.EventServiceConnectionEstablished)
	return c
}

func connectElectronHost(t *testing.T, env *testEnv) *wsClient {
	t.Helper()
	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user": map[string]any{"id": gateway.ElectronHostUserID, "username": "host"},
	})
	c.waitFor(gateway.EventConnectionEstablished)
	return c
}

// pingBarrier proves every effect of previously-sent frames has been
// applied: the read loop handles frames in order, so the pong cannot
// arrive before earlier handlers finished.
func pingBarrier(c *wsClient) {
	c.t.Helper()
	c.send("ping", nil)
	c.waitFor(gateway.EventPong)
}

// ---- connect sequence ----

func TestUserDeviceConnectSequence(t *testing.T) {
	env := newTestEnv(t)
	env.dir.setWorkspaces("u1", "w1", "w2")
	ctx := context.Background()

	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user":     map[string]any{"id": "u1", "username": "alice"},
		"deviceId": "dA",
		"token":    "tok-u1",
	})

	est := c.waitFor(gateway.EventConnectionEstablished)
	sid, _ := est["socketId"].(string)
	if sid == "" {
		t.Fatal("no socketId in connection_established")
	}
	if est["deviceId"] != "dA" {
		t.Errorf("deviceId = %v, want dA", est["deviceId"])
	}

	reg := c.waitFor(gateway.EventDeviceRegistered)
	if reg["message"] != "Device dA registered successfully" {
		t.Errorf("registration message = %v", reg["message"])
	}

	devices, err := env.reg.ActiveDevices(ctx, "u1")
	if err != nil || len(devices) != 1 || devices[0] != "dA" {
		t.Errorf("active devices = %v err=%v, want [dA]", devices, err)
	}
	connID, ok, _ := env.reg.ConnectionFor(ctx, "u1", "dA")
	if !ok || connID != sid {
		t.Errorf("binding = %q ok=%v, want %q", connID, ok, sid)
	}
	if tok, _ := env.reg.TokenOf(ctx, "u1"); tok != "tok-u1" {
		t.Errorf("cached token = %q, want tok-u1", tok)
	}
	for _, wid := range []string{"w1", "w2"} {
		members, _ := env.reg.MembersOf(ctx, wid)
		if len(members) != 1 || members[0] != "u1" {
			t.Errorf("workspace %s members = %v, want [u1]", wid, members)
		}
	}
}

func TestHandshakeRejectsMissingDevice(t *testing.T) {
	env := newTestEnv(t)

	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user":  map[string]any{"id": "u1", "username": "alice"},
		"token": "tok-u1",
	})
	c.expectClosed()

	if devices, _ := env.reg.ActiveDevices(context.Background(), "u1"); len(devices) != 0 {
		t.Errorf("rejected handshake left registry state: %v", devices)
	}
}

func TestFirstFrameMustBeConnect(t *testing.T) {
	env := newTestEnv(t)

	c := dialWS(t, env.wsURL)
	c.send("ping", nil)
	c.expectClosed()
}

func TestServiceRejectedOnBadToken(t *testing.T) {
	env := newTestEnv(t)

	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"service": map[string]any{"type": "backend-service", "token": "not-a-jwt"},
	})
	c.expectClosed()
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	c, _ := connectUser(t, env, "u1", "dA")

	c.send("ping", nil)
	pong := c.waitFor(gateway.EventPong)
	if pong["deviceId"] != "dA" {
		t.Errorf("pong deviceId = %v, want dA", pong["deviceId"])
	}
	if _, ok := pong["timestamp"]; !ok {
		t.Error("pong carried no timestamp")
	}
}

// ---- message fan-out ----

func TestMessageReachesEveryDeviceExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.dir.setWorkspaces("u1", "w1")

	cA, _ := connectUser(t, env, "u1", "dA")
	cB, _ := connectUser(t, env, "u1", "dB")

	cA.send("message", map[string]any{"workspaceId": "w1", "content": "hello"})

	for name, c := range map[string]*wsClient{"dA": cA, "dB": cB} {
		msg := c.waitFor(gateway.EventMessage)
		if msg["content"] != "hello" {
			t.Errorf("%s got content %v, want hello", name, msg["content"])
		}
		// Any duplicate would already be queued behind the first copy,
		// so it must surface before the pong.
		c.send("ping", nil)
		for {
			ev, _ := c.next()
			if ev == gateway.EventMessage {
				t.Fatalf("%s received the message twice", name)
			}
			if ev == gateway.EventPong {
				break
			}
		}
	}
}

func TestMessageQueuedForOfflineUserAndReplayed(t *testing.T) {
	env := newTestEnv(t)
	env.dir.setWorkspaces("u2", "w1")
	env.dir.setDevices("u1", "dA")
	ctx := context.Background()

	// u1 joined w1 in a previous session; scope outlives connections.
	if err := env.reg.JoinWorkspace(ctx, "u1", "w1"); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	// u3 is a member the directory has no devices for: nothing to queue to.
	if err := env.reg.JoinWorkspace(ctx, "u3", "w1"); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	sender, _ := connectUser(t, env, "u2", "dS")
	sender.send("message", map[string]any{"workspaceId": "w1", "content": "while you were out"})
	pingBarrier(sender)

	for _, key := range env.mini.Keys() {
		if strings.HasPrefix(key, "user:u3:device:") {
			t.Errorf("queued for deviceless user u3: %s", key)
		}
	}

	// u1 connects; the queued payload replays before the registration ack.
	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user":     map[string]any{"id": "u1", "username": "alice"},
		"deviceId": "dA",
		"token":    "tok-u1",
	})
	c.waitFor(gateway.EventConnectionEstablished)

	unread := 0
	for {
		ev, data := c.next()
		if ev == gateway.EventUnreadMessage {
			unread++
			if data["content"] != "while you were out" {
				t.Errorf("unread content = %v", data["content"])
			}
			continue
		}
		if ev == gateway.EventDeviceRegistered {
			break
		}
	}
	if unread != 1 {
		t.Fatalf("replayed %d unread messages, want 1", unread)
	}

	// The drain is destructive.
	if msgs, _ := env.reg.DrainPending(ctx, "u1", "dA"); len(msgs) != 0 {
		t.Errorf("queue not cleared after replay: %v", msgs)
	}
}

func TestMalformedPendingPayloadSkippedOnReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A corrupt entry sits ahead of a good one in the queue.
	if err := env.reg.EnqueuePending(ctx, "u1", "dA", []byte("not-json{{{")); err != nil {
		t.Fatalf("seed corrupt payload: %v", err)
	}
	if err := env.reg.EnqueuePending(ctx, "u1", "dA", []byte(`{"content":"good"}`)); err != nil {
		t.Fatalf("seed good payload: %v", err)
	}

	c := dialWS(t, env.wsURL)
	c.send("connect", map[string]any{
		"user":     map[string]any{"id": "u1", "username": "alice"},
		"deviceId": "dA",
		"token":    "tok-u1",
	})
	c.waitFor(gateway.EventConnectionEstablished)

	unread := 0
	for {
		ev, data := c.next()
		if ev == gateway.EventUnreadMessage {
			unread++
			if data["content"] != "good" {
				t.Errorf("replayed content = %v, want good", data["content"])
			}
			continue
		}
		if ev == gateway.EventDeviceRegistered {
			break
		}
	}
	if unread != 1 {
		t.Fatalf("replayed %d unread messages, want only the decodable one", unread)
	}

	if msgs, _ := env.reg.DrainPending(ctx, "u1", "dA"); len(msgs) != 0 {
		t.Errorf("queue not cleared after replay: %v", msgs)
	}
}

// ---- device conflict ----

func TestDeviceConflictEvictsPreviousHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, oldSID := connectUser(t, env, "u1", "dA")
	_, newSID := connectUser(t, env, "u1", "dA")

	conflict := old.waitFor(gateway.EventDeviceConflict)
	if conflict["message"] != "This device has been connected from another location" {
		t.Errorf("conflict message = %v", conflict["message"])
	}
	if conflict["deviceId"] != "dA" {
		t.Errorf("conflict deviceId = %v, want dA", conflict["deviceId"])
	}
	old.expectClosed()

	connID, ok, _ := env.reg.ConnectionFor(ctx, "u1", "dA")
	if !ok || connID != newSID {
		t.Errorf("binding = %q ok=%v, want new holder %q", connID, ok, newSID)
	}
	if connID == oldSID {
		t.Error("binding still points at the evicted connection")
	}
	devices, _ := env.reg.ActiveDevices(ctx, "u1")
	if len(devices) != 1 || devices[0] != "dA" {
		t.Errorf("active devices = %v, want [dA]", devices)
	}
}

// ---- workspace membership events ----

func TestWorkspaceJoinLeaveNotifiesAllDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cA, _ := connectUser(t, env, "u1", "dA")
	cB, _ := connectUser(t, env, "u1", "dB")

	// The desktop client sends the workspace id as a bare string.
	cA.send("user_join_workspace", "w9")
	for name, c := range map[string]*wsClient{"dA": cA, "dB": cB} {
		joined := c.waitFor(gateway.EventWorkspaceJoined)
		if joined["workspaceId"] != "w9" || joined["userId"] != "u1" {
			t.Errorf("%s join notice = %v", name, joined)
		}
	}
	members, _ := env.reg.MembersOf(ctx, "w9")
	if len(members) != 1 || members[0] != "u1" {
		t.Errorf("members after join = %v, want [u1]", members)
	}

	cB.send("user_leave_workspace", map[string]any{"workspaceId": "w9"})
	for name, c := range map[string]*wsClient{"dA": cA, "dB": cB} {
		left := c.waitFor(gateway.EventWorkspaceLeft)
		if left["workspaceId"] != "w9" {
			t.Errorf("%s leave notice = %v", name, left)
		}
	}
	if members, _ := env.reg.MembersOf(ctx, "w9"); len(members) != 0 {
		t.Errorf("members after leave = %v, want none", members)
	}
}

// ---- backend service broadcasts ----

func TestFileProgressDeduplicatesRepeats(t *testing.T) {
	env := newTestEnv(t)

	host := connectElectronHost(t, env)
	svc := connectService(t, env)

	progress := func(p float64) map[string]any {
		return map[string]any{"operationId": "op-1", "progress": p, "stage": "upload"}
	}
	svc.send("broadcast:file:progress", progress(50))
	svc.send("broadcast:file:progress", progress(50)) // repeat, must be dropped
	svc.send("broadcast:file:progress", progress(75))

	first := host.waitFor(gateway.EventFileProgress)
	if first["progress"] != float64(50) {
		t.Errorf("first progress = %v, want 50", first["progress"])
	}
	second := host.waitFor(gateway.EventFileProgress)
	if second["progress"] != float64(75) {
		t.Errorf("progress after dedup = %v, want 75", second["progress"])
	}
}

func TestFileCompletedReachesTargetUser(t *testing.T) {
	env := newTestEnv(t)

	c, _ := connectUser(t, env, "u1", "dA")
	svc := connectService(t, env)

	svc.send("broadcast:file:completed", map[string]any{
		"operationId": "op-9",
		"result":      map[string]any{"path": "/files/out.bin"},
		"userId":      "u1",
	})

	done := c.waitFor(gateway.EventFileCompleted)
	if done["operationId"] != "op-9" {
		t.Errorf("operationId = %v, want op-9", done["operationId"])
	}
	result, _ := done["result"].(map[string]any)
	if result == nil || result["path"] != "/files/out.bin" {
		t.Errorf("result = %v", done["result"])
	}
}

func TestFileErrorReachesTargetUser(t *testing.T) {
	env := newTestEnv(t)

	c, _ := connectUser(t, env, "u1", "dA")
	svc := connectService(t, env)

	svc.send("broadcast:file:error", map[string]any{
		"operationId": "op-9",
		"error":       "disk full",
		"userId":      "u1",
	})

	fail := c.waitFor(gateway.EventFileError)
	if fail["error"] != "disk full" {
		t.Errorf("error = %v, want disk full", fail["error"])
	}
}

// ---- disconnect & sweeper ----

func TestDisconnectUnbindsDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, _ := connectUser(t, env, "u1", "dA")
	c.ws.Close()

	// Disconnect bookkeeping runs on the server's read loop.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if devices, _ := env.reg.ActiveDevices(ctx, "u1"); len(devices) == 0 {
			if _, ok, _ := env.reg.ConnectionFor(ctx, "u1", "dA"); ok {
				t.Fatal("binding survived disconnect")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry still shows u1 online after disconnect")
}

func TestSweeperEvictsOnlyOwnStaleSockets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Stale entry left behind by this replica (no live transport handle).
	if _, err := env.reg.BindDevice(ctx, "u1", "dA", "dead-sock"); err != nil {
		t.Fatalf("seed stale binding: %v", err)
	}

	// A peer replica's binding in the same store must be left alone.
	peerRdb := redis.NewClient(&redis.Options{Addr: env.mini.Addr()})
	peer := storage.NewRegistry(peerRdb, storage.Config{GatewayID: "gw-peer"})
	if _, err := peer.BindDevice(ctx, "u2", "dB", "peer-sock"); err != nil {
		t.Fatalf("seed peer binding: %v", err)
	}

	// A live local connection must survive too.
	_, liveSID := connectUser(t, env, "u3", "dC")

	sweeper := gateway.NewSweeper(env.srv, time.Hour)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if devices, _ := env.reg.ActiveDevices(ctx, "u1"); len(devices) != 0 {
		t.Errorf("stale local binding survived sweep: %v", devices)
	}
	if _, ok, _ := env.reg.ConnectionFor(ctx, "u2", "dB"); !ok {
		t.Error("sweep evicted a peer replica's binding")
	}
	connID, ok, _ := env.reg.ConnectionFor(ctx, "u3", "dC")
	if !ok || connID != liveSID {
		t.Errorf("sweep broke a live binding: %q ok=%v", connID, ok)
	}
}
