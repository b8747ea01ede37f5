package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	decode "github.com/spoonbobo/onlysaid/tools/decode"
)

// Inbound event names.
const (
	EventConnect        = "connect"
	EventPing           = "ping"
	EventMessage        = "message"
	EventJoinWorkspace  = "user_join_workspace"
	EventLeaveWorkspace = "user_leave_workspace"

	EventBroadcastFileProgress  = "broadcast:file:progress"
	EventBroadcastFileCompleted = "broadcast:file:completed"
	EventBroadcastFileError     = "broadcast:file:error"
)

// Outbound event names.
const (
	EventConnectionEstablished        = "connection_established"
	EventServiceConnectionEstablished = "service_connection_established"
	EventDeviceRegistered             = "device_registered"
	EventDeviceConflict               = "device_conflict"
	EventPong                         = "pong"
	EventUnreadMessage                = "unread-message"
	EventWorkspaceJoined              = "workspace_joined"
	EventWorkspaceLeft                = "workspace_left"

	EventFileProgress  = "file:progress"
	EventFileCompleted = "file:completed"
	EventFileError     = "file:error"
)

// EventFrame is the wire envelope: {"event": "...", "data": {...}}.
// Data stays generic; handlers decode what they need via tools/decode.
type EventFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func ParseFrameJSON(raw []byte) (*EventFrame, error) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("frame has no event name")
	}

	frame := &EventFrame{Event: env.Event, Data: map[string]any{}}
	if len(env.Data) == 0 {
		return frame, nil
	}
	if err := json.Unmarshal(env.Data, &frame.Data); err == nil {
		return frame, nil
	}
	// Scalar payloads (the desktop client sends workspace ids as bare
	// strings) get wrapped so handlers always see an object.
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		frame.Data = map[string]any{rawStringKey: s}
		return frame, nil
	}
	return nil, fmt.Errorf("frame data is neither object nor string")
}

func MarshalFrame(event string, data any) ([]byte, error) {
	return json.Marshal(map[string]any{"event": event, "data": data})
}

// ---- handshake credentials (first frame after upgrade) ----

// ElectronHostUserID is the reserved identity of the privileged desktop
// host process.
const ElectronHostUserID = "electron-main-process"

const backendServiceType = "backend-service"

type HandshakeUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type HandshakeService struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type Handshake struct {
	User     *HandshakeUser    `json:"user"`
	DeviceID string            `json:"deviceId"`
	Token    string            `json:"token"`
	Service  *HandshakeService `json:"service"`
}

func ExtractHandshake(f *EventFrame) (*Handshake, error) {
	if f == nil || f.Data == nil {
		return nil, fmt.Errorf("connect frame has no credentials")
	}
	return decode.DecodeMap[Handshake](f.Data)
}

func (h *Handshake) IsElectronHost() bool {
	return h.User != nil && h.User.ID == ElectronHostUserID
}

func (h *Handshake) IsBackendService() bool {
	return h.Service != nil && h.Service.Type == backendServiceType
}

// ---- typed event payloads ----

type FileProgressPayload struct {
	OperationID string  `json:"operationId"`
	Progress    float64 `json:"progress"`
	Stage       string  `json:"stage"`
	UserID      string  `json:"userId"`
}

type FileCompletedPayload struct {
	OperationID string `json:"operationId"`
	Result      any    `json:"result"`
	UserID      string `json:"userId"`
}

type FileErrorPayload struct {
	OperationID string `json:"operationId"`
	Error       any    `json:"error"`
	UserID      string `json:"userId"`
}

// WorkspaceIDOf accepts both `{"workspaceId": "w"}` objects and the bare
// string form the original desktop client sends.
func WorkspaceIDOf(data map[string]any) string {
	if data == nil {
		return ""
	}
	if wid, err := decode.ReadString(data, "workspaceId"); err == nil {
		return wid
	}
	// Bare-string payloads arrive wrapped by the read loop.
	if wid, err := decode.ReadString(data, rawStringKey); err == nil {
		return wid
	}
	return ""
}

// rawStringKey wraps scalar event payloads so dispatching always sees an
// object.
const rawStringKey = "_raw"

// ---- server acknowledgement builders ----

func BuildConnectionEstablished(socketID, deviceID string) map[string]any {
	data := map[string]any{"socketId": socketID}
	if deviceID != "" {
		data["deviceId"] = deviceID
	}
	return data
}

func BuildDeviceRegistered(deviceID string) map[string]any {
	return map[string]any{
		"deviceId": deviceID,
		"message":  fmt.Sprintf("Device %s registered successfully", deviceID),
	}
}

const deviceConflictMessage = "This device has been connected from another location"

func BuildDeviceConflict(deviceID string) map[string]any {
	return map[string]any{
		"deviceId": deviceID,
		"message":  deviceConflictMessage,
	}
}

func BuildPong(deviceID string) map[string]any {
	return map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"deviceId":  deviceID,
	}
}

func BuildWorkspaceNotice(workspaceID, userID string) map[string]any {
	return map[string]any{"workspaceId": workspaceID, "userId": userID}
}
