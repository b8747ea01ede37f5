package storage

import (
	"context"
	"time"

	errs "github.com/spoonbobo/onlysaid/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Registry is the sole source of truth for who is online, on what device,
// in what workspaces. It lives entirely in Redis so any gateway replica can
// query or mutate it; every method is a single atomic store operation (or
// one Lua script) so replicas never need cross-process locks.
//
// Key schema:
//
//	socket:<sid>:user                      string
//	socket:<sid>:device                    string
//	socket:<sid>:gw                        string (owning gateway replica)
//	user:<uid>:device:<did>:socket         string (current binding)
//	user:<uid>:devices:active              set
//	user:<uid>:sockets                     set
//	user:<uid>:workspaces                  set
//	user:<uid>:token                       string, TTL
//	device:<did>:lastSeen                  string (RFC3339)
//	user:<uid>:device:<did>:unread         list (pending queue, capped)
type Registry struct {
	rdb  *redis.Client
	conf Config

	luaUnbind *redis.Script
	luaDrain  *redis.Script
}

type Config struct {
	GatewayID  string
	PendingCap int64         // max pending payloads per (user, device); oldest drop
	TokenTTL   time.Duration // token cache expiry
}

func (c *Config) norm() {
	if c.PendingCap <= 0 {
		c.PendingCap = 500
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
}

// Unbind must not clobber a binding that a newer connection already took
// over: the mapping is removed only while it still points at this socket.
// KEYS[1]=binding KEYS[2]=active set KEYS[3]=socket set
// ARGV[1]=socketID ARGV[2]=deviceID
const luaUnbindDevice = `
local held = redis.call("GET", KEYS[1])
redis.call("SREM", KEYS[3], ARGV[1])
if held == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], ARGV[2])
  return 1
end
return 0
`

// Destructive read of the pending queue: return everything, then clear,
// in one atomic step so a concurrent enqueue is never half-drained.
// KEYS[1]=pending list
const luaDrainPending = `
local msgs = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return msgs
`

func NewRegistry(rdb *redis.Client, conf Config) *Registry {
	conf.norm()
	return &Registry{
		rdb:       rdb,
		conf:      conf,
		luaUnbind: redis.NewScript(luaUnbindDevice),
		luaDrain:  redis.NewScript(luaDrainPending),
	}
}

// ---- keys ----

func keySocketUser(sid string) string    { return "socket:" + sid + ":user" }
func keySocketDevice(sid string) string  { return "socket:" + sid + ":device" }
func keySocketGateway(sid string) string { return "socket:" + sid + ":gw" }
func keyBinding(uid, did string) string  { return "user:" + uid + ":device:" + did + ":socket" }
func keyActiveDevices(uid string) string { return "user:" + uid + ":devices:active" }
func keyUserSockets(uid string) string   { return "user:" + uid + ":sockets" }
func keyUserWorkspaces(uid string) string {
	return "user:" + uid + ":workspaces"
}
func keyWorkspaceUsers(wid string) string { return "workspace:" + wid + ":users" }
func keyUserToken(uid string) string      { return "user:" + uid + ":token" }
func keyDeviceLastSeen(did string) string { return "device:" + did + ":lastSeen" }
func keyPending(uid, did string) string {
	return "user:" + uid + ":device:" + did + ":unread"
}

// UserSocketsPattern is what the maintenance sweeper scans for.
const UserSocketsPattern = "user:*:sockets"

// ---- device bindings ----

// BindDevice records connID as the current holder of (user, device) and
// returns the connection it displaced, if any. Overwriting is the defined
// takeover signal; the caller evicts the previous holder.
func (r *Registry) BindDevice(ctx context.Context, user, device, connID string) (prev string, err error) {
	prev, err = r.rdb.SetArgs(ctx, keyBinding(user, device), connID, redis.SetArgs{Get: true}).Result()
	if err == redis.Nil {
		prev, err = "", nil
	}
	if err != nil {
		return "", errs.WrapMsg(err, "bind device", "user", user, "device", device)
	}
	if prev == connID {
		prev = ""
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, keySocketUser(connID), user, 0)
	pipe.Set(ctx, keySocketDevice(connID), device, 0)
	pipe.Set(ctx, keySocketGateway(connID), r.conf.GatewayID, 0)
	pipe.SAdd(ctx, keyActiveDevices(user), device)
	pipe.SAdd(ctx, keyUserSockets(user), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return prev, errs.WrapMsg(err, "bind device bookkeeping", "user", user, "device", device)
	}
	return prev, nil
}

// UnbindDevice removes the (user, device) binding held by connID plus the
// socket-level keys. Idempotent; a binding already taken over by a newer
// connection is left alone.
func (r *Registry) UnbindDevice(ctx context.Context, user, device, connID string) error {
	keys := []string{keyBinding(user, device), keyActiveDevices(user), keyUserSockets(user)}
	if err := r.luaUnbind.Run(ctx, r.rdb, keys, connID, device).Err(); err != nil && err != redis.Nil {
		return errs.WrapMsg(err, "unbind device", "user", user, "device", device)
	}
	return r.dropSocketKeys(ctx, connID)
}

func (r *Registry) dropSocketKeys(ctx context.Context, connID string) error {
	return r.rdb.Del(ctx,
		keySocketUser(connID),
		keySocketDevice(connID),
		keySocketGateway(connID),
	).Err()
}

// ActiveDevices returns the devices currently considered online for the
// user; empty for unknown users.
func (r *Registry) ActiveDevices(ctx context.Context, user string) ([]string, error) {
	return r.rdb.SMembers(ctx, keyActiveDevices(user)).Result()
}

// ConnectionFor resolves the bound connection of (user, device).
func (r *Registry) ConnectionFor(ctx context.Context, user, device string) (string, bool, error) {
	sid, err := r.rdb.Get(ctx, keyBinding(user, device)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sid, sid != "", nil
}

// UserSockets lists every live connection id recorded for the user.
func (r *Registry) UserSockets(ctx context.Context, user string) ([]string, error) {
	return r.rdb.SMembers(ctx, keyUserSockets(user)).Result()
}

// GatewayOf reports which replica owns a connection id.
func (r *Registry) GatewayOf(ctx context.Context, connID string) (string, error) {
	gw, err := r.rdb.Get(ctx, keySocketGateway(connID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return gw, err
}

// SocketOwner reports the (user, device) a connection id was bound for.
func (r *Registry) SocketOwner(ctx context.Context, connID string) (user, device string, err error) {
	user, err = r.rdb.Get(ctx, keySocketUser(connID)).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	device, err = r.rdb.Get(ctx, keySocketDevice(connID)).Result()
	if err == redis.Nil {
		err = nil
	}
	return user, device, err
}

// ---- pending queues ----

// EnqueuePending appends a serialized payload to the device's pending
// queue, trimming to the newest PendingCap entries.
func (r *Registry) EnqueuePending(ctx context.Context, user, device string, payload []byte) error {
	key := keyPending(user, device)
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -r.conf.PendingCap, -1)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "enqueue pending", "user", user, "device", device)
}

// DrainPending atomically returns and clears the device's pending queue.
func (r *Registry) DrainPending(ctx context.Context, user, device string) ([]string, error) {
	res, err := r.luaDrain.Run(ctx, r.rdb, []string{keyPending(user, device)}).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, errs.WrapMsg(err, "drain pending", "user", user, "device", device)
	}
	return res, nil
}

// ---- workspace routing scope ----

func (r *Registry) JoinWorkspace(ctx context.Context, user, workspace string) error {
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, keyWorkspaceUsers(workspace), user)
	pipe.SAdd(ctx, keyUserWorkspaces(user), workspace)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "join workspace", "user", user, "workspace", workspace)
}

func (r *Registry) LeaveWorkspace(ctx context.Context, user, workspace string) error {
	pipe := r.rdb.Pipeline()
	pipe.SRem(ctx, keyWorkspaceUsers(workspace), user)
	pipe.SRem(ctx, keyUserWorkspaces(user), workspace)
	_, err := pipe.Exec(ctx)
	return errs.WrapMsg(err, "leave workspace", "user", user, "workspace", workspace)
}

// MembersOf returns the routing scope of a workspace.
func (r *Registry) MembersOf(ctx context.Context, workspace string) ([]string, error) {
	return r.rdb.SMembers(ctx, keyWorkspaceUsers(workspace)).Result()
}

// ---- token cache ----

// CacheToken keeps the most recently presented bearer token so the engine
// can call the directory service on the user's behalf. Last write wins.
func (r *Registry) CacheToken(ctx context.Context, user, token string) error {
	return r.rdb.Set(ctx, keyUserToken(user), token, r.conf.TokenTTL).Err()
}

func (r *Registry) TokenOf(ctx context.Context, user string) (string, error) {
	tok, err := r.rdb.Get(ctx, keyUserToken(user)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return tok, err
}

// ---- liveness hints ----

// TouchDevice stamps the device's last-seen time.
func (r *Registry) TouchDevice(ctx context.Context, device string) error {
	return r.rdb.Set(ctx, keyDeviceLastSeen(device), time.Now().Format(time.RFC3339), 0).Err()
}

// ---- sweeper support ----

// ScanUserSocketSets walks every user-level live-connection-set key.
func (r *Registry) ScanUserSocketSets(ctx context.Context, fn func(key string, socketIDs []string) error) error {
	iter := r.rdb.Scan(ctx, 0, UserSocketsPattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		members, err := r.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		if err := fn(key, members); err != nil {
			return err
		}
	}
	return iter.Err()
}

// EvictSocket drops a stale connection id found by the sweeper: removes it
// from the user's live set, releases its binding if still held, and deletes
// its socket-level keys.
func (r *Registry) EvictSocket(ctx context.Context, userSocketsKey, connID string) error {
	user, device, err := r.SocketOwner(ctx, connID)
	if err != nil {
		return err
	}
	if user != "" && device != "" {
		return r.UnbindDevice(ctx, user, device, connID)
	}
	// Bookkeeping already gone; just clear the set member.
	return r.rdb.SRem(ctx, userSocketsKey, connID).Err()
}
