package global

import (
	"os"
	"strconv"
	"time"

	"github.com/spoonbobo/onlysaid/tools/ids"
)

// Config is the full runtime configuration of a gateway replica.
// Everything comes from the environment with sane local-dev defaults.
type Config struct {
	ListenAddr string
	GatewayID  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DirectoryURL string // base URL of the collaboration app API
	NatsURL      string // empty disables the cross-replica relay

	ServiceSecret []byte // HMAC secret for backend-service tokens

	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	PendingCap       int64
	TokenTTL         time.Duration
}

func Load() *Config {
	c := &Config{
		ListenAddr:       getenv("GW_LISTEN", ":8080"),
		GatewayID:        getenv("GATEWAY_ID", "presence_gw-1"),
		RedisAddr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getenvInt("REDIS_DB", 0),
		DirectoryURL:     getenv("CLIENT_URL", "http://127.0.0.1:3000"),
		NatsURL:          os.Getenv("NATS_URL"),
		ServiceSecret:    []byte(getenv("SERVICE_SECRET", "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=")),
		SweepInterval:    getenvDur("SWEEP_INTERVAL", 12*time.Hour),
		HandshakeTimeout: getenvDur("HANDSHAKE_TIMEOUT", 10*time.Second),
		PendingCap:       int64(getenvInt("PENDING_CAP", 500)),
		TokenTTL:         getenvDur("TOKEN_TTL", 24*time.Hour),
	}
	return c
}

// ConfigIds seeds the snowflake node number from the environment.
func ConfigIds() {
	ids.SetNodeID(int64(getenvInt("GW_NODE_ID", 1)))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
