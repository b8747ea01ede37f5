package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/spoonbobo/onlysaid/logger"
	safe "github.com/spoonbobo/onlysaid/tools/safe"
)

// Sweeper reconciles registry state against actually-live transport
// handles and evicts stale entries. Purely corrective: the gateway stays
// correct without it, just noisier (stale entries report spurious
// "online" until swept).
type Sweeper struct {
	srv      *Server
	interval time.Duration
}

func NewSweeper(srv *Server, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Sweeper{srv: srv, interval: interval}
}

// Run blocks until ctx is done, sweeping on the fixed interval.
func (w *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			safe.Run(func() {
				if err := w.SweepOnce(ctx); err != nil {
					logger.Errorf("[sweeper] sweep failed: %v", err)
				}
			})
		}
	}
}

// SweepOnce walks every user-level live-connection set and drops entries
// owned by this replica whose transport handle no longer exists. Entries
// owned by peer replicas are theirs to sweep.
func (w *Sweeper) SweepOnce(ctx context.Context) error {
	reg := w.srv.Registry()
	mgr := w.srv.ConnMgr()

	return reg.ScanUserSocketSets(ctx, func(key string, socketIDs []string) error {
		userID := userIDFromSocketsKey(key)
		for _, sid := range socketIDs {
			if _, ok := mgr.Get(sid); ok {
				continue
			}
			gw, err := reg.GatewayOf(ctx, sid)
			if err != nil {
				return err
			}
			if gw != "" && gw != mgr.GwID() {
				continue
			}
			logger.Infof("[sweeper] cleaning up disconnected socket %s for user %s", sid, userID)
			if err := reg.EvictSocket(ctx, key, sid); err != nil {
				return err
			}
		}
		return nil
	})
}

// key shape: user:<id>:sockets
func userIDFromSocketsKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
