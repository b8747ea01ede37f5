package gateway

import (
	"sync"
	"time"
)

// progressDedup suppresses immediately-repeated file-progress broadcasts
// for the same operation. Purely per-process, best effort: authoritative
// state lives in the store, this is only a hint cache.
type progressDedup struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]progressMark
}

type progressMark struct {
	progress float64
	stage    string
	at       time.Time
}

func newProgressDedup(ttl time.Duration) *progressDedup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &progressDedup{ttl: ttl, m: make(map[string]progressMark)}
}

// Seen reports whether the same (operation, progress, stage) was relayed
// within the TTL, and records it otherwise.
func (d *progressDedup) Seen(operationID string, progress float64, stage string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.m[operationID]; ok &&
		prev.progress == progress && prev.stage == stage && now.Sub(prev.at) < d.ttl {
		return true
	}
	d.m[operationID] = progressMark{progress: progress, stage: stage, at: now}

	if len(d.m) > 1024 {
		for k, v := range d.m {
			if now.Sub(v.at) >= d.ttl {
				delete(d.m, k)
			}
		}
	}
	return false
}
