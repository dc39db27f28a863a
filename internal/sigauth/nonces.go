package sigauth

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultNonceTTL      = 10 * time.Minute
	defaultNonceCapacity = 4096
)

// NonceCache remembers the nonces each caller has used within TTL. A signed
// request is accepted once; replaying it inside the window is rejected.
type NonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	callers map[common.Address]*nonceWindow
}

type nonceWindow struct {
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	nonce string
	seen  time.Time
}

// NewNonceCache keeps nonces for ttl and at most capacity per caller. A
// caller at capacity is refused until older nonces expire.
func NewNonceCache(ttl time.Duration, capacity int) *NonceCache {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &NonceCache{
		ttl:      ttl,
		capacity: capacity,
		callers:  make(map[common.Address]*nonceWindow),
	}
}

// Use records nonce for caller. It returns ErrNonceReused when the nonce was
// already seen inside the window and ErrNonceCapacity when the caller has
// too many live nonces.
func (c *NonceCache) Use(caller common.Address, nonce string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(now)

	w, ok := c.callers[caller]
	if !ok {
		w = &nonceWindow{entries: make(map[string]*list.Element), order: list.New()}
		c.callers[caller] = w
	}
	if _, seen := w.entries[nonce]; seen {
		return ErrNonceReused
	}
	if w.order.Len() >= c.capacity {
		return ErrNonceCapacity
	}
	w.entries[nonce] = w.order.PushBack(nonceEntry{nonce: nonce, seen: now})
	return nil
}

func (c *NonceCache) evictLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for caller, w := range c.callers {
		for front := w.order.Front(); front != nil; front = w.order.Front() {
			entry := front.Value.(nonceEntry)
			if entry.seen.After(cutoff) {
				break
			}
			w.order.Remove(front)
			delete(w.entries, entry.nonce)
		}
		if w.order.Len() == 0 {
			delete(c.callers, caller)
		}
	}
}
