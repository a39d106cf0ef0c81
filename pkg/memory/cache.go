package memory

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/choraleia/persona/pkg/db"
)

// turnRing keeps the newest turns of one conversation.
type turnRing struct {
	buf  []db.Turn
	head int // index of the oldest entry when full
	size int
	// complete is set once the ring was seeded from storage, so a short ring
	// means the conversation is short rather than not loaded.
	complete bool
}

func newTurnRing(capacity int) *turnRing {
	return &turnRing{buf: make([]db.Turn, capacity)}
}

func (r *turnRing) push(t db.Turn) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
}

// last returns up to n newest turns, oldest first.
func (r *turnRing) last(n int) []db.Turn {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]db.Turn, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// TurnCache holds recent turns per conversation, bounded in turns per
// conversation and in conversations. Conversations are evicted in least
// recently used order; every read or write refreshes recency.
type TurnCache struct {
	mu      sync.Mutex
	perUser int
	users   *lru.Cache[string, *turnRing]
}

// NewTurnCache builds a cache of perUser turns for at most maxUsers
// conversations. onEvict, when set, is called with the evicted or
// invalidated key while the cache lock is held; it must not call back into
// the cache.
func NewTurnCache(perUser, maxUsers int, onEvict func(key string)) *TurnCache {
	if perUser <= 0 {
		perUser = 100
	}
	if maxUsers <= 0 {
		maxUsers = 50
	}
	users, _ := lru.NewWithEvict[string, *turnRing](maxUsers, func(key string, _ *turnRing) {
		if onEvict != nil {
			onEvict(key)
		}
	})
	return &TurnCache{perUser: perUser, users: users}
}

// CacheKey identifies a conversation.
func CacheKey(personaID, userID string) string {
	return personaID + "\x00" + userID
}

// Seed replaces the cached turns of key with turns (oldest first) and marks
// the entry complete.
func (c *TurnCache) Seed(key string, turns []db.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := newTurnRing(c.perUser)
	for _, t := range turns {
		r.push(t)
	}
	r.complete = true
	c.users.Add(key, r)
}

// Append records new turns for key. Turns for an unseeded key start an
// incomplete entry.
func (c *TurnCache) Append(key string, turns ...db.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.users.Get(key)
	if !ok {
		r = newTurnRing(c.perUser)
		c.users.Add(key, r)
	}
	for _, t := range turns {
		r.push(t)
	}
}

// Recent returns up to n newest turns of key, oldest first. ok is false when
// the cache cannot answer: the key is unknown, or the entry is incomplete and
// holds fewer than n turns.
func (c *TurnCache) Recent(key string, n int) ([]db.Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, found := c.users.Get(key)
	if !found {
		return nil, false
	}
	if !r.complete && r.size < n {
		return nil, false
	}
	if n > c.perUser {
		n = c.perUser
	}
	return r.last(n), true
}

// Invalidate drops the entry of key.
func (c *TurnCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users.Remove(key)
}

// Keys returns cached keys, least recently used first.
func (c *TurnCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users.Keys()
}

// Capacity returns the per-conversation turn bound.
func (c *TurnCache) Capacity() int {
	return c.perUser
}
