package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Reply cache configuration defaults
const (
	// DefaultReplyTTL is how long a generated reply stays servable.
	DefaultReplyTTL = 24 * time.Hour
)

// CachedReply is a previously generated reply with hit accounting.
type CachedReply struct {
	Text     string
	HitCount int64
}

type replyEntry struct {
	text string
	hits atomic.Int64
}

// ReplyCache stores generated replies keyed by a hash of the conversation and
// prompt, so repeated identical prompts skip the provider entirely. Expired
// entries are removed by the maintenance scheduler, not a background janitor.
type ReplyCache struct {
	c   *gocache.Cache
	ttl time.Duration
}

// NewReplyCache creates a reply cache with the given TTL. A non-positive TTL
// falls back to the default.
func NewReplyCache(ttl time.Duration) *ReplyCache {
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	// Cleanup interval 0 disables go-cache's janitor; CleanupExpired is
	// driven externally so eviction timing stays observable.
	return &ReplyCache{c: gocache.New(ttl, 0), ttl: ttl}
}

// ReplyKey derives the cache key from the conversation and prompt text.
func ReplyKey(conversationID, prompt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", conversationID, Normalize(prompt))))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached reply for a key and increments its hit count.
func (r *ReplyCache) Get(key string) (CachedReply, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return CachedReply{}, false
	}
	entry := v.(*replyEntry)
	hits := entry.hits.Add(1)
	slog.Debug("cache.ReplyCache.Get: hit", "key", key[:16], "hits", hits)
	return CachedReply{Text: entry.text, HitCount: hits}, true
}

// Put stores a generated reply under the key with the configured TTL.
func (r *ReplyCache) Put(key, text string) {
	r.c.Set(key, &replyEntry{text: text}, gocache.DefaultExpiration)
	slog.Debug("cache.ReplyCache.Put: stored", "key", key[:16], "ttl", r.ttl)
}

// Len reports the number of entries, including not-yet-evicted expired ones.
func (r *ReplyCache) Len() int {
	return r.c.ItemCount()
}

// CleanupExpired removes expired entries. Returns the number of entries
// remaining afterwards.
func (r *ReplyCache) CleanupExpired() int {
	before := r.c.ItemCount()
	r.c.DeleteExpired()
	after := r.c.ItemCount()
	if removed := before - after; removed > 0 {
		slog.Info("cache.ReplyCache.CleanupExpired: removed expired entries", "removed", removed, "remaining", after)
	}
	return after
}
