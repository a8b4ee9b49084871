package auth

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// ReplayCache remembers token ids until their tokens would have expired anyway.
type ReplayCache struct {
	seen *cache.Cache
}

func NewReplayCache(cleanup time.Duration) *ReplayCache {
	return &ReplayCache{seen: cache.New(cache.NoExpiration, cleanup)}
}

// Claim records jti and reports false if it was already claimed.
func (r *ReplayCache) Claim(jti string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.seen.Add(jti, struct{}{}, ttl) == nil
}

func (r *ReplayCache) Len() int {
	return r.seen.ItemCount()
}
