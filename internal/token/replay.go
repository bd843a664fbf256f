package token

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultReplayTTL = 15 * time.Minute

// ReplayCache remembers recently honored nonces so single-use kinds are
// redeemed at most once per nonce lifetime. It is process-local and
// intentionally non-persistent: a restart forgets nonces, which at worst
// re-admits a scan, never silently drops one.
type ReplayCache struct {
	entries *ttlcache.Cache[string, struct{}]
}

// NewReplayCache constructs a replay cache whose entries expire after ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	entries := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go entries.Start()
	return &ReplayCache{entries: entries}
}

// MarkUsed records the nonce and reports whether this was its first use
// within the cache TTL.
func (r *ReplayCache) MarkUsed(nonce string) bool {
	if nonce == "" {
		return false
	}
	_, alreadySeen := r.entries.GetOrSet(nonce, struct{}{})
	return !alreadySeen
}

// Stop terminates the background expiry loop.
func (r *ReplayCache) Stop() {
	r.entries.Stop()
}
