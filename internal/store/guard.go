package store

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCooldown is how long a conversation counts as just completed.
const DefaultCooldown = 5 * time.Second

// Guard remembers conversations that just finished streaming. While a mark
// is live, restoring that conversation from the server is skipped. The mark
// is a soft lock: it expires on its own and is never released explicitly by
// the streaming path.
type Guard struct {
	cache *cache.Cache
}

// NewGuard creates a guard whose marks live for ttl.
func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultCooldown
	}
	return &Guard{cache: cache.New(ttl, 2*ttl)}
}

// Mark starts the cooldown window for a conversation.
func (g *Guard) Mark(conversationID string) {
	g.cache.Set(conversationID, struct{}{}, cache.DefaultExpiration)
}

// Active reports whether the conversation is inside its cooldown window.
func (g *Guard) Active(conversationID string) bool {
	_, found := g.cache.Get(conversationID)
	return found
}
