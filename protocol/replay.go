package protocol

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// maxClockSkew tolerates tokens issued slightly in the future.
const maxClockSkew = 30 * time.Second

// ReplayGuard admits every nonce at most once within its TTL. Nonces older
// than the TTL are rejected as expired, so forgetting them after the TTL
// keeps the set bounded without reopening replays.
type ReplayGuard struct {
	ttl time.Duration

	mu        sync.Mutex
	seen      map[[32]byte]time.Time
	lastPrune time.Time
}

func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		ttl:  ttl,
		seen: make(map[[32]byte]time.Time),
	}
}

// Admit checks freshness and inserts the nonce if absent.
func (g *ReplayGuard) Admit(nonce []byte, issuedAt time.Time, now time.Time) error {
	if len(nonce) < 16 {
		return Errorf(ErrMalformedRequest, "nonce too short")
	}
	if issuedAt.IsZero() || now.Sub(issuedAt) > g.ttl {
		return ErrExpiredToken
	}
	if issuedAt.Sub(now) > maxClockSkew {
		return ErrExpiredToken
	}

	digest := blake3.Sum256(nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(now)
	if _, ok := g.seen[digest]; ok {
		return ErrReplayedToken
	}
	g.seen[digest] = issuedAt
	return nil
}

// Len returns the number of remembered nonces.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	if now.Sub(g.lastPrune) < g.ttl/2 {
		return
	}
	g.lastPrune = now
	for digest, issuedAt := range g.seen {
		if now.Sub(issuedAt) > g.ttl {
			delete(g.seen, digest)
		}
	}
}
