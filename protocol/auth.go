package protocol

import (
	"context"
	"sync"

	"github.com/flashbots/techmap/crypto"
)

// StaticAuthenticator accepts a fixed, mutable set of producer keys.
type StaticAuthenticator struct {
	mu   sync.RWMutex
	keys map[string]bool
}

func NewStaticAuthenticator(keys ...crypto.PublicKey) *StaticAuthenticator {
	a := &StaticAuthenticator{keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		a.keys[k.String()] = true
	}
	return a
}

func (a *StaticAuthenticator) Add(key crypto.PublicKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key.String()] = true
}

func (a *StaticAuthenticator) Remove(key crypto.PublicKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key.String())
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, signer crypto.PublicKey) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.keys[signer.String()] {
		return Errorf(ErrUnauthenticated, "unknown producer")
	}
	return nil
}
