package provider

import "sync"

// KeyRing hands out API keys round-robin so request load spreads across
// every configured key.
type KeyRing struct {
	mu   sync.Mutex
	keys []string
	next int
}

// NewKeyRing creates a key ring over the given keys. Empty keys are dropped.
func NewKeyRing(keys []string) *KeyRing {
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			kept = append(kept, k)
		}
	}
	return &KeyRing{keys: kept}
}

// Next returns the next key in rotation, or an error when none are configured.
func (r *KeyRing) Next() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", ErrNoAPIKeys
	}

	key := r.keys[r.next]
	r.next = (r.next + 1) % len(r.keys)
	return key, nil
}

// Len returns the number of usable keys.
func (r *KeyRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
