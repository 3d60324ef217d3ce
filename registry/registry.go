// Package registry implements in-memory bec.PrincipalRegistry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/crypto"
)

// ErrAlreadyRegistered is returned when a principal is registered again with a different key.
var ErrAlreadyRegistered = errors.New("principal already registered")

// Registry maps principal ids to their verification keys. It is safe for concurrent use.
type Registry struct {
	keysMu sync.RWMutex
	keys   map[bec.PrincipalID]crypto.PubKey
}

func New() *Registry {
	return &Registry{keys: make(map[bec.PrincipalID]crypto.PubKey)}
}

// Register adds principal with its verification key.
// Registering the same key twice is a no-op.
func (r *Registry) Register(id bec.PrincipalID, key crypto.PubKey) error {
	if id == "" {
		return errors.New("empty principal id")
	}
	if key == nil {
		return fmt.Errorf("nil key for principal(%s)", id)
	}

	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	if known, ok := r.keys[id]; ok {
		if known.Equals(key.Bytes()) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	r.keys[id] = key
	return nil
}

func (r *Registry) Lookup(id bec.PrincipalID) (crypto.PubKey, error) {
	r.keysMu.RLock()
	defer r.keysMu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bec.ErrPrincipalNotFound, id)
	}
	return key, nil
}

// Members lists all registered principals in lexicographical order.
func (r *Registry) Members() []bec.PrincipalID {
	r.keysMu.RLock()
	defer r.keysMu.RUnlock()

	ids := make([]bec.PrincipalID, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.keysMu.RLock()
	defer r.keysMu.RUnlock()
	return len(r.keys)
}
