// internal/lobby/registry.go
package lobby

import "sync"

// Binding identifies the player a connection handle speaks for.
type Binding struct {
	LobbyID  string
	PlayerID string
}

// Registry tracks which connection handle currently belongs to which player. It lives only
// in memory: after a restart every player must reconnect, and "online" is best-effort.
// A player has at most one current handle; binding a new one retires the old.
type Registry struct {
	mu       sync.Mutex
	byHandle map[string]Binding
	byPlayer map[Binding]string
}

func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[string]Binding),
		byPlayer: make(map[Binding]string),
	}
}

// Bind associates handle with b and returns the handle it replaced, if any.
func (r *Registry) Bind(handle string, b Binding) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// a handle speaks for one player at a time
	if prev, ok := r.byHandle[handle]; ok && prev != b {
		if r.byPlayer[prev] == handle {
			delete(r.byPlayer, prev)
		}
	}
	if old, ok := r.byPlayer[b]; ok && old != handle {
		delete(r.byHandle, old)
		replaced = old
	}
	r.byHandle[handle] = b
	r.byPlayer[b] = handle
	return replaced
}

// Lookup returns the binding for handle.
func (r *Registry) Lookup(handle string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byHandle[handle]
	return b, ok
}

// Current returns the handle presently bound to the player.
func (r *Registry) Current(b Binding) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byPlayer[b]
	return h, ok
}

// Unbind removes handle. It reports false if handle was not bound to b any more, which
// happens when the player reconnected on a newer handle in the meantime.
func (r *Registry) Unbind(handle string, b Binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byHandle[handle]
	if !ok || cur != b {
		return false
	}
	delete(r.byHandle, handle)
	if r.byPlayer[b] == handle {
		delete(r.byPlayer, b)
	}
	return true
}

// Len returns the number of bound handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
