// Package lobby tracks announced lobbies and the clients attached to them.
//
// Lock order is registry before lobby. Lookups take the registry read lock;
// registering and removing lobbies take the write lock. Each Lobby guards its
// own client map, id allocator and closed flag.
package lobby

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
)

// Spawner runs fn asynchronously. Guards use it so that Release never blocks
// the connection handler that calls it.
type Spawner func(fn func())

func goSpawner(fn func()) { go fn() }

type Options struct {
	Duplicate DuplicatePolicy
	// Spawner defaults to starting a goroutine.
	Spawner Spawner
}

type Registry struct {
	policy  DuplicatePolicy
	spawner Spawner
	pending sync.WaitGroup

	mu      sync.RWMutex
	lobbies map[Key]*Lobby
}

func NewRegistry(opts Options) *Registry {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = goSpawner
	}
	return &Registry{
		policy:  opts.Duplicate,
		spawner: spawner,
		lobbies: make(map[Key]*Lobby),
	}
}

func (r *Registry) Policy() DuplicatePolicy { return r.policy }

// RegisterLobby announces a lobby whose host receives on hostCh. The returned
// guard must be held for as long as the host connection lives.
func (r *Registry) RegisterLobby(key Key, hostCh *fanout.Channel) (*LobbyGuard, error) {
	l := newLobby(key, hostCh)

	r.mu.Lock()
	_, replaced := r.lobbies[key]
	if replaced && r.policy == DuplicateReject {
		r.mu.Unlock()
		return nil, ErrLobbyExists
	}
	r.lobbies[key] = l
	r.mu.Unlock()

	return &LobbyGuard{r: r, lobby: l, replaced: replaced}, nil
}

func (r *Registry) Lookup(key Key) (*Lobby, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.lobbies[key]
	return l, ok
}

// AddClient attaches a client receiving on clientCh to l and allocates its
// id. Ids start at wire.FirstClientID and are never reused within a lobby.
func (r *Registry) AddClient(l *Lobby, clientCh *fanout.Channel) (int32, *ClientGuard, error) {
	id, err := l.addClient(clientCh)
	if err != nil {
		return 0, nil, err
	}
	return id, &ClientGuard{r: r, key: l.key, lobby: l, id: id}, nil
}

// Stats counts registered lobbies and the clients attached to them.
func (r *Registry) Stats() (lobbies, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.lobbies {
		clients += l.clientCount()
	}
	return len(r.lobbies), clients
}

// Wait blocks until every finalizer enqueued by a guard release has run.
func (r *Registry) Wait() {
	r.pending.Wait()
}

func (r *Registry) spawn(fn func()) {
	r.pending.Add(1)
	r.spawner(func() {
		defer r.pending.Done()
		fn()
	})
}

// removeLobby drops l from the map only when the map still holds l, so a host
// that was replaced does not unregister its successor. l itself is always
// closed.
func (r *Registry) removeLobby(l *Lobby) {
	r.mu.Lock()
	if cur, ok := r.lobbies[l.key]; ok && cur == l {
		delete(r.lobbies, l.key)
	}
	r.mu.Unlock()
	l.close()
}

func (r *Registry) removeClient(l *Lobby, id int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return l.removeClient(id)
}
