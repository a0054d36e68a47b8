package lobby

import "sync"

// LobbyGuard owns a registered lobby. Releasing it removes the lobby and ends
// every client attached to it.
type LobbyGuard struct {
	r        *Registry
	lobby    *Lobby
	replaced bool
	once     sync.Once
}

func (g *LobbyGuard) Lobby() *Lobby { return g.lobby }

// Replaced reports whether registering this lobby displaced an earlier one
// with the same key.
func (g *LobbyGuard) Replaced() bool { return g.replaced }

// Release schedules removal of the lobby. It never blocks and is safe to call
// more than once.
func (g *LobbyGuard) Release() {
	g.once.Do(func() {
		g.r.spawn(func() { g.r.removeLobby(g.lobby) })
	})
}

// ClientGuard owns one client slot in a lobby.
type ClientGuard struct {
	r     *Registry
	key   Key
	lobby *Lobby
	id    int32
	once  sync.Once
}

func (g *ClientGuard) ID() int32 { return g.id }

// Key is the key of the lobby the client joined.
func (g *ClientGuard) Key() Key { return g.key }

// Release schedules removal of the client from its lobby. It is a no-op once
// the lobby is gone. Safe to call more than once.
func (g *ClientGuard) Release() {
	g.once.Do(func() {
		g.r.spawn(func() { g.r.removeClient(g.lobby, g.id) })
	})
}
