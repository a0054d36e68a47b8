package lobby

import (
	"math"
	"slices"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

// Lobby is one announced host together with its joined clients.
type Lobby struct {
	key  Key
	host *fanout.Channel

	mu      sync.Mutex
	clients map[int32]*fanout.Channel
	nextID  int64
	closed  bool
}

func newLobby(key Key, host *fanout.Channel) *Lobby {
	return &Lobby{
		key:     key,
		host:    host,
		clients: make(map[int32]*fanout.Channel),
		nextID:  int64(wire.FirstClientID),
	}
}

func (l *Lobby) Key() Key { return l.key }

// HostChannel is the channel clients of this lobby send into.
func (l *Lobby) HostChannel() *fanout.Channel { return l.host }

// ClientIDs returns the ids of the clients currently attached, ascending.
func (l *Lobby) ClientIDs() []int32 {
	l.mu.Lock()
	ids := make([]int32, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Closed reports whether the lobby has been torn down.
func (l *Lobby) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Route delivers env to the client with the given id. An unknown id is a
// routing miss and reports (false, nil). A client whose connection is going
// away reports the fanout error.
func (l *Lobby) Route(clientID int32, env wire.RelayEnvelope) (bool, error) {
	l.mu.Lock()
	ch, ok := l.clients[clientID]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := ch.Send(env); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lobby) clientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Lobby) addClient(ch *fanout.Channel) (int32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLobbyClosed
	}
	if l.nextID > math.MaxInt32 {
		return 0, ErrClientIDsExhausted
	}
	id := int32(l.nextID)
	l.nextID++
	l.clients[id] = ch
	return id, nil
}

func (l *Lobby) removeClient(id int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	ch, ok := l.clients[id]
	if !ok {
		return false
	}
	delete(l.clients, id)
	ch.Close()
	return true
}

// close ends the lobby: the host channel and every client channel are closed
// so the attached connections wind down.
func (l *Lobby) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.host.Close()
	for id, ch := range l.clients {
		ch.Close()
		delete(l.clients, id)
	}
}
