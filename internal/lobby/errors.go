package lobby

import "errors"

var (
	// ErrLobbyExists is returned by RegisterLobby under DuplicateReject when
	// the key is already announced.
	ErrLobbyExists = errors.New("lobby already announced")
	// ErrLobbyClosed is returned when a client tries to join a lobby whose host
	// has gone away. Callers treat it like a missing lobby.
	ErrLobbyClosed        = errors.New("lobby closed")
	ErrClientIDsExhausted = errors.New("lobby client ids exhausted")
)
