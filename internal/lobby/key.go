package lobby

import (
	"fmt"
	"strings"
)

// Key identifies a lobby. Two keys are equal when both uuids are equal.
type Key struct {
	HostUUID    string
	DesktopUUID string
}

func NewKey(hostUUID, desktopUUID string) Key {
	return Key{HostUUID: hostUUID, DesktopUUID: desktopUUID}
}

func (k Key) String() string {
	return k.HostUUID + "/" + k.DesktopUUID
}

// DuplicatePolicy decides what RegisterLobby does when the key is taken.
type DuplicatePolicy int

const (
	// DuplicateReplace lets the newest host win. The previous host is not
	// told; it keeps relaying to its own clients until it disconnects.
	DuplicateReplace DuplicatePolicy = iota
	// DuplicateReject refuses the second announce with ErrLobbyExists.
	DuplicateReject
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateReplace:
		return "replace"
	case DuplicateReject:
		return "reject"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

func ParseDuplicatePolicy(raw string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "replace":
		return DuplicateReplace, nil
	case "reject":
		return DuplicateReject, nil
	default:
		return 0, fmt.Errorf("invalid duplicate lobby policy %q (expected replace or reject)", raw)
	}
}
