package lobby

import "time"

// MAX_LOBBIES and MAX_PEERS are the compiled-in defaults from the spec's
// limits table; internal/config may override them per process.
const (
	DefaultMaxLobbies = 1024
	DefaultMaxPeers   = 4096
	SealGrace         = 10 * time.Second
)

// Snapshot is an immutable value copy of a Lobby's state at the moment it
// was taken. Registry operations hand these back to callers instead of a
// live reference into the map, so a caller can never observe a
// half-mutated Lobby and never needs to take the Registry's lock to read
// one.
type Snapshot struct {
	Name   string
	Owner  uint32
	Peers  []uint32
	Sealed bool
}

// HasPeer reports whether user is present in the snapshot's peer list.
func (s Snapshot) HasPeer(user uint32) bool {
	for _, p := range s.Peers {
		if p == user {
			return true
		}
	}
	return false
}

// lobby is the Registry's internal, mutable record for one rendezvous
// room. It is never handed out directly; Snapshot is the public view.
type lobby struct {
	name   string
	owner  uint32
	peers  []uint32 // ordered set: append-only except for removal by value
	sealed bool
}

func newLobby(name string, owner uint32) *lobby {
	return &lobby{name: name, owner: owner, peers: []uint32{owner}}
}

func (l *lobby) snapshot() Snapshot {
	peers := make([]uint32, len(l.peers))
	copy(peers, l.peers)
	return Snapshot{Name: l.name, Owner: l.owner, Peers: peers, Sealed: l.sealed}
}

func (l *lobby) hasPeer(user uint32) bool {
	for _, p := range l.peers {
		if p == user {
			return true
		}
	}
	return false
}

func (l *lobby) addPeer(user uint32) {
	l.peers = append(l.peers, user)
}

// removePeer deletes user from the ordered set, reporting whether it was
// present. Preserves the relative order of the remaining peers.
func (l *lobby) removePeer(user uint32) bool {
	for i, p := range l.peers {
		if p == user {
			l.peers = append(l.peers[:i], l.peers[i+1:]...)
			return true
		}
	}
	return false
}
