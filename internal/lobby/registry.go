package lobby

import (
	"sync"
	"time"
)

// DestroyedFunc is called once, outside the Registry's lock, whenever a
// lobby is torn down — by its seal-grace timer firing or by opportunistic
// empty-lobby cleanup. The Connection Handler layer uses this to close the
// remaining members' connections.
type DestroyedFunc func(name string, peers []uint32)

// Registry is the single process-wide, mutable mapping from lobby name to
// Lobby described by the spec. All structural mutations are serialized
// behind one mutex; no network I/O or channel send ever happens while
// that mutex is held.
type Registry struct {
	mu          sync.Mutex
	lobbies     map[string]*lobby
	timers      map[string]*time.Timer
	maxLobbies  int
	maxPeers    int
	sealGrace   time.Duration
	onDestroyed DestroyedFunc
	now         func() time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLimits overrides MAX_LOBBIES and MAX_PEERS.
func WithLimits(maxLobbies, maxPeers int) Option {
	return func(r *Registry) {
		r.maxLobbies = maxLobbies
		r.maxPeers = maxPeers
	}
}

// WithSealGrace overrides the seal-to-destruction grace period; tests use
// this to avoid sleeping 10 real seconds.
func WithSealGrace(d time.Duration) Option {
	return func(r *Registry) { r.sealGrace = d }
}

// WithDestroyedFunc registers the callback invoked when a lobby is torn
// down, whether by timer or by opportunistic empty-lobby cleanup.
func WithDestroyedFunc(fn DestroyedFunc) Option {
	return func(r *Registry) { r.onDestroyed = fn }
}

// NewRegistry builds an empty Registry with the spec's default limits,
// overridable via Option.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		lobbies:    make(map[string]*lobby),
		timers:     make(map[string]*time.Timer),
		maxLobbies: DefaultMaxLobbies,
		maxPeers:   DefaultMaxPeers,
		sealGrace:  SealGrace,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join implements the create-or-join decision: if name is absent and
// there is capacity, a new lobby is created with user as owner; if
// present, unsealed, and under capacity, user is appended. A second JOIN
// from a peer already in this lobby is idempotent success; naming a
// different lobby while already a member of one is ErrAlreadyJoined.
func (r *Registry) Join(name string, user uint32) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingName, ok := r.lookupLobbyOfLocked(user); ok {
		if existingName != name {
			return Snapshot{}, ErrAlreadyJoined
		}
		return r.lobbies[existingName].snapshot(), nil
	}

	l, ok := r.lobbies[name]
	if !ok {
		if len(r.lobbies) >= r.maxLobbies {
			return Snapshot{}, ErrMaxLobbiesReached
		}
		l = newLobby(name, user)
		r.lobbies[name] = l
		return l.snapshot(), nil
	}

	if l.sealed {
		return Snapshot{}, ErrLobbySealed
	}
	if len(l.peers) >= r.maxPeers {
		return Snapshot{}, ErrMaxPeersReached
	}
	l.addPeer(user)
	return l.snapshot(), nil
}

// Leave removes user from name's peer list. If the lobby is now empty and
// unsealed, it is destroyed immediately (the opportunistic-cleanup rule);
// a sealed lobby is left for its destruction timer regardless of
// membership.
func (r *Registry) Leave(name string, user uint32) error {
	r.mu.Lock()

	l, ok := r.lobbies[name]
	if !ok {
		r.mu.Unlock()
		return ErrLobbyNotFound
	}
	if !l.removePeer(user) {
		r.mu.Unlock()
		return ErrNotAMember
	}

	if !l.sealed && len(l.peers) == 0 {
		delete(r.lobbies, name)
		r.mu.Unlock()
		if r.onDestroyed != nil {
			r.onDestroyed(name, nil)
		}
		return nil
	}

	r.mu.Unlock()
	return nil
}

// Seal marks name sealed and schedules its destruction after the seal
// grace period. Only the lobby's owner may seal it; a second SEAL by the
// owner is idempotent success, and SEAL by anyone else is
// ErrNotAuthorized regardless of the current sealed state.
//
// The returned bool reports whether this call performed the sealing
// transition (false on the idempotent no-op path), so callers can tell
// whether a "sealed" notification should go out to the lobby.
func (r *Registry) Seal(name string, user uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[name]
	if !ok {
		return false, ErrLobbyNotFound
	}
	if l.owner != user {
		return false, ErrNotAuthorized
	}
	if l.sealed {
		return false, nil
	}

	l.sealed = true
	r.scheduleDestructionLocked(name)
	return true, nil
}

// Destroy removes name unconditionally. Used by the destruction timer;
// ErrLobbyNotFound is expected and absorbed if the lobby already emptied
// out and nothing else had removed the (now moot) timer.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()

	l, ok := r.lobbies[name]
	if !ok {
		r.mu.Unlock()
		return ErrLobbyNotFound
	}
	delete(r.lobbies, name)
	delete(r.timers, name)
	peers := l.snapshot().Peers
	r.mu.Unlock()

	if r.onDestroyed != nil {
		r.onDestroyed(name, peers)
	}
	return nil
}

// Members returns the ordered peer list of name.
func (r *Registry) Members(name string) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[name]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return l.snapshot().Peers, nil
}

// LookupLobbyOf returns the name of the lobby user currently belongs to,
// if any.
func (r *Registry) LookupLobbyOf(user uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLobbyOfLocked(user)
}

func (r *Registry) lookupLobbyOfLocked(user uint32) (string, bool) {
	for name, l := range r.lobbies {
		if l.hasPeer(user) {
			return name, true
		}
	}
	return "", false
}

// Snapshot returns a point-in-time copy of name's state, for callers that
// just need to read (e.g. the relay path checking lobby membership).
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[name]
	if !ok {
		return Snapshot{}, ErrLobbyNotFound
	}
	return l.snapshot(), nil
}

// Len reports the number of live lobbies, for tests asserting I1.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lobbies)
}

// scheduleDestructionLocked must be called with r.mu held.
func (r *Registry) scheduleDestructionLocked(name string) {
	if existing, ok := r.timers[name]; ok {
		existing.Stop()
	}
	r.timers[name] = time.AfterFunc(r.sealGrace, func() {
		_ = r.Destroy(name)
	})
}
