// Package identity assigns the opaque, unsigned 32-bit user_id every
// connected peer is identified by. It is the Peer Identity Source leaf
// component from the spec: trivial in concept, but the one place I6
// (pairwise-distinct live ids) has to be actively enforced rather than
// just hoped for.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// InUseChecker reports whether a candidate user_id is already held by a
// connected peer. internal/signaling backs this with its live connection
// table (not the lobby Registry, since a Connected peer has no lobby
// yet).
type InUseChecker func(candidate uint32) bool

// maxAttempts bounds the retry loop; at the spec's stated scale (at most
// 4096 peers per lobby, 1024 lobbies) a collision against a uniform
// random uint32 is astronomically unlikely, so hitting this bound
// indicates the checker itself is broken, not bad luck.
const maxAttempts = 64

// Generate returns a fresh user_id guaranteed (by inUse) not to collide
// with any currently-connected peer. Zero is never returned, since the
// wire protocol reserves id 0 to mean "no peer".
func Generate(inUse InUseChecker) (uint32, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := randomUint32()
		if err != nil {
			return 0, fmt.Errorf("generate user_id: %w", err)
		}
		if id == 0 {
			continue
		}
		if inUse == nil || !inUse(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("generate user_id: exhausted %d attempts against a saturated id space", maxAttempts)
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
