package lobby

import "github.com/google/uuid"

// GenerateName returns a fresh, collision-free lobby name: a 128-bit
// random identifier rendered as text, used when a JOIN's data field is
// empty. uuid.NewString already gives birthday-bound-negligible collision
// odds at this module's stated scale (at most 1024 live lobbies), so no
// retry-on-collision loop is needed here (contrast with user_id
// assignment in internal/identity, which does retry against the live
// connection table).
func GenerateName() string {
	return uuid.NewString()
}
