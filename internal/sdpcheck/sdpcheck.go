// Package sdpcheck is a best-effort structural sanity check over the
// opaque SDP/ICE payloads the signaling core relays. The core does not
// need to understand WebRTC's session description protocol — it only
// forwards bytes between peers — but rejecting an obviously malformed
// OFFER/ANSWER at the server with bad_request gives the sender a much
// clearer signal than letting it confuse the receiving peer's WebRTC
// stack instead.
package sdpcheck

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrMalformed is returned when a payload fails its sanity check.
var ErrMalformed = fmt.Errorf("malformed signaling payload")

// Offer and Answer both validate as a full SDP session description: the
// relay path doesn't care which one it is, since the opcode (not the
// body) is what distinguishes them on the wire.

// ValidateSessionDescription parses payload as an SDP session
// description, returning ErrMalformed if it does not parse.
func ValidateSessionDescription(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ValidateCandidate applies a light structural check to an ICE candidate
// payload: it must look like an "a=candidate:..." attribute line (the
// "a=" prefix is optional, matching both the raw RTCIceCandidate.candidate
// string and the full SDP attribute line some clients send).
func ValidateCandidate(payload string) error {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		// An empty candidate string is how WebRTC signals "end of
		// candidates"; it is valid, not malformed.
		return nil
	}
	trimmed = strings.TrimPrefix(trimmed, "a=")
	if !strings.HasPrefix(trimmed, "candidate:") {
		return fmt.Errorf("%w: candidate payload missing \"candidate:\" prefix", ErrMalformed)
	}
	return nil
}
