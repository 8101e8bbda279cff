package server

import (
	"strings"

	"github.com/Tyrowin/wh00t/internal/protocol"
)

// Policy decides who may see an envelope and whether it is kept for replay.
type Policy struct {
	// SecretMarker marks a user message as self-destructing.
	SecretMarker string
}

// IsSecret reports whether env is a self-destructing user message. The
// init placeholder counts as a user profile.
func (p Policy) IsSecret(env protocol.Envelope) bool {
	return env.Profile.Normalize() == protocol.ProfileUser &&
		p.SecretMarker != "" &&
		strings.Contains(env.Payload, p.SecretMarker)
}

// Audience returns the effective audience of env. Secret envelopes are
// narrowed to human clients regardless of what the sender asked for.
func (p Policy) Audience(env protocol.Envelope) protocol.Audience {
	if p.IsSecret(env) {
		return protocol.AudienceHumans
	}
	return env.Audience
}

// Deliverable reports whether env has any admissible recipients. A secret
// inside an apps-only envelope has none: apps may not see the secret and
// users may not see the debug traffic.
func (p Policy) Deliverable(env protocol.Envelope) bool {
	return !(env.Audience == protocol.AudienceApps && p.IsSecret(env))
}

// HistoryEligible reports whether env may be appended to and replayed from
// the history buffer.
func (p Policy) HistoryEligible(env protocol.Envelope) bool {
	return env.Profile.Normalize() == protocol.ProfileUser &&
		env.Audience == protocol.AudienceAll &&
		!p.IsSecret(env)
}
