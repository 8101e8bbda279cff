// Package protocol defines the wh00t chat envelope and the newline-delimited
// JSON codec used on every client connection.
package protocol

import "strings"

// Profile classifies a connection as a human chat client or a service.
type Profile string

const (
	// ProfileApp marks service clients such as bots and bridges.
	ProfileApp Profile = "app"
	// ProfileUser marks human chat clients.
	ProfileUser Profile = "user"
	// ProfileInit is the placeholder profile of a connection that has not
	// completed a handshake yet.
	ProfileInit Profile = "init:user"
)

// Normalize maps the transient init profile onto ProfileUser. Registered
// connections are always either app or user.
func (p Profile) Normalize() Profile {
	if p == ProfileApp {
		return ProfileApp
	}
	return ProfileUser
}

// Audience restricts which registered profiles receive an envelope.
type Audience int

const (
	// AudienceAll delivers to every registered connection.
	AudienceAll Audience = iota
	// AudienceApps delivers to app connections only. On the wire it is
	// encoded as the "debug:" category prefix.
	AudienceApps
	// AudienceHumans delivers to user connections only.
	AudienceHumans
)

func (a Audience) String() string {
	switch a {
	case AudienceApps:
		return "apps"
	case AudienceHumans:
		return "humans"
	default:
		return "all"
	}
}

// Admits reports whether a connection with the given profile may receive an
// envelope addressed to this audience.
func (a Audience) Admits(p Profile) bool {
	switch a {
	case AudienceApps:
		return p == ProfileApp
	case AudienceHumans:
		return p == ProfileUser
	default:
		return true
	}
}

// DebugPrefix is the category prefix that marks app-only envelopes on the wire.
const DebugPrefix = "debug:"

// Categories used by the server. Clients may send any category; chat
// messages conventionally use CategoryChatMessage.
const (
	CategoryChatMessage    = "chat_message"
	CategoryClientConnect  = "client_connect"
	CategoryClientIntro    = "client_intro"
	CategoryBroadcastIntro = "broadcast_intro"
	CategoryBroadcastExit  = "broadcast_exit"
	CategoryMessageHistory = "message_history"
	CategoryClientExit     = "client_exit"
)

// Payloads of the envelopes that bracket a history replay.
const (
	HistoryStart = "history_start"
	HistoryEnd   = "history_end"
)

// Envelope is one chat protocol message. Values are treated as immutable once
// built; copy and modify to derive a new one.
type Envelope struct {
	// SenderID is the server identity or a client handle. In a handshake it
	// carries the requested username.
	SenderID string
	Profile  Profile
	Category string
	Payload  string
	// Time is a display timestamp, stamped by the server on system notices.
	Time     string
	Audience Audience
}

// IsHandshake reports whether the envelope requests (re)registration.
func (e Envelope) IsHandshake() bool {
	return e.Payload == ""
}

// wireCategory returns the category as written on the wire.
func (e Envelope) wireCategory() string {
	if e.Audience == AudienceApps && !strings.HasPrefix(e.Category, DebugPrefix) {
		return DebugPrefix + e.Category
	}
	return e.Category
}
