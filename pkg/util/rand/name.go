// Package rand generates human-readable random names, used as MQTT
// client-id suffixes so concurrent instances don't evict each other's
// broker sessions.
package rand

import (
	"fmt"
	mrand "math/rand"
)

var adjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager",
	"faint", "gentle", "humid", "idle", "keen",
	"level", "mild", "noisy", "pale", "quiet",
	"rapid", "steady", "tepid", "vivid", "warm",
}

var rooms = []string{
	"atrium", "basement", "corridor", "dock", "foyer",
	"gallery", "hall", "lab", "lobby", "loft",
	"office", "plaza", "rooftop", "stairwell", "studio",
	"terrace", "vault", "wing", "workshop", "yard",
}

// NewName returns a short adjective-noun name with a numeric tail, e.g.
// "quiet-lobby-42".
func NewName() string {
	adj := adjectives[mrand.Intn(len(adjectives))]
	room := rooms[mrand.Intn(len(rooms))]
	return fmt.Sprintf("%s-%s-%d", adj, room, mrand.Intn(100))
}
