// Package directory consumes the platform's identity and relationship
// authority. The chat core treats this state as a read-only oracle: it never
// owns users, RSVPs, relationships, or event dates.
package directory

import (
	"context"
	"time"
)

// Relationship describes the social facts between two users. A block in
// either direction supersedes friendship for access decisions.
type Relationship struct {
	Friend     bool
	BlockedByA bool
	BlockedByB bool
}

// Blocked reports whether either side has blocked the other.
func (r Relationship) Blocked() bool {
	return r.BlockedByA || r.BlockedByB
}

// Provider resolves identity and relationship facts on demand.
//
// Calls may cross the network and sit on the critical path of join and
// publish; callers must not hold channel locks while waiting.
type Provider interface {
	// Authenticate resolves an access token to a user id. An empty token or
	// inactive session yields an error.
	Authenticate(ctx context.Context, accessToken string) (string, error)

	// RSVPStatus reports whether the user holds an accepted RSVP for the event.
	RSVPStatus(ctx context.Context, userID string, eventID string) (bool, error)

	// Relationship returns the social facts between userA and userB, with
	// BlockedByA/BlockedByB oriented to the argument order.
	Relationship(ctx context.Context, userA string, userB string) (Relationship, error)

	// EventDate returns the scheduled date of an event.
	EventDate(ctx context.Context, eventID string) (time.Time, error)
}
