// Package channel defines the identity scheme for chat channels.
//
// A channel is addressed by a kind plus a stable domain key: the unordered
// pair of user ids for a direct conversation, the event id for an event room,
// or the fixed lounge constant. Identity is derived, never allocated — two
// callers computing the same key always resolve to the same channel.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the three channel families.
type Kind string

const (
	KindDirect Kind = "direct"
	KindEvent  Kind = "event"
	KindLounge Kind = "lounge"
)

// LoungeKey is the key of the single system-wide lounge channel.
const LoungeKey = "lounge"

// keySeparator joins the canonical direct pair and the kind/key halves of a
// channel id. User and event ids must not contain it.
const keySeparator = ":"

var (
	ErrEmptyUserID   = errors.New("user id is required")
	ErrEmptyEventID  = errors.New("event id is required")
	ErrSamePeer      = errors.New("direct channel requires two distinct users")
	ErrInvalidID     = errors.New("id must not contain ':'")
	ErrUnknownKind   = errors.New("unknown channel kind")
	ErrInvalidDirect = errors.New("direct key must be two user ids")
)

// Ref addresses one channel.
type Ref struct {
	Kind Kind
	Key  string
}

// Direct returns the canonical channel for an unordered pair of users.
// The pair is sorted so both orderings resolve to the same channel.
func Direct(userA, userB string) (Ref, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return Ref{}, ErrEmptyUserID
	}
	if strings.Contains(userA, keySeparator) || strings.Contains(userB, keySeparator) {
		return Ref{}, ErrInvalidID
	}
	if userA == userB {
		return Ref{}, ErrSamePeer
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return Ref{Kind: KindDirect, Key: userA + keySeparator + userB}, nil
}

// Event returns the channel for an event room. One channel exists per event
// for its entire lifetime; archival never deletes it.
func Event(eventID string) (Ref, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return Ref{}, ErrEmptyEventID
	}
	if strings.Contains(eventID, keySeparator) {
		return Ref{}, ErrInvalidID
	}
	return Ref{Kind: KindEvent, Key: eventID}, nil
}

// Lounge returns the singleton lounge channel.
func Lounge() Ref {
	return Ref{Kind: KindLounge, Key: LoungeKey}
}

// Parse validates transport input into a channel reference. Direct keys are
// re-canonicalized so callers cannot mint a second channel for the same pair.
func Parse(kind string, key string) (Ref, error) {
	switch Kind(strings.TrimSpace(kind)) {
	case KindLounge:
		return Lounge(), nil
	case KindEvent:
		return Event(key)
	case KindDirect:
		parts := strings.Split(strings.TrimSpace(key), keySeparator)
		if len(parts) != 2 {
			return Ref{}, ErrInvalidDirect
		}
		return Direct(parts[0], parts[1])
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ID returns the canonical channel identifier used for storage and routing.
func (r Ref) ID() string {
	return string(r.Kind) + keySeparator + r.Key
}

// DirectPeers returns the two participants of a direct channel.
func (r Ref) DirectPeers() (string, string, bool) {
	if r.Kind != KindDirect {
		return "", "", false
	}
	parts := strings.Split(r.Key, keySeparator)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// EventID returns the event key of an event channel.
func (r Ref) EventID() (string, bool) {
	if r.Kind != KindEvent {
		return "", false
	}
	return r.Key, true
}

// HasDirectPeer reports whether userID is one of a direct channel's pair.
func (r Ref) HasDirectPeer(userID string) bool {
	a, b, ok := r.DirectPeers()
	if !ok {
		return false
	}
	return userID == a || userID == b
}
