// Package policy decides who may read and write each channel.
//
// Join and publish both call through Resolve so RSVP, block, and archival
// gating has one source of truth. Verdicts are typed results, not errors:
// a denial is an answer, not a fault.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/gatherhall/gatherhall/internal/services/chat/channel"
	"github.com/gatherhall/gatherhall/internal/services/chat/directory"
)

// ArchiveWindow is how long after its date an event room stays writable.
// Archival is a pure function of wall-clock time, recomputed on every check.
const ArchiveWindow = 48 * time.Hour

// Reason qualifies a verdict that withholds read or write capability.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonBlocked          Reason = "blocked"
	ReasonNotRSVPed        Reason = "not_rsvped"
	ReasonArchived         Reason = "archived"
	ReasonNotParticipant   Reason = "not_participant"
)

// Verdict is the access decision for one user on one channel.
//
// Read without Write is a valid state (archived event rooms). Read=false with
// ReasonNotRSVPed is the recoverable prompt-to-RSVP signal, distinct from a
// hard deny.
type Verdict struct {
	Read   bool
	Write  bool
	Reason Reason
}

// Denied reports a hard denial: neither capability and not the RSVP prompt.
func (v Verdict) Denied() bool {
	return !v.Read && !v.Write && v.Reason != ReasonNotRSVPed
}

// MustRSVP reports the recoverable not-yet-RSVPed state.
func (v Verdict) MustRSVP() bool {
	return v.Reason == ReasonNotRSVPed
}

func allow(read, write bool, reason Reason) Verdict {
	return Verdict{Read: read, Write: write, Reason: reason}
}

func deny(reason Reason) Verdict {
	return Verdict{Reason: reason}
}

// Resolver evaluates channel access against the directory oracle.
type Resolver struct {
	directory directory.Provider
	now       func() time.Time
}

// NewResolver builds a resolver. now defaults to time.Now.
func NewResolver(provider directory.Provider, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{directory: provider, now: now}
}

// Resolve returns the verdict for userID on ref. userID is empty for an
// unauthenticated connection. The directory call may cross the network;
// callers must not hold append locks while resolving.
func (r *Resolver) Resolve(ctx context.Context, ref channel.Ref, userID string) (Verdict, error) {
	if r == nil || r.directory == nil {
		return Verdict{}, fmt.Errorf("policy resolver is not configured")
	}

	switch ref.Kind {
	case channel.KindLounge:
		if userID == "" {
			return deny(ReasonNotAuthenticated), nil
		}
		return allow(true, true, ReasonNone), nil

	case channel.KindEvent:
		return r.resolveEvent(ctx, ref, userID)

	case channel.KindDirect:
		return r.resolveDirect(ctx, ref, userID)

	default:
		return Verdict{}, fmt.Errorf("%w: %q", channel.ErrUnknownKind, ref.Kind)
	}
}

func (r *Resolver) resolveEvent(ctx context.Context, ref channel.Ref, userID string) (Verdict, error) {
	eventID, ok := ref.EventID()
	if !ok {
		return Verdict{}, fmt.Errorf("event channel has malformed key %q", ref.Key)
	}

	date, err := r.directory.EventDate(ctx, eventID)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve event date: %w", err)
	}

	// Archived rooms stay publicly readable forever; nobody writes, RSVP or
	// not. The transition is one-way and lazily observed.
	if r.now().After(date.Add(ArchiveWindow)) {
		return allow(true, false, ReasonArchived), nil
	}

	if userID == "" {
		return deny(ReasonNotAuthenticated), nil
	}

	rsvped, err := r.directory.RSVPStatus(ctx, userID, eventID)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve rsvp status: %w", err)
	}
	if !rsvped {
		return allow(false, false, ReasonNotRSVPed), nil
	}
	return allow(true, true, ReasonNone), nil
}

func (r *Resolver) resolveDirect(ctx context.Context, ref channel.Ref, userID string) (Verdict, error) {
	peerA, peerB, ok := ref.DirectPeers()
	if !ok {
		return Verdict{}, fmt.Errorf("direct channel has malformed key %q", ref.Key)
	}
	if userID == "" {
		return deny(ReasonNotAuthenticated), nil
	}
	if userID != peerA && userID != peerB {
		return deny(ReasonNotParticipant), nil
	}

	rel, err := r.directory.Relationship(ctx, peerA, peerB)
	if err != nil {
		return Verdict{}, fmt.Errorf("resolve relationship: %w", err)
	}
	// A block in either direction revokes the channel for both members.
	// Friendship is not required: the social graph gates discovery, not
	// direct messaging capability.
	if rel.Blocked() {
		return deny(ReasonBlocked), nil
	}
	return allow(true, true, ReasonNone), nil
}
