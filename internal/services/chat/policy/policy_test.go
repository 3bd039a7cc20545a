package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatherhall/gatherhall/internal/services/chat/channel"
	"github.com/gatherhall/gatherhall/internal/services/chat/directory"
)

type fakeDirectory struct {
	rsvps         map[string]bool // "user/event" -> rsvped
	relationships map[string]directory.Relationship
	eventDates    map[string]time.Time
	err           error
}

func (f *fakeDirectory) Authenticate(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeDirectory) RSVPStatus(_ context.Context, userID, eventID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.rsvps[userID+"/"+eventID], nil
}

func (f *fakeDirectory) Relationship(_ context.Context, userA, userB string) (directory.Relationship, error) {
	if f.err != nil {
		return directory.Relationship{}, f.err
	}
	return f.relationships[userA+"/"+userB], nil
}

func (f *fakeDirectory) EventDate(_ context.Context, eventID string) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	date, ok := f.eventDates[eventID]
	if !ok {
		return time.Time{}, errors.New("event not found")
	}
	return date, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func mustEvent(t *testing.T, id string) channel.Ref {
	t.Helper()
	ref, err := channel.Event(id)
	if err != nil {
		t.Fatalf("event ref: %v", err)
	}
	return ref
}

func mustDirect(t *testing.T, a, b string) channel.Ref {
	t.Helper()
	ref, err := channel.Direct(a, b)
	if err != nil {
		t.Fatalf("direct ref: %v", err)
	}
	return ref
}

func TestLoungeRequiresAuthenticationOnly(t *testing.T) {
	resolver := NewResolver(&fakeDirectory{}, fixedNow)

	verdict, err := resolver.Resolve(context.Background(), channel.Lounge(), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !verdict.Read || !verdict.Write {
		t.Fatalf("expected read+write for authenticated user, got %+v", verdict)
	}

	verdict, err = resolver.Resolve(context.Background(), channel.Lounge(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !verdict.Denied() || verdict.Reason != ReasonNotAuthenticated {
		t.Fatalf("expected not_authenticated deny, got %+v", verdict)
	}
}

func TestEventGating(t *testing.T) {
	dir := &fakeDirectory{
		rsvps: map[string]bool{"alice/ev-1": true},
		eventDates: map[string]time.Time{
			"ev-1": fixedNow().Add(24 * time.Hour), // tomorrow
		},
	}
	resolver := NewResolver(dir, fixedNow)
	ref := mustEvent(t, "ev-1")

	tests := []struct {
		name   string
		user   string
		read   bool
		write  bool
		reason Reason
	}{
		{"rsvped user", "alice", true, true, ReasonNone},
		{"authenticated without rsvp", "bob", false, false, ReasonNotRSVPed},
		{"unauthenticated", "", false, false, ReasonNotAuthenticated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := resolver.Resolve(context.Background(), ref, tc.user)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if verdict.Read != tc.read || verdict.Write != tc.write || verdict.Reason != tc.reason {
				t.Fatalf("expected {%v %v %q}, got %+v", tc.read, tc.write, tc.reason, verdict)
			}
		})
	}
}

func TestEventArchivalIsReadOnlyForEveryone(t *testing.T) {
	dir := &fakeDirectory{
		rsvps: map[string]bool{"alice/ev-old": true},
		eventDates: map[string]time.Time{
			"ev-old": fixedNow().Add(-3 * 24 * time.Hour),
		},
	}
	resolver := NewResolver(dir, fixedNow)
	ref := mustEvent(t, "ev-old")

	for _, user := range []string{"alice", "bob", ""} {
		verdict, err := resolver.Resolve(context.Background(), ref, user)
		if err != nil {
			t.Fatalf("resolve for %q: %v", user, err)
		}
		if !verdict.Read || verdict.Write || verdict.Reason != ReasonArchived {
			t.Fatalf("expected archived read-only for %q, got %+v", user, verdict)
		}
	}
}

func TestEventArchivalBoundary(t *testing.T) {
	dir := &fakeDirectory{
		rsvps: map[string]bool{"alice/ev-edge": true},
		eventDates: map[string]time.Time{
			"ev-edge": fixedNow().Add(-ArchiveWindow), // exactly at the boundary
		},
	}
	resolver := NewResolver(dir, fixedNow)

	// now == date + window is still live; the room archives strictly after.
	verdict, err := resolver.Resolve(context.Background(), mustEvent(t, "ev-edge"), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !verdict.Write {
		t.Fatalf("expected writable at archival boundary, got %+v", verdict)
	}

	later := NewResolver(dir, func() time.Time { return fixedNow().Add(time.Second) })
	verdict, err = later.Resolve(context.Background(), mustEvent(t, "ev-edge"), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if verdict.Write || verdict.Reason != ReasonArchived {
		t.Fatalf("expected archived just past boundary, got %+v", verdict)
	}
}

func TestDirectBlockDeniesBothMembers(t *testing.T) {
	dir := &fakeDirectory{
		relationships: map[string]directory.Relationship{
			"alice/bob": {BlockedByA: true},
		},
	}
	resolver := NewResolver(dir, fixedNow)
	ref := mustDirect(t, "bob", "alice")

	for _, user := range []string{"alice", "bob"} {
		verdict, err := resolver.Resolve(context.Background(), ref, user)
		if err != nil {
			t.Fatalf("resolve for %q: %v", user, err)
		}
		if !verdict.Denied() || verdict.Reason != ReasonBlocked {
			t.Fatalf("expected blocked deny for %q, got %+v", user, verdict)
		}
	}
}

func TestDirectAllowsNonFriends(t *testing.T) {
	resolver := NewResolver(&fakeDirectory{}, fixedNow)
	verdict, err := resolver.Resolve(context.Background(), mustDirect(t, "alice", "bob"), "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !verdict.Read || !verdict.Write {
		t.Fatalf("expected read+write without friendship, got %+v", verdict)
	}
}

func TestDirectRejectsThirdParty(t *testing.T) {
	resolver := NewResolver(&fakeDirectory{}, fixedNow)
	verdict, err := resolver.Resolve(context.Background(), mustDirect(t, "alice", "bob"), "mallory")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !verdict.Denied() || verdict.Reason != ReasonNotParticipant {
		t.Fatalf("expected not_participant deny, got %+v", verdict)
	}
}

func TestDirectoryFailureSurfacesAsError(t *testing.T) {
	resolver := NewResolver(&fakeDirectory{err: errors.New("directory down")}, fixedNow)
	if _, err := resolver.Resolve(context.Background(), mustDirect(t, "alice", "bob"), "alice"); err == nil {
		t.Fatal("expected provider error, not a verdict")
	}
}
