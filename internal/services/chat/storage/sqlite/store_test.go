package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func appendMessage(t *testing.T, store *Store, channelID string, seq int64, sender, body string) {
	t.Helper()
	err := store.AppendMessage(context.Background(), storage.Message{
		ID:        "msg-test",
		ChannelID: channelID,
		Seq:       seq,
		SenderID:  sender,
		Body:      body,
		SentAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append seq %d: %v", seq, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAppendAndList(t *testing.T) {
	store := openTestStore(t)

	appendMessage(t, store, "lounge:lounge", 1, "alice", "hello")
	appendMessage(t, store, "lounge:lounge", 2, "bob", "hey")
	appendMessage(t, store, "event:ev-1", 1, "alice", "separate channel")

	messages, err := store.ListMessages(context.Background(), "lounge:lounge", 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Seq != 1 || messages[1].Seq != 2 {
		t.Fatalf("expected ascending sequence, got %d then %d", messages[0].Seq, messages[1].Seq)
	}
	if messages[0].Body != "hello" || messages[0].SenderID != "alice" {
		t.Fatalf("unexpected first message %+v", messages[0])
	}

	since, err := store.ListMessages(context.Background(), "lounge:lounge", 1, 0)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 1 || since[0].Seq != 2 {
		t.Fatalf("expected only seq 2, got %+v", since)
	}
}

func TestAppendRejectsDuplicateSequence(t *testing.T) {
	store := openTestStore(t)
	appendMessage(t, store, "lounge:lounge", 1, "alice", "first")

	err := store.AppendMessage(context.Background(), storage.Message{
		ID:        "msg-dup",
		ChannelID: "lounge:lounge",
		Seq:       1,
		SenderID:  "bob",
		Body:      "colliding",
		SentAt:    time.Now(),
	})
	if !errors.Is(err, storage.ErrDuplicateSequence) {
		t.Fatalf("expected duplicate sequence error, got %v", err)
	}
}

func TestMaxSequence(t *testing.T) {
	store := openTestStore(t)

	max, err := store.MaxSequence(context.Background(), "lounge:lounge")
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if max != 0 {
		t.Fatalf("expected 0 for empty channel, got %d", max)
	}

	appendMessage(t, store, "lounge:lounge", 1, "alice", "one")
	appendMessage(t, store, "lounge:lounge", 2, "alice", "two")

	max, err = store.MaxSequence(context.Background(), "lounge:lounge")
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if max != 2 {
		t.Fatalf("expected 2, got %d", max)
	}
}

func TestListMessagesBefore(t *testing.T) {
	store := openTestStore(t)
	for seq := int64(1); seq <= 5; seq++ {
		appendMessage(t, store, "event:ev-1", seq, "alice", "msg")
	}

	page, err := store.ListMessagesBefore(context.Background(), "event:ev-1", 5, 2)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Fatalf("expected seqs [3 4], got %+v", page)
	}
}

func TestListDirectChannels(t *testing.T) {
	store := openTestStore(t)
	appendMessage(t, store, "direct:alice:bob", 1, "alice", "hi bob")
	appendMessage(t, store, "direct:alice:zoe", 1, "zoe", "hi alice")
	appendMessage(t, store, "direct:bob:zoe", 1, "bob", "no alice here")
	appendMessage(t, store, "lounge:lounge", 1, "alice", "not direct")

	channels, err := store.ListDirectChannels(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list direct channels: %v", err)
	}
	want := []string{"direct:alice:bob", "direct:alice:zoe"}
	if len(channels) != len(want) {
		t.Fatalf("expected %v, got %v", want, channels)
	}
	for i := range want {
		if channels[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, channels)
		}
	}
}

func TestSequencePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	appendMessage(t, store, "lounge:lounge", 1, "alice", "before restart")
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	max, err := reopened.MaxSequence(context.Background(), "lounge:lounge")
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if max != 1 {
		t.Fatalf("expected sequence to survive reopen, got %d", max)
	}
}
