// Package storage defines persistence contracts for the chat message log.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSequence indicates an append collided with an existing
// (channel, sequence) pair. The log treats this as an integrity fault.
var ErrDuplicateSequence = errors.New("duplicate sequence number")

// Message is one immutable entry in a channel's ordered log. Ordering within
// a channel is Seq, not SentAt; wall-clock timestamps are informational.
type Message struct {
	ID        string
	ChannelID string
	Seq       int64
	SenderID  string
	Body      string
	SentAt    time.Time
}

// MessageStore persists per-channel append-only message logs.
type MessageStore interface {
	// AppendMessage persists one message. The caller assigns Seq;
	// ErrDuplicateSequence is returned on a (channel, seq) collision.
	AppendMessage(ctx context.Context, msg Message) error

	// MaxSequence returns the highest sequence number in the channel, or 0
	// for an empty channel.
	MaxSequence(ctx context.Context, channelID string) (int64, error)

	// ListMessages returns messages with Seq > sinceSeq in ascending order.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, channelID string, sinceSeq int64, limit int) ([]Message, error)

	// ListMessagesBefore returns up to limit messages with Seq < beforeSeq,
	// ascending, taken from the newest end of the range.
	ListMessagesBefore(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]Message, error)

	// ListDirectChannels returns the ids of direct channels the user has a
	// log for, ordered by channel id.
	ListDirectChannels(ctx context.Context, userID string) ([]string, error)
}
