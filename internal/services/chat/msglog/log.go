// Package msglog assigns per-channel sequence numbers and serves history
// replay on top of the message store.
//
// Sequence assignment is the only exclusive section in the publish path, and
// it is scoped per channel: appends to different channels never contend.
// Policy resolution happens before the caller enters this package.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gatherhall/gatherhall/internal/platform/metrics"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

// Log sequences and replays per-channel message history.
type Log struct {
	store storage.MessageStore
	now   func() time.Time

	mu       sync.Mutex
	channels map[string]*channelSequencer
}

// channelSequencer serializes sequence assignment for one channel.
type channelSequencer struct {
	mu     sync.Mutex
	loaded bool
	last   int64
}

// New builds a log over the given store. now defaults to time.Now.
func New(store storage.MessageStore, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:    store,
		now:      now,
		channels: make(map[string]*channelSequencer),
	}
}

func (l *Log) sequencer(channelID string) *channelSequencer {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.channels[channelID]
	if !ok {
		seq = &channelSequencer{}
		l.channels[channelID] = seq
	}
	return seq
}

// Append assigns the channel's next sequence number and persists the message.
// The sequence counter is recovered from the store on first touch so numbers
// keep increasing across process restarts.
func (l *Log) Append(ctx context.Context, channelID string, senderID string, body string) (storage.Message, error) {
	if l == nil || l.store == nil {
		return storage.Message{}, fmt.Errorf("message log is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return storage.Message{}, fmt.Errorf("channel id is required")
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}

	seq := l.sequencer(channelID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.loaded {
		max, err := l.store.MaxSequence(ctx, channelID)
		if err != nil {
			return storage.Message{}, fmt.Errorf("recover sequence for %s: %w", channelID, err)
		}
		seq.last = max
		seq.loaded = true
	}

	next := seq.last + 1
	sentAt := l.now().UTC()
	msg := storage.Message{
		ID:        fmt.Sprintf("msg_%d", sentAt.UnixNano()),
		ChannelID: channelID,
		Seq:       next,
		SenderID:  senderID,
		Body:      body,
		SentAt:    sentAt,
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		// A duplicate means the store has rows this sequencer never saw.
		// Resync from the store's view and surface the fault to operators.
		if ctx.Err() == nil && errors.Is(err, storage.ErrDuplicateSequence) {
			metrics.IntegrityFaults.Inc()
			log.Printf("msglog: integrity fault channel=%s seq=%d: %v", channelID, next, err)
			max, maxErr := l.store.MaxSequence(ctx, channelID)
			if maxErr == nil && max > seq.last {
				seq.last = max
			}
		}
		return storage.Message{}, fmt.Errorf("append to %s: %w", channelID, err)
	}
	seq.last = next
	return msg, nil
}

// Replay returns the channel's history after sinceSeq in order. sinceSeq 0
// replays the full log. Replay works regardless of channel policy; access
// gating is the caller's concern.
func (l *Log) Replay(ctx context.Context, channelID string, sinceSeq int64) ([]storage.Message, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("message log is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	messages, err := l.store.ListMessages(ctx, channelID, sinceSeq, 0)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", channelID, err)
	}
	l.checkContinuity(channelID, sinceSeq, messages)
	return messages, nil
}

// ReplayBefore returns up to limit messages older than beforeSeq, ascending.
func (l *Log) ReplayBefore(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]storage.Message, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("message log is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	messages, err := l.store.ListMessagesBefore(ctx, channelID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("replay before %s: %w", channelID, err)
	}
	return messages, nil
}

// DirectChannels lists the direct channels that hold at least one message
// involving userID, most recent first.
func (l *Log) DirectChannels(ctx context.Context, userID string) ([]string, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("message log is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	channels, err := l.store.ListDirectChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list direct channels for %s: %w", userID, err)
	}
	return channels, nil
}

// checkContinuity logs an integrity fault on any sequence gap or duplicate.
// The history is still served; a gap indicates a lost append, not a reason
// to fail readers.
func (l *Log) checkContinuity(channelID string, sinceSeq int64, messages []storage.Message) {
	expected := sinceSeq + 1
	if sinceSeq == 0 && len(messages) > 0 {
		expected = messages[0].Seq
		if expected != 1 {
			metrics.IntegrityFaults.Inc()
			log.Printf("msglog: integrity fault channel=%s: history starts at seq %d", channelID, expected)
		}
	}
	for _, msg := range messages {
		if msg.Seq != expected {
			metrics.IntegrityFaults.Inc()
			log.Printf("msglog: integrity fault channel=%s: expected seq %d, found %d", channelID, expected, msg.Seq)
			expected = msg.Seq
		}
		expected++
	}
}
