// Package membership tracks which live connections are subscribed to which
// channels. Membership is ephemeral: it confers live delivery only, is never
// persisted, and is rebuilt from scratch on every connection.
//
// All mutation funnels through Join, Leave, and Disconnect; no other
// component touches the underlying maps.
package membership

import (
	"sync"

	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

// Subscriber is a live connection that can receive fanned-out messages.
//
// Deliver must not block: it reports false when the subscriber could not
// take the message, in which case the router evicts it from the channel.
type Subscriber interface {
	ConnID() string
	UserID() string
	Deliver(msg storage.Message) bool
}

// Manager owns the connection/channel membership index.
type Manager struct {
	mu        sync.Mutex
	byChannel map[string]map[string]Subscriber
	byConn    map[string]map[string]struct{}
}

// NewManager returns an empty membership index.
func NewManager() *Manager {
	return &Manager{
		byChannel: make(map[string]map[string]Subscriber),
		byConn:    make(map[string]map[string]struct{}),
	}
}

// Join subscribes sub to channelID. Joining twice is a no-op success; the
// return value reports whether this call created the membership.
func (m *Manager) Join(sub Subscriber, channelID string) bool {
	if sub == nil || channelID == "" {
		return false
	}
	connID := sub.ConnID()

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.byChannel[channelID]
	if !ok {
		subs = make(map[string]Subscriber)
		m.byChannel[channelID] = subs
	}
	if _, exists := subs[connID]; exists {
		return false
	}
	subs[connID] = sub

	channels, ok := m.byConn[connID]
	if !ok {
		channels = make(map[string]struct{})
		m.byConn[connID] = channels
	}
	channels[channelID] = struct{}{}
	return true
}

// Leave removes one membership. Unknown pairs are ignored.
func (m *Manager) Leave(connID string, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(connID, channelID)
}

// Disconnect removes the connection from every channel it was subscribed to
// and returns the channel ids it left.
func (m *Manager) Disconnect(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := m.byConn[connID]
	if len(channels) == 0 {
		delete(m.byConn, connID)
		return nil
	}
	left := make([]string, 0, len(channels))
	for channelID := range channels {
		left = append(left, channelID)
	}
	for _, channelID := range left {
		m.removeLocked(connID, channelID)
	}
	return left
}

// Subscribers returns a snapshot of the channel's current subscribers.
// Fan-out iterates the snapshot without holding the membership lock.
func (m *Manager) Subscribers(channelID string) []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.byChannel[channelID]
	if len(subs) == 0 {
		return nil
	}
	snapshot := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	return snapshot
}

// Channels returns the channel ids the connection is subscribed to.
func (m *Manager) Channels(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := m.byConn[connID]
	if len(channels) == 0 {
		return nil
	}
	ids := make([]string, 0, len(channels))
	for channelID := range channels {
		ids = append(ids, channelID)
	}
	return ids
}

// IsMember reports whether the connection is subscribed to the channel.
func (m *Manager) IsMember(connID string, channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byChannel[channelID][connID]
	return ok
}

func (m *Manager) removeLocked(connID string, channelID string) {
	if subs, ok := m.byChannel[channelID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.byChannel, channelID)
		}
	}
	if channels, ok := m.byConn[connID]; ok {
		delete(channels, channelID)
		if len(channels) == 0 {
			delete(m.byConn, connID)
		}
	}
}
