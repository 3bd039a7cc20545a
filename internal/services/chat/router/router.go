// Package router validates, persists, and fans out published messages, and
// admits connections into channels.
//
// Access policy is re-resolved on every join and every publish; a verdict
// issued at join time is never trusted for later writes. Policy resolution
// happens before the log's append section so a slow directory call never
// holds a channel lock.
package router

import (
	"context"
	"fmt"
	"log"

	"github.com/gatherhall/gatherhall/internal/platform/metrics"
	"github.com/gatherhall/gatherhall/internal/services/chat/channel"
	"github.com/gatherhall/gatherhall/internal/services/chat/membership"
	"github.com/gatherhall/gatherhall/internal/services/chat/msglog"
	"github.com/gatherhall/gatherhall/internal/services/chat/policy"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

// JoinStatus is the typed outcome of a join attempt.
type JoinStatus string

const (
	JoinAllowed  JoinStatus = "allowed"
	JoinDenied   JoinStatus = "denied"
	JoinMustRSVP JoinStatus = "must_rsvp"
)

// JoinResult reports a join decision plus the history replay on admission.
type JoinResult struct {
	Status   JoinStatus
	Reason   policy.Reason
	ReadOnly bool
	History  []storage.Message
}

// PublishResult reports a publish outcome. Denials are results, not errors.
type PublishResult struct {
	Denied  bool
	Reason  policy.Reason
	Message storage.Message
}

// Router wires policy, membership, and the message log into the join and
// publish pipelines.
type Router struct {
	policy  *policy.Resolver
	members *membership.Manager
	log     *msglog.Log
}

// New builds a router over its three collaborators.
func New(resolver *policy.Resolver, members *membership.Manager, messageLog *msglog.Log) *Router {
	return &Router{
		policy:  resolver,
		members: members,
		log:     messageLog,
	}
}

// Join admits sub into ref's channel after a fresh policy check. On
// admission the channel's full history is replayed in the result. Joining an
// already-joined channel succeeds and replays again without duplicating the
// membership. A denial creates no partial membership.
func (r *Router) Join(ctx context.Context, sub membership.Subscriber, ref channel.Ref) (JoinResult, error) {
	if r == nil || r.policy == nil {
		return JoinResult{}, fmt.Errorf("router is not configured")
	}
	if sub == nil {
		return JoinResult{}, fmt.Errorf("subscriber is required")
	}

	verdict, err := r.policy.Resolve(ctx, ref, sub.UserID())
	if err != nil {
		return JoinResult{}, fmt.Errorf("resolve join policy: %w", err)
	}
	if verdict.MustRSVP() {
		return JoinResult{Status: JoinMustRSVP, Reason: verdict.Reason}, nil
	}
	if !verdict.Read {
		metrics.JoinsDenied.WithLabelValues(string(verdict.Reason)).Inc()
		return JoinResult{Status: JoinDenied, Reason: verdict.Reason}, nil
	}

	// An in-flight join abandoned by disconnect must not leave membership
	// behind.
	if err := ctx.Err(); err != nil {
		return JoinResult{}, err
	}

	r.members.Join(sub, ref.ID())

	history, err := r.log.Replay(ctx, ref.ID(), 0)
	if err != nil {
		return JoinResult{}, fmt.Errorf("replay on join: %w", err)
	}
	return JoinResult{
		Status:   JoinAllowed,
		Reason:   verdict.Reason,
		ReadOnly: !verdict.Write,
		History:  history,
	}, nil
}

// Leave removes one membership.
func (r *Router) Leave(connID string, ref channel.Ref) {
	if r == nil {
		return
	}
	r.members.Leave(connID, ref.ID())
}

// Disconnect removes the connection from every channel.
func (r *Router) Disconnect(connID string) {
	if r == nil {
		return
	}
	r.members.Disconnect(connID)
}

// Publish re-validates write policy, appends, and fans out. No append and no
// fan-out happen on a denial. Once the append lands, fan-out always runs,
// even if the publisher is already gone.
func (r *Router) Publish(ctx context.Context, sub membership.Subscriber, ref channel.Ref, body string) (PublishResult, error) {
	if r == nil || r.policy == nil {
		return PublishResult{}, fmt.Errorf("router is not configured")
	}
	if sub == nil {
		return PublishResult{}, fmt.Errorf("subscriber is required")
	}

	verdict, err := r.policy.Resolve(ctx, ref, sub.UserID())
	if err != nil {
		return PublishResult{}, fmt.Errorf("resolve publish policy: %w", err)
	}
	if !verdict.Write {
		metrics.PublishesDenied.WithLabelValues(string(verdict.Reason)).Inc()
		return PublishResult{Denied: true, Reason: verdict.Reason}, nil
	}

	msg, err := r.log.Append(ctx, ref.ID(), sub.UserID(), body)
	if err != nil {
		return PublishResult{}, err
	}
	metrics.MessagesPublished.WithLabelValues(string(ref.Kind)).Inc()

	r.fanOut(ref, msg)
	return PublishResult{Message: msg}, nil
}

// History returns a read-gated page of messages older than beforeSeq.
func (r *Router) History(ctx context.Context, sub membership.Subscriber, ref channel.Ref, beforeSeq int64, limit int) ([]storage.Message, *policy.Verdict, error) {
	if r == nil || r.policy == nil {
		return nil, nil, fmt.Errorf("router is not configured")
	}
	if sub == nil {
		return nil, nil, fmt.Errorf("subscriber is required")
	}

	verdict, err := r.policy.Resolve(ctx, ref, sub.UserID())
	if err != nil {
		return nil, nil, fmt.Errorf("resolve history policy: %w", err)
	}
	if !verdict.Read {
		return nil, &verdict, nil
	}
	page, err := r.log.ReplayBefore(ctx, ref.ID(), beforeSeq, limit)
	if err != nil {
		return nil, nil, err
	}
	return page, &verdict, nil
}

// Conversations lists the caller's direct channels that already hold
// messages. Anonymous connections have no conversations.
func (r *Router) Conversations(ctx context.Context, sub membership.Subscriber) ([]string, error) {
	if r == nil || r.log == nil {
		return nil, fmt.Errorf("router is not configured")
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber is required")
	}
	if sub.UserID() == "" {
		return nil, nil
	}
	return r.log.DirectChannels(ctx, sub.UserID())
}

// fanOut delivers msg to the channel's current subscribers. Delivery is
// best-effort per subscriber: one that cannot take the message is evicted
// from the channel rather than blocking the rest; it recovers the history by
// rejoining.
func (r *Router) fanOut(ref channel.Ref, msg storage.Message) {
	for _, sub := range r.members.Subscribers(ref.ID()) {
		if sub.Deliver(msg) {
			continue
		}
		metrics.FanoutDropped.Inc()
		log.Printf("router: dropping slow subscriber conn=%s channel=%s", sub.ConnID(), ref.ID())
		r.members.Leave(sub.ConnID(), ref.ID())
	}
}
