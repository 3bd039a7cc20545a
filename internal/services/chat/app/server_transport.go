package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/gatherhall/gatherhall/internal/platform/metrics"
	"github.com/gatherhall/gatherhall/internal/platform/requestctx"
	"github.com/gatherhall/gatherhall/internal/services/chat/channel"
	"github.com/gatherhall/gatherhall/internal/services/chat/directory"
	"github.com/gatherhall/gatherhall/internal/services/chat/policy"
	"github.com/gatherhall/gatherhall/internal/services/chat/router"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
)

const (
	tokenCookieName = "gh_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type channelPayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

type joinPayload struct {
	channelPayload
}

type joinedPayload struct {
	ChannelID        string `json:"channel_id"`
	Status           string `json:"status"`
	ReadOnly         bool   `json:"read_only,omitempty"`
	LatestSequenceID int64  `json:"latest_sequence_id"`
	ServerTime       string `json:"server_time"`
}

type publishPayload struct {
	channelPayload
	Body string `json:"body"`
}

type historyBeforePayload struct {
	channelPayload
	BeforeSequenceID int64 `json:"before_sequence_id"`
	Limit            int   `json:"limit"`
}

type conversationsPayload struct {
	ChannelIDs []string `json:"channel_ids"`
}

type messageEnvelope struct {
	Message chatMessage `json:"message"`
}

type chatMessage struct {
	MessageID  string `json:"message_id"`
	ChannelID  string `json:"channel_id"`
	SequenceID int64  `json:"sequence_id"`
	SenderID   string `json:"sender_id"`
	SentAt     string `json:"sent_at"`
	Body       string `json:"body"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status     string `json:"status"`
	MessageID  string `json:"message_id,omitempty"`
	SequenceID int64  `json:"sequence_id,omitempty"`
	Count      int    `json:"count,omitempty"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// NewHandler creates chat routes without directory-backed identity checks.
// Every connection stays anonymous; archived channels remain readable but
// live channels deny access the same way an unauthenticated client is denied
// in production.
func NewHandler(core *router.Router) http.Handler {
	return newHandler(core, nil)
}

// NewHandlerWithDirectory creates chat routes with directory-backed identity
// resolution. A request without a token connects anonymously; a request with
// an invalid token is rejected at upgrade.
func NewHandlerWithDirectory(core *router.Router, provider directory.Provider) http.Handler {
	return newHandler(core, provider)
}

func newHandler(core *router.Router, provider directory.Provider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, core)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Missing token is not an upgrade error. Archived channels are
		// readable without identity, so the connection proceeds anonymously
		// and live channels deny it at join time.
		accessToken := accessTokenFromRequest(r)
		if provider != nil && accessToken != "" {
			userID, err := provider.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				if err != nil {
					log.Printf("chat: websocket unauthorized: token introspection failed for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				} else {
					log.Printf("chat: websocket unauthorized: empty user id after auth for host=%q remote=%s", r.Host, r.RemoteAddr)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(requestctx.WithUserID(r.Context(), strings.TrimSpace(userID)))
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, core *router.Router) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := ""
	if request := conn.Request(); request != nil {
		userID = strings.TrimSpace(requestctx.UserIDFromContext(request.Context()))
	}

	sub := router.NewSubscription(uuid.NewString(), userID)
	defer func() {
		core.Disconnect(sub.ConnID())
		sub.Close()
	}()

	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	go pumpSubscription(pumpCtx, sub, peer)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		ctx := context.Background()
		if request := conn.Request(); request != nil {
			ctx = request.Context()
		}

		switch frame.Type {
		case "chat.join":
			handleJoinFrame(ctx, core, sub, peer, frame)
		case "chat.leave":
			handleLeaveFrame(core, sub, peer, frame)
		case "chat.publish":
			handlePublishFrame(ctx, core, sub, peer, frame)
		case "chat.history.before":
			handleHistoryBeforeFrame(ctx, core, sub, peer, frame)
		case "chat.conversations":
			handleConversationsFrame(ctx, core, sub, peer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// pumpSubscription forwards fanned-out messages to the socket until the
// subscription or the connection ends.
func pumpSubscription(ctx context.Context, sub *router.Subscription, peer *wsPeer) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := peer.writeFrame(wsFrame{
			Type:    "chat.message",
			Payload: mustJSON(messageEnvelope{Message: toWireMessage(msg)}),
		}); err != nil {
			sub.Close()
			return
		}
	}
}

func parseChannelRef(peer *wsPeer, requestID string, payload channelPayload) (channel.Ref, bool) {
	ref, err := channel.Parse(payload.Kind, payload.Key)
	if err != nil {
		_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", err.Error())
		return channel.Ref{}, false
	}
	return ref, true
}

func handleJoinFrame(ctx context.Context, core *router.Router, sub *router.Subscription, peer *wsPeer, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}
	ref, ok := parseChannelRef(peer, frame.RequestID, payload.channelPayload)
	if !ok {
		return
	}

	result, err := core.Join(ctx, sub, ref)
	if err != nil {
		log.Printf("chat: join failed user=%q channel=%s err=%v", sub.UserID(), ref.ID(), err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "channel access check unavailable")
		return
	}

	switch result.Status {
	case router.JoinDenied:
		writeDenial(peer, frame.RequestID, result.Reason)
		return
	case router.JoinMustRSVP:
		_ = peer.writeFrame(wsFrame{
			Type:      "chat.joined",
			RequestID: frame.RequestID,
			Payload: mustJSON(joinedPayload{
				ChannelID:  ref.ID(),
				Status:     string(router.JoinMustRSVP),
				ServerTime: time.Now().UTC().Format(time.RFC3339),
			}),
		})
		return
	}

	latest := int64(0)
	if len(result.History) > 0 {
		latest = result.History[len(result.History)-1].Seq
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			ChannelID:        ref.ID(),
			Status:           string(router.JoinAllowed),
			ReadOnly:         result.ReadOnly,
			LatestSequenceID: latest,
			ServerTime:       time.Now().UTC().Format(time.RFC3339),
		}),
	})
	for _, msg := range result.History {
		_ = peer.writeFrame(wsFrame{
			Type:    "chat.message",
			Payload: mustJSON(messageEnvelope{Message: toWireMessage(msg)}),
		})
	}
}

func handleLeaveFrame(core *router.Router, sub *router.Subscription, peer *wsPeer, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid leave payload")
		return
	}
	ref, ok := parseChannelRef(peer, frame.RequestID, payload.channelPayload)
	if !ok {
		return
	}

	core.Leave(sub.ConnID(), ref)
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

func handlePublishFrame(ctx context.Context, core *router.Router, sub *router.Subscription, peer *wsPeer, frame wsFrame) {
	var payload publishPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid publish payload")
		return
	}
	ref, ok := parseChannelRef(peer, frame.RequestID, payload.channelPayload)
	if !ok {
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}

	result, err := core.Publish(ctx, sub, ref, body)
	if err != nil {
		log.Printf("chat: publish failed user=%q channel=%s err=%v", sub.UserID(), ref.ID(), err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "publish unavailable")
		return
	}
	if result.Denied {
		writeDenial(peer, frame.RequestID, result.Reason)
		return
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status:     "ok",
				MessageID:  result.Message.ID,
				SequenceID: result.Message.Seq,
			},
		}),
	})
}

func handleHistoryBeforeFrame(ctx context.Context, core *router.Router, sub *router.Subscription, peer *wsPeer, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
		return
	}
	ref, ok := parseChannelRef(peer, frame.RequestID, payload.channelPayload)
	if !ok {
		return
	}
	if payload.BeforeSequenceID < 1 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "before_sequence_id must be >= 1")
		return
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultHistoryLimit
	}
	if payload.Limit > maxHistoryLimit {
		payload.Limit = maxHistoryLimit
	}

	history, verdict, err := core.History(ctx, sub, ref, payload.BeforeSequenceID, payload.Limit)
	if err != nil {
		log.Printf("chat: history failed user=%q channel=%s err=%v", sub.UserID(), ref.ID(), err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "history unavailable")
		return
	}
	if !verdict.Read {
		writeDenial(peer, frame.RequestID, verdict.Reason)
		return
	}

	for _, msg := range history {
		_ = peer.writeFrame(wsFrame{
			Type:    "chat.message",
			Payload: mustJSON(messageEnvelope{Message: toWireMessage(msg)}),
		})
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status: "ok",
				Count:  len(history),
			},
		}),
	})
}

func handleConversationsFrame(ctx context.Context, core *router.Router, sub *router.Subscription, peer *wsPeer, frame wsFrame) {
	if sub.UserID() == "" {
		writeDenial(peer, frame.RequestID, policy.ReasonNotAuthenticated)
		return
	}

	channels, err := core.Conversations(ctx, sub)
	if err != nil {
		log.Printf("chat: conversations failed user=%q err=%v", sub.UserID(), err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "conversations unavailable")
		return
	}
	if channels == nil {
		channels = []string{}
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "chat.conversations",
		RequestID: frame.RequestID,
		Payload:   mustJSON(conversationsPayload{ChannelIDs: channels}),
	})
}

func toWireMessage(msg storage.Message) chatMessage {
	return chatMessage{
		MessageID:  msg.ID,
		ChannelID:  msg.ChannelID,
		SequenceID: msg.Seq,
		SenderID:   msg.SenderID,
		SentAt:     msg.SentAt.UTC().Format(time.RFC3339),
		Body:       msg.Body,
	}
}

// writeDenial maps a policy reason to a wire error. RSVP denials are
// retryable: the client can RSVP and join again without reconnecting.
func writeDenial(peer *wsPeer, requestID string, reason policy.Reason) {
	code := "FORBIDDEN"
	message := "access to channel denied"
	retryable := false

	switch reason {
	case policy.ReasonNotAuthenticated:
		code = "UNAUTHENTICATED"
		message = "authentication required"
	case policy.ReasonNotRSVPed:
		code = "FAILED_PRECONDITION"
		message = "rsvp required to participate"
		retryable = true
	case policy.ReasonArchived:
		code = "FAILED_PRECONDITION"
		message = "channel is archived and read-only"
	case policy.ReasonBlocked:
		message = "access to channel denied"
	case policy.ReasonNotParticipant:
		message = "not a participant of this channel"
	}

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
				Details:   map[string]any{"reason": string(reason)},
			},
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
