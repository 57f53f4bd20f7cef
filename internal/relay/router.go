package relay

import (
	"context"
	"fmt"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// Router 负责消息的鉴权、持久化、排序与广播。
//
// The persist step and the fan-out that follows run under the conversation's
// ordering lock, so every subscriber observes messages of one conversation in
// commit order. Different conversations never wait on each other.
type Router struct {
	gw        Gateway
	registry  *Registry
	presence  *Presence
	freshness time.Duration
	timeout   time.Duration
	history   int
	now       func() time.Time
}

// Outcome reports what a successful submit did.
type Outcome struct {
	Message   protocol.NewMessage
	Delivered int
	Acked     bool
}

// Submit validates, persists and broadcasts one message from s.
// On error nothing has been broadcast.
func (r *Router) Submit(ctx context.Context, s *Session, f protocol.SendMessage) (Outcome, error) {
	id, ok := s.Identity()
	if !ok {
		return Outcome{}, ErrNotAuthenticated
	}
	if !s.limiter.Allow() {
		return Outcome{}, ErrRateLimited
	}
	if err := r.Authorize(ctx, s, f.ConversationID); err != nil {
		return Outcome{}, err
	}

	// A disconnect must not abort a commit already under way.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var (
		out Outcome
		err error
	)
	r.registry.ordered(f.ConversationID, func() {
		start := time.Now()
		stored, perr := r.gw.AppendMessage(pctx, f.ConversationID, id, f.Content)
		metrics.PersistDuration.Observe(time.Since(start).Seconds())
		if perr != nil {
			err = fmt.Errorf("%w: %v", ErrPersistence, perr)
			return
		}
		out.Message = NewMessageFrom(stored)
		out.Delivered = r.registry.Broadcast(f.ConversationID, protocol.MustEncode(out.Message), nil)
		out.Acked = s.send(protocol.MustEncode(protocol.MessageSent{
			ConversationID: f.ConversationID,
			ClientTempID:   f.ClientTempID,
			ID:             stored.ID,
		}))
	})
	if err != nil {
		metrics.PersistFailuresTotal.Inc()
		return Outcome{}, err
	}
	metrics.WsMessagesTotal.Inc()
	r.presence.StopTyping(id, f.ConversationID)
	return out, nil
}

// Authorize checks that the session's identity is a member of the
// conversation. Snapshot entries older than the freshness window are
// re-validated against the store; a failed re-check revokes the entry and
// unsubscribes the session.
func (r *Router) Authorize(ctx context.Context, s *Session, conversationID uint) error {
	id, ok := s.Identity()
	if !ok {
		return ErrNotAuthenticated
	}
	verifiedAt, ok := s.membership(conversationID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrAuthorization, conversationID)
	}
	now := r.now()
	if r.freshness > 0 && now.Sub(verifiedAt) < r.freshness {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	member, err := r.gw.IsMember(ctx, id, conversationID)
	if err != nil {
		return fmt.Errorf("%w: membership check: %v", ErrPersistence, err)
	}
	if !member {
		s.revokeMembership(conversationID)
		r.registry.Unsubscribe(s, conversationID)
		r.presence.StopTyping(id, conversationID)
		l := s.Logger()
		l.Info().Uint("conversation_id", conversationID).Msg("membership revoked")
		return fmt.Errorf("%w: %d", ErrAuthorization, conversationID)
	}
	s.refreshMembership(conversationID, now)
	return nil
}

// History returns messages after f.SinceID for a reconnecting client.
func (r *Router) History(ctx context.Context, s *Session, f protocol.History) (protocol.HistoryResult, error) {
	if err := r.Authorize(ctx, s, f.ConversationID); err != nil {
		return protocol.HistoryResult{}, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = r.history
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	msgs, err := r.gw.HistorySince(ctx, f.ConversationID, f.SinceID, limit)
	if err != nil {
		return protocol.HistoryResult{}, fmt.Errorf("%w: history: %v", ErrPersistence, err)
	}
	res := protocol.HistoryResult{ConversationID: f.ConversationID, Messages: make([]protocol.NewMessage, 0, len(msgs))}
	for _, m := range msgs {
		res.Messages = append(res.Messages, NewMessageFrom(m))
	}
	return res, nil
}
