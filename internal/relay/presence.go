package relay

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"

	"github.com/rs/zerolog/log"
)

// broadcaster delivers a frame to a conversation's subscribers.
type broadcaster interface {
	Broadcast(conversationID uint, frame []byte, except *protocol.Identity) int
}

// typingSet 是单个会话的输入状态。announcements are made while mu is held so
// that true/false for one identity reach members in the order they happened.
type typingSet struct {
	mu      sync.Mutex
	expires map[protocol.Identity]time.Time
	dead    bool
}

// Presence 跟踪输入状态与在线状态，全部只在内存中，过期由后台清扫。
// 这里的状态仅供参考，任何失败都不能影响消息投递。
type Presence struct {
	ttl time.Duration
	out broadcaster
	now func() time.Time

	mu     sync.RWMutex
	typing map[uint]*typingSet
}

func NewPresence(out broadcaster, ttl time.Duration) *Presence {
	return &Presence{
		ttl:    ttl,
		out:    out,
		now:    time.Now,
		typing: make(map[uint]*typingSet),
	}
}

func (p *Presence) set(conversationID uint) *typingSet {
	p.mu.RLock()
	ts := p.typing[conversationID]
	p.mu.RUnlock()
	if ts != nil {
		return ts
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ts = p.typing[conversationID]
	if ts == nil {
		ts = &typingSet{expires: make(map[protocol.Identity]time.Time)}
		p.typing[conversationID] = ts
	}
	return ts
}

// StartTyping creates or refreshes the typing state. The start event is only
// broadcast when the identity was not already typing.
func (p *Presence) StartTyping(id protocol.Identity, conversationID uint) {
	for {
		ts := p.set(conversationID)
		ts.mu.Lock()
		if ts.dead {
			ts.mu.Unlock()
			continue
		}
		_, already := ts.expires[id]
		ts.expires[id] = p.now().Add(p.ttl)
		if !already {
			p.announceTyping(id, conversationID, true)
		}
		ts.mu.Unlock()
		return
	}
}

// StopTyping clears the typing state and broadcasts is_typing=false when it
// existed. It reports whether any state was removed.
func (p *Presence) StopTyping(id protocol.Identity, conversationID uint) bool {
	p.mu.RLock()
	ts := p.typing[conversationID]
	p.mu.RUnlock()
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	_, ok := ts.expires[id]
	delete(ts.expires, id)
	if ok {
		p.announceTyping(id, conversationID, false)
	}
	ts.mu.Unlock()
	if ok {
		p.prune(conversationID, ts)
	}
	return ok
}

// IsTyping reports whether id currently has unexpired typing state.
func (p *Presence) IsTyping(id protocol.Identity, conversationID uint) bool {
	p.mu.RLock()
	ts := p.typing[conversationID]
	p.mu.RUnlock()
	if ts == nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	exp, ok := ts.expires[id]
	return ok && p.now().Before(exp)
}

// Release drops typing state of id in the given conversations.
func (p *Presence) Release(id protocol.Identity, conversations []uint) {
	for _, c := range conversations {
		p.StopTyping(id, c)
	}
}

// StatusChanged broadcasts a status_change to each conversation.
func (p *Presence) StatusChanged(id protocol.Identity, status protocol.Status, conversations []uint) {
	frame, err := protocol.Encode(protocol.StatusChange{Identity: id, Status: status})
	if err != nil {
		log.Error().Err(err).Msg("encode status_change")
		return
	}
	for _, c := range conversations {
		p.out.Broadcast(c, frame, &id)
	}
}

// Sweep expires typing states whose deadline is not after now and
// synthesises is_typing=false for each. It returns the number expired.
func (p *Presence) Sweep(now time.Time) int {
	p.mu.RLock()
	convs := make(map[uint]*typingSet, len(p.typing))
	for c, ts := range p.typing {
		convs[c] = ts
	}
	p.mu.RUnlock()

	expired := 0
	for c, ts := range convs {
		ts.mu.Lock()
		for id, exp := range ts.expires {
			if !now.Before(exp) {
				delete(ts.expires, id)
				p.announceTyping(id, c, false)
				expired++
			}
		}
		ts.mu.Unlock()
		p.prune(c, ts)
	}
	if expired > 0 {
		metrics.TypingExpiredTotal.Add(float64(expired))
	}
	return expired
}

// Run sweeps expired typing state until ctx is done.
func (p *Presence) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

// prune drops an empty typing set that is still the one indexed for the
// conversation.
func (p *Presence) prune(conversationID uint, ts *typingSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typing[conversationID] != ts {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.expires) == 0 {
		ts.dead = true
		delete(p.typing, conversationID)
	}
}

func (p *Presence) announceTyping(id protocol.Identity, conversationID uint, typing bool) {
	frame, err := protocol.Encode(protocol.UserTyping{ConversationID: conversationID, Identity: id, IsTyping: typing})
	if err != nil {
		log.Error().Err(err).Msg("encode user_typing")
		return
	}
	p.out.Broadcast(conversationID, frame, &id)
}
