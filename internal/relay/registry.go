package relay

import (
	"fmt"
	"sync"

	"chatrelay/internal/protocol"

	"github.com/samber/lo"
)

// subscribers 是单个会话的订阅集合。mu 保护 conns、users 与 dead；order
// 串行化该会话的持久化与扇出，保证所有订阅者看到相同的提交顺序。
// users counts callers inside ordered; an entry is only pruned when it has
// neither connections nor users. A pruned entry is marked dead and callers
// holding it look the conversation up again.
type subscribers struct {
	mu    sync.Mutex
	conns map[*Session]struct{}
	users int
	dead  bool
	order sync.Mutex
}

// devices 是单个身份的全部在线连接（多设备）。
type devices struct {
	mu    sync.Mutex
	conns map[*Session]struct{}
	dead  bool
}

// Registry 维护连接与会话、身份之间的映射。
// 顶层 map 只在查找/创建条目时短暂加锁，成员集合按会话和身份分别加锁。
// Lock order: Session.mu, then Registry.mu / idMu, then subscribers.mu /
// devices.mu. Never the reverse.
type Registry struct {
	mu            sync.RWMutex
	conversations map[uint]*subscribers

	idMu       sync.RWMutex
	identities map[protocol.Identity]*devices

	sessions sync.Map // id -> *Session, every open connection
}

func NewRegistry() *Registry {
	return &Registry{
		conversations: make(map[uint]*subscribers),
		identities:    make(map[protocol.Identity]*devices),
	}
}

// conversation 若会话条目不存在则懒加载一个。
func (r *Registry) conversation(id uint) *subscribers {
	r.mu.RLock()
	sub := r.conversations[id]
	r.mu.RUnlock()
	if sub != nil {
		return sub
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub = r.conversations[id]
	if sub != nil {
		return sub
	}
	sub = &subscribers{conns: make(map[*Session]struct{})}
	r.conversations[id] = sub
	return sub
}

func (r *Registry) lookup(id uint) *subscribers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conversations[id]
}

// prune drops the conversation entry if it is still sub and nothing uses it.
func (r *Registry) prune(id uint, sub *subscribers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conversations[id] != sub {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.conns) == 0 && sub.users == 0 {
		sub.dead = true
		delete(r.conversations, id)
	}
}

func (r *Registry) devicesOf(id protocol.Identity) *devices {
	r.idMu.RLock()
	d := r.identities[id]
	r.idMu.RUnlock()
	if d != nil {
		return d
	}
	r.idMu.Lock()
	defer r.idMu.Unlock()
	d = r.identities[id]
	if d != nil {
		return d
	}
	d = &devices{conns: make(map[*Session]struct{})}
	r.identities[id] = d
	return d
}

func (r *Registry) lookupDevices(id protocol.Identity) *devices {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	return r.identities[id]
}

func (r *Registry) pruneDevices(id protocol.Identity, d *devices) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	if r.identities[id] != d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		d.dead = true
		delete(r.identities, id)
	}
}

// Track records a freshly opened connection.
func (r *Registry) Track(s *Session) {
	r.sessions.Store(s.id, s)
}

// Sessions returns a snapshot of every open connection.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Attach indexes an authenticated session under its identity.
func (r *Registry) Attach(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return ErrNotAuthenticated
	}
	if s.closed {
		return ErrSessionClosed
	}
	for {
		d := r.devicesOf(s.identity)
		d.mu.Lock()
		if d.dead {
			d.mu.Unlock()
			continue
		}
		d.conns[s] = struct{}{}
		d.mu.Unlock()
		return nil
	}
}

// Subscribe adds s to the conversation's subscriber set. Only conversations
// present in the session's membership snapshot are accepted.
func (r *Registry) Subscribe(s *Session, conversationID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authed {
		return ErrNotAuthenticated
	}
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.memberships[conversationID]; !ok {
		return fmt.Errorf("%w: %d", ErrAuthorization, conversationID)
	}
	for {
		sub := r.conversation(conversationID)
		sub.mu.Lock()
		if sub.dead {
			sub.mu.Unlock()
			continue
		}
		sub.conns[s] = struct{}{}
		sub.mu.Unlock()
		s.subs[conversationID] = struct{}{}
		return nil
	}
}

// Unsubscribe removes s from the conversation. It reports whether s was subscribed.
func (r *Registry) Unsubscribe(s *Session, conversationID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[conversationID]; !ok {
		return false
	}
	delete(s.subs, conversationID)
	r.leave(s, conversationID)
	return true
}

func (r *Registry) leave(s *Session, conversationID uint) {
	sub := r.lookup(conversationID)
	if sub == nil {
		return
	}
	sub.mu.Lock()
	delete(sub.conns, s)
	sub.mu.Unlock()
	r.prune(conversationID, sub)
}

// ConnectionsFor returns the sessions subscribed to the conversation.
func (r *Registry) ConnectionsFor(conversationID uint) []*Session {
	sub := r.lookup(conversationID)
	if sub == nil {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return lo.Keys(sub.conns)
}

// DevicesOf returns the open sessions of an identity.
func (r *Registry) DevicesOf(id protocol.Identity) []*Session {
	d := r.lookupDevices(id)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Keys(d.conns)
}

// Online 返回会话中在线的不同身份数量。
func (r *Registry) Online(conversationID uint) int {
	seen := make(map[protocol.Identity]struct{})
	for _, s := range r.ConnectionsFor(conversationID) {
		if id, ok := s.Identity(); ok {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// Broadcast queues frame on every session subscribed to the conversation,
// skipping sessions of except when it is set. Enumeration holds the
// conversation lock; queueing happens after it is released.
func (r *Registry) Broadcast(conversationID uint, frame []byte, except *protocol.Identity) int {
	sent := 0
	for _, s := range r.ConnectionsFor(conversationID) {
		if except != nil {
			if id, _ := s.Identity(); id == *except {
				continue
			}
		}
		if s.send(frame) {
			sent++
		}
	}
	return sent
}

// ordered runs fn while holding the conversation's ordering lock.
func (r *Registry) ordered(conversationID uint, fn func()) {
	var sub *subscribers
	for {
		sub = r.conversation(conversationID)
		sub.mu.Lock()
		if !sub.dead {
			sub.users++
			sub.mu.Unlock()
			break
		}
		sub.mu.Unlock()
	}
	defer func() {
		sub.mu.Lock()
		sub.users--
		sub.mu.Unlock()
		r.prune(conversationID, sub)
	}()

	sub.order.Lock()
	defer sub.order.Unlock()
	fn()
}

// Removal describes what a closed session left behind.
type Removal struct {
	Identity      protocol.Identity
	Authenticated bool
	// Conversations the session was subscribed to.
	Conversations []uint
	// Memberships is every conversation the identity belongs to, subscribed
	// or not.
	Memberships []uint
	// Remaining is the number of other open sessions of the same identity.
	Remaining int
}

// Remove unsubscribes s everywhere and drops it from every index. It reports
// false when s had already been removed.
func (r *Registry) Remove(s *Session) (Removal, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Removal{}, false
	}
	s.closed = true
	rm := Removal{
		Identity:      s.identity,
		Authenticated: s.authed,
		Conversations: lo.Keys(s.subs),
		Memberships:   lo.Keys(s.memberships),
	}
	for _, c := range rm.Conversations {
		r.leave(s, c)
	}
	s.subs = make(map[uint]struct{})
	if s.authed {
		if d := r.lookupDevices(s.identity); d != nil {
			d.mu.Lock()
			delete(d.conns, s)
			rm.Remaining = len(d.conns)
			d.mu.Unlock()
			r.pruneDevices(s.identity, d)
		}
	}
	s.mu.Unlock()

	r.sessions.Delete(s.id)
	return rm, true
}
