package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sender is the transport side of a connection. Enqueue must not block; it
// reports false when the frame could not be queued. Close stops the writer
// after already queued frames are flushed.
type Sender interface {
	Enqueue(frame []byte) bool
	Close()
}

// Session 是一条连接在中继内的状态：认证前没有身份，认证后身份不可变。
type Session struct {
	id       string
	out      Sender
	limiter  *rate.Limiter
	openedAt time.Time
	lastPing atomic.Int64

	mu          sync.Mutex
	identity    protocol.Identity
	authed      bool
	closed      bool
	memberships map[uint]time.Time // conversation -> last verified against the store
	subs        map[uint]struct{}
	log         zerolog.Logger
}

func newSession(out Sender, now time.Time, limit rate.Limit, burst int) *Session {
	id := uuid.NewString()
	s := &Session{
		id:          id,
		out:         out,
		limiter:     rate.NewLimiter(limit, burst),
		openedAt:    now,
		memberships: make(map[uint]time.Time),
		subs:        make(map[uint]struct{}),
		log:         log.With().Str("conn", id).Logger(),
	}
	s.lastPing.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

// Identity returns the bound identity and whether authentication completed.
func (s *Session) Identity() (protocol.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.authed
}

func (s *Session) Authenticated() bool {
	_, ok := s.Identity()
	return ok
}

// LastSeen is the time of the last ping, or the open time.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastPing.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastPing.Store(now.UnixNano())
}

// Logger returns the session logger, tagged with the identity once bound.
func (s *Session) Logger() zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// bind attaches the identity and membership snapshot. It fails if the session
// is already authenticated or closed.
func (s *Session) bind(id protocol.Identity, memberships []uint, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authed || s.closed {
		return false
	}
	s.identity = id
	s.authed = true
	for _, c := range memberships {
		s.memberships[c] = now
	}
	s.log = s.log.With().Str("identity", id.String()).Logger()
	return true
}

// membership returns when conversationID was last verified for this session.
func (s *Session) membership(conversationID uint) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.memberships[conversationID]
	return at, ok
}

func (s *Session) refreshMembership(conversationID uint, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[conversationID]; ok {
		s.memberships[conversationID] = now
	}
}

func (s *Session) revokeMembership(conversationID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, conversationID)
}

// Subscriptions returns the conversations this session currently receives.
func (s *Session) Subscriptions() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint, 0, len(s.subs))
	for c := range s.subs {
		out = append(out, c)
	}
	return out
}

// send queues a frame. A full queue means the peer cannot keep up; the
// transport is closed and the read side tears the session down.
func (s *Session) send(frame []byte) bool {
	if s.out.Enqueue(frame) {
		return true
	}
	s.mu.Lock()
	closed, l := s.closed, s.log
	s.mu.Unlock()
	if !closed {
		l.Warn().Msg("send queue overflow, dropping connection")
		s.out.Close()
	}
	return false
}
