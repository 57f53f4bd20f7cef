package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"

	"golang.org/x/time/rate"
)

// Options tunes the relay. Zero values are replaced by DefaultOptions.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    int
	TypingTTL         time.Duration
	TypingSweep       time.Duration
	// MembershipTTL is how long a verified membership is trusted before the
	// next submit re-checks it. Zero re-checks on every submit.
	MembershipTTL time.Duration
	StoreTimeout  time.Duration
	MessageRate   rate.Limit
	MessageBurst  int
	HistoryLimit  int
	TokenSecret   string
	RequireToken  bool
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    2,
		TypingTTL:         5 * time.Second,
		TypingSweep:       time.Second,
		StoreTimeout:      5 * time.Second,
		MessageRate:       5,
		MessageBurst:      20,
		HistoryLimit:      50,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatGrace <= 0 {
		o.HeartbeatGrace = d.HeartbeatGrace
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = d.TypingTTL
	}
	if o.TypingSweep <= 0 {
		o.TypingSweep = d.TypingSweep
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.MessageRate <= 0 {
		o.MessageRate = d.MessageRate
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = d.MessageBurst
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	o.HistoryLimit = min(o.HistoryLimit, protocol.MaxHistoryLimit)
	return o
}

// Relay 把认证、注册表、路由、在线状态与心跳组合在一起，逐帧分发。
type Relay struct {
	opts      Options
	registry  *Registry
	presence  *Presence
	gate      *Gate
	router    *Router
	heartbeat *Heartbeat
	now       func() time.Time
}

func New(gw Gateway, opts Options) *Relay {
	opts = opts.withDefaults()
	reg := NewRegistry()
	pres := NewPresence(reg, opts.TypingTTL)
	r := &Relay{
		opts:     opts,
		registry: reg,
		presence: pres,
		now:      time.Now,
	}
	r.gate = &Gate{
		gw:           gw,
		registry:     reg,
		secret:       opts.TokenSecret,
		requireToken: opts.RequireToken,
		timeout:      opts.StoreTimeout,
		now:          r.clock,
	}
	r.router = &Router{
		gw:        gw,
		registry:  reg,
		presence:  pres,
		freshness: opts.MembershipTTL,
		timeout:   opts.StoreTimeout,
		history:   opts.HistoryLimit,
		now:       r.clock,
	}
	r.heartbeat = NewHeartbeat(reg, r, opts.HeartbeatInterval, opts.HeartbeatGrace)
	return r
}

func (r *Relay) clock() time.Time { return r.now() }

func (r *Relay) Registry() *Registry { return r.registry }

func (r *Relay) Presence() *Presence { return r.presence }

func (r *Relay) Heartbeat() *Heartbeat { return r.heartbeat }

// Online 返回会话在线身份数，供 REST 接口复用。
func (r *Relay) Online(conversationID uint) int { return r.registry.Online(conversationID) }

// Run drives the typing sweep and the heartbeat until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	go r.presence.Run(ctx, r.opts.TypingSweep)
	r.heartbeat.Run(ctx)
}

// Open registers a new, unauthenticated connection.
func (r *Relay) Open(out Sender) *Session {
	s := newSession(out, r.now(), r.opts.MessageRate, r.opts.MessageBurst)
	r.registry.Track(s)
	metrics.WsConnections.Inc()
	s.log.Debug().Msg("connection opened")
	return s
}

// Handle processes one inbound frame. Every frame yields exactly one reply
// to the sender (success or error), except typing frames whose effect is the
// user_typing broadcast, and message frames which also broadcast.
func (r *Relay) Handle(ctx context.Context, s *Session, raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		if errors.Is(err, protocol.ErrInvalidClaim) && !s.Authenticated() {
			metrics.AuthFailuresTotal.WithLabelValues("claim").Inc()
			err = fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		r.fail(s, err, nil)
		return
	}
	metrics.FramesTotal.WithLabelValues(string(in.Kind())).Inc()

	if _, isAuth := in.(protocol.Auth); !isAuth && !s.Authenticated() {
		r.fail(s, fmt.Errorf("%w: send auth first", ErrNotAuthenticated), nil)
		return
	}

	switch f := in.(type) {
	case protocol.Auth:
		r.authenticate(ctx, s, f)
	case protocol.Ping:
		s.touch(r.now())
		r.reply(s, protocol.Pong{})
	case protocol.SendMessage:
		if _, err := r.router.Submit(ctx, s, f); err != nil {
			r.fail(s, err, f.ClientTempID)
		}
	case protocol.TypingStart:
		id, _ := s.Identity()
		if _, ok := s.membership(f.ConversationID); !ok {
			r.fail(s, fmt.Errorf("%w: %d", ErrAuthorization, f.ConversationID), nil)
			return
		}
		r.presence.StartTyping(id, f.ConversationID)
	case protocol.TypingStop:
		id, _ := s.Identity()
		if _, ok := s.membership(f.ConversationID); !ok {
			r.fail(s, fmt.Errorf("%w: %d", ErrAuthorization, f.ConversationID), nil)
			return
		}
		r.presence.StopTyping(id, f.ConversationID)
	case protocol.Subscribe:
		if err := r.registry.Subscribe(s, f.ConversationID); err != nil {
			r.fail(s, err, nil)
			return
		}
		r.reply(s, protocol.Subscribed{ConversationID: f.ConversationID})
	case protocol.Unsubscribe:
		r.registry.Unsubscribe(s, f.ConversationID)
		r.reply(s, protocol.Unsubscribed{ConversationID: f.ConversationID})
	case protocol.History:
		res, err := r.router.History(ctx, s, f)
		if err != nil {
			r.fail(s, err, nil)
			return
		}
		r.reply(s, res)
	}
}

func (r *Relay) authenticate(ctx context.Context, s *Session, f protocol.Auth) {
	convs, err := r.gate.Authenticate(ctx, s, f)
	if err != nil {
		r.fail(s, err, nil)
		return
	}
	id, _ := s.Identity()
	r.reply(s, protocol.AuthSuccess{Identity: id, Conversations: convs})
	l := s.Logger()
	l.Info().Int("conversations", len(convs)).Msg("authenticated")
	r.presence.StatusChanged(id, protocol.StatusOnline, convs)
}

// Close tears a session down: it leaves every conversation and members of
// every conversation the identity belongs to see a status_change. Typing
// state is released once the identity's last device is gone; while another
// device stays connected it expires on its own. Safe to call more than once.
func (r *Relay) Close(s *Session, cause error) {
	rm, ok := r.registry.Remove(s)
	if !ok {
		s.out.Close()
		return
	}
	metrics.WsConnections.Dec()

	l := s.Logger()
	ev := l.Info()
	if cause != nil && !errors.Is(cause, ErrTransport) {
		ev = l.Warn().Err(cause)
	}
	ev.Str("reason", reason(cause)).Msg("connection closed")

	if rm.Authenticated && len(rm.Memberships) > 0 {
		status := protocol.StatusOnline
		if rm.Remaining == 0 {
			r.presence.Release(rm.Identity, rm.Memberships)
			status = protocol.StatusOffline
		}
		r.presence.StatusChanged(rm.Identity, status, rm.Memberships)
	}
	s.out.Close()
}

// Shutdown closes every open session.
func (r *Relay) Shutdown() {
	for _, s := range r.registry.Sessions() {
		r.Close(s, fmt.Errorf("%w: server shutting down", ErrTransport))
	}
}

func (r *Relay) reply(s *Session, f protocol.Outbound) {
	frame, err := protocol.Encode(f)
	if err != nil {
		l := s.Logger()
		l.Error().Err(err).Str("type", string(f.Kind())).Msg("encode frame")
		return
	}
	s.send(frame)
}

func (r *Relay) fail(s *Session, err error, clientTempID json.RawMessage) {
	code := errorCode(err)
	metrics.ErrorsTotal.WithLabelValues(code).Inc()

	l := s.Logger()
	switch {
	case errors.Is(err, ErrPersistence):
		l.Error().Err(err).Msg("frame failed")
	case Fatal(err):
		l.Warn().Err(err).Msg("frame failed")
	default:
		l.Debug().Err(err).Msg("frame rejected")
	}

	r.reply(s, protocol.Error{Message: publicMessage(err), Code: code, ClientTempID: clientTempID})
	if Fatal(err) {
		r.Close(s, err)
	}
}

func reason(cause error) string {
	if cause == nil {
		return "closed"
	}
	return cause.Error()
}
