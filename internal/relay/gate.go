package relay

import (
	"context"
	"fmt"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
)

// Gate 认证入口：即使带有网站会话签发的 token，也会向存储重新确认身份。
type Gate struct {
	gw           Gateway
	registry     *Registry
	secret       string
	requireToken bool
	timeout      time.Duration
	now          func() time.Time
}

// Authenticate verifies the asserted identity, binds it to s and subscribes s
// to every conversation the identity belongs to. Any returned error other
// than a repeated auth is an authentication failure.
func (g *Gate) Authenticate(ctx context.Context, s *Session, f protocol.Auth) ([]uint, error) {
	if s.Authenticated() {
		return nil, fmt.Errorf("%w: already authenticated", protocol.ErrMalformedFrame)
	}
	id := protocol.Identity{Role: f.Role, ID: f.ID}

	if err := g.checkToken(f.Token, id); err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("token").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	active, err := g.gw.VerifyIdentity(ctx, id)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("%w: verify %s: %v", ErrAuthentication, id, err)
	}
	if !active {
		metrics.AuthFailuresTotal.WithLabelValues("unknown").Inc()
		return nil, fmt.Errorf("%w: unknown or inactive identity %s", ErrAuthentication, id)
	}
	memberships, err := g.gw.MembershipsOf(ctx, id)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("%w: memberships of %s: %v", ErrAuthentication, id, err)
	}
	if memberships == nil {
		memberships = []uint{}
	}

	if !s.bind(id, memberships, g.now()) {
		return nil, fmt.Errorf("%w: session no longer available", ErrAuthentication)
	}
	if err := g.registry.Attach(s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	for _, c := range memberships {
		if err := g.registry.Subscribe(s, c); err != nil {
			return nil, fmt.Errorf("%w: subscribe %d: %v", ErrAuthentication, c, err)
		}
	}
	return memberships, nil
}

func (g *Gate) checkToken(token string, id protocol.Identity) error {
	if g.secret == "" {
		if g.requireToken {
			return fmt.Errorf("%w: token verification not configured", ErrAuthentication)
		}
		return nil
	}
	if token == "" {
		if g.requireToken {
			return fmt.Errorf("%w: token required", ErrAuthentication)
		}
		return nil
	}
	claims, err := auth.ParseIdentityToken(token, g.secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	asserted, err := claims.Identity()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if asserted != id {
		return fmt.Errorf("%w: token issued for %s, not %s", ErrAuthentication, asserted, id)
	}
	return nil
}
