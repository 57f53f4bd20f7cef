package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/protocol"

	"github.com/stretchr/testify/require"
)

var (
	user1   = protocol.Identity{Role: protocol.RoleUser, ID: 1}
	user2   = protocol.Identity{Role: protocol.RoleUser, ID: 2}
	user3   = protocol.Identity{Role: protocol.RoleUser, ID: 3}
	mentor1 = protocol.Identity{Role: protocol.RoleMentor, ID: 1}
)

// fakeSender records queued frames in memory.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	limit  int
}

func (f *fakeSender) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.limit > 0 && len(f.frames) >= f.limit {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeSender) all() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, b := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeSender) ofType(t protocol.Type) []map[string]any {
	var out []map[string]any
	for _, m := range f.all() {
		if m["type"] == string(t) {
			out = append(out, m)
		}
	}
	return out
}

// fakeGateway is an in-memory persistence gateway.
type fakeGateway struct {
	mu        sync.Mutex
	active    map[protocol.Identity]bool
	members   map[uint]map[protocol.Identity]bool
	messages  []models.Message
	nextID    uint
	verifyErr error
	appendErr error
	// appendGate, when set, blocks AppendMessage until it is closed.
	appendGate   chan struct{}
	appendStart  chan struct{}
	memberChecks int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		active:  make(map[protocol.Identity]bool),
		members: make(map[uint]map[protocol.Identity]bool),
	}
}

func (g *fakeGateway) addParticipant(id protocol.Identity, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[id] = active
}

func (g *fakeGateway) addMember(conv uint, ids ...protocol.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.members[conv] == nil {
		g.members[conv] = make(map[protocol.Identity]bool)
	}
	for _, id := range ids {
		g.members[conv][id] = true
		if _, ok := g.active[id]; !ok {
			g.active[id] = true
		}
	}
}

func (g *fakeGateway) removeMember(conv uint, id protocol.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members[conv], id)
}

func (g *fakeGateway) setAppendErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendErr = err
}

func (g *fakeGateway) stored() []models.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.Message(nil), g.messages...)
}

func (g *fakeGateway) checks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memberChecks
}

func (g *fakeGateway) VerifyIdentity(_ context.Context, id protocol.Identity) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyErr != nil {
		return false, g.verifyErr
	}
	return g.active[id], nil
}

func (g *fakeGateway) MembershipsOf(_ context.Context, id protocol.Identity) ([]uint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []uint
	for conv, m := range g.members {
		if m[id] {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (g *fakeGateway) IsMember(_ context.Context, id protocol.Identity, conv uint) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memberChecks++
	return g.members[conv][id], nil
}

func (g *fakeGateway) AppendMessage(ctx context.Context, conv uint, sender protocol.Identity, content string) (models.Message, error) {
	g.mu.Lock()
	gate, started := g.appendGate, g.appendStart
	g.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.appendErr != nil {
		return models.Message{}, g.appendErr
	}
	g.nextID++
	m := models.Message{
		ID:             g.nextID,
		ConversationID: conv,
		SenderRole:     string(sender.Role),
		SenderID:       sender.ID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	g.messages = append(g.messages, m)
	return m, nil
}

func (g *fakeGateway) HistorySince(_ context.Context, conv, since uint, limit int) ([]models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Message
	for _, m := range g.messages {
		if m.ConversationID == conv && m.ID > since {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatGrace:    2,
		TypingTTL:         3 * time.Second,
		StoreTimeout:      2 * time.Second,
		MessageRate:       1000,
		MessageBurst:      1000,
	}
}

func newTestRelay(t *testing.T, gw Gateway, opts Options) (*Relay, *fakeClock) {
	t.Helper()
	r := New(gw, opts)
	clock := newFakeClock()
	r.now = clock.Now
	r.presence.now = clock.Now
	r.heartbeat.now = clock.Now
	return r, clock
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func authFrame(t *testing.T, id protocol.Identity) []byte {
	return frame(t, map[string]any{"type": "auth", "role": string(id.Role), "id": id.ID})
}

func messageFrame(t *testing.T, conv uint, content string, tempID any) []byte {
	return frame(t, map[string]any{"type": "message", "conversation_id": conv, "content": content, "client_temp_id": tempID})
}

// connect opens and authenticates a session, then clears its queue.
func connect(t *testing.T, r *Relay, id protocol.Identity) (*Session, *fakeSender) {
	t.Helper()
	out := &fakeSender{}
	s := r.Open(out)
	r.Handle(context.Background(), s, authFrame(t, id))
	ok := out.ofType(protocol.TypeAuthSuccess)
	require.Len(t, ok, 1, "auth for %s failed: %v", id, out.all())
	out.reset()
	return s, out
}

func resetAll(outs ...*fakeSender) {
	for _, o := range outs {
		o.reset()
	}
}

func num(v any) uint {
	switch n := v.(type) {
	case float64:
		return uint(n)
	}
	panic(fmt.Sprintf("not a number: %v", v))
}

// tracked reports how many conversation and identity entries are indexed.
func (r *Registry) tracked() (conversations, identities int) {
	r.mu.RLock()
	conversations = len(r.conversations)
	r.mu.RUnlock()
	r.idMu.RLock()
	identities = len(r.identities)
	r.idMu.RUnlock()
	return conversations, identities
}
