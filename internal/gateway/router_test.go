// ABOUTME: Tests for the relay router's auth state machine and session routing
// ABOUTME: Covers binding, broadcast fallback, persistence order and byte-exact forwarding

package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

func TestAuth_Success(t *testing.T) {
	relay := newTestRelay(t)
	p := relay.dial(t)

	p.sendRaw(`{"type":"auth","id":"a1","token":"test-secret","role":"channel"}`)
	assert.JSONEq(t, `{"type":"auth","status":"ok","id":"a1"}`, string(p.readRaw()))
	assert.Equal(t, 1, relay.gw.Router().CountAuthenticated(protocol.RoleChannel))
}

func TestAuth_WrongSecretClosesConnection(t *testing.T) {
	frames := map[string]string{
		"wrong token":   `{"type":"auth","id":"a1","token":"wrong","role":"node"}`,
		"empty token":   `{"type":"auth","id":"a1","token":"","role":"node"}`,
		"missing token": `{"type":"auth","id":"a1","role":"channel"}`,
		"missing id":    `{"type":"auth","token":"test-secret","role":"node"}`,
		"bad role":      `{"type":"auth","id":"a1","token":"test-secret","role":"admin"}`,
		"forged ack":    `{"type":"auth","id":"a1","status":"ok"}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			relay := newTestRelay(t)
			p := relay.dial(t)

			p.sendRaw(frame)
			msg := p.read()
			assert.Equal(t, "error", msg["type"])
			assert.Equal(t, "Authentication failed", msg["message"])

			_ = p.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := p.ws.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

			require.Eventually(t, func() bool {
				return len(relay.gw.Router().Connections()) == 0
			}, 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, float64(1), testutil.ToFloat64(relay.gw.router.metrics.AuthFailures))
		})
	}
}

func TestAuth_MessageBeforeAuthKeepsConnection(t *testing.T) {
	relay := newTestRelay(t)
	p := relay.dial(t)

	p.sendRaw(`{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"too early"}`)
	msg := p.read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Unauthorized. Authenticate first.", msg["message"])

	p.sendRaw(`{"type":"auth","id":"a1","token":"test-secret","role":"channel"}`)
	assert.Equal(t, "ok", p.read()["status"])

	// The early event was not persisted.
	_, err := relay.store.GetSession(t.Context(), "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuth_ReauthenticateChangesRole(t *testing.T) {
	relay := newTestRelay(t)
	p := relay.connect(t, protocol.RoleChannel)

	p.sendRaw(`{"type":"auth","id":"a2","token":"test-secret","role":"node"}`)
	assert.Equal(t, "ok", p.read()["status"])

	router := relay.gw.Router()
	assert.Equal(t, 1, router.CountAuthenticated(protocol.RoleNode))
	assert.Equal(t, 0, router.CountAuthenticated(protocol.RoleChannel))
}

func TestRouting_HelloAgent(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	channel.sendRaw(`{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"hello agent"}`)

	got := node.read()
	assert.Equal(t, "event", got["type"])
	assert.Equal(t, "hello agent", got["text"])
	assert.Equal(t, "s1", got["sessionId"])
}

func TestRouting_ByteForByte(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	// Unusual key order, whitespace and unknown fields must survive.
	frames := []struct {
		from, to *testPeer
		frame    string
	}{
		{channel, node, `{"sessionId":"s1", "type":"event","id":"e1","channelId":"c1","userId":"u1","text":"hi","attachments":[{"name":"a.txt","url":"https://x/a.txt"}],"extra":{"k":[1,2]}}`},
		{node, channel, `{"type":"tool_call","id":"call-1","sessionId":"s1","toolName":"search","args":{"q":"go","n":3}}`},
		{channel, node, `{"type":"tool_result","id":"call-1","sessionId":"s1","result":"found","error":""}`},
		{node, channel, `{"type":"response","id":"r1","sessionId":"s1","text":"partial","done":false}`},
		{node, channel, `{"type":"response","id":"r2","sessionId":"s1","text":"","done":true}`},
		{node, channel, `{"type":"error","id":"e1","sessionId":"s1","message":"agent failed"}`},
	}

	for _, f := range frames {
		f.from.sendRaw(f.frame)
		assert.Equal(t, f.frame, string(f.to.readRaw()))
	}
}

func TestRouting_NoSessionBroadcastsToRole(t *testing.T) {
	relay := newTestRelay(t)
	nodeA := relay.connect(t, protocol.RoleNode)
	nodeB := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	// Bind nodeA to s9 before the channel sends anything session-less.
	nodeA.sendRaw(`{"type":"response","id":"bind","sessionId":"s9","text":"","done":false}`)
	channel.readRaw()

	frame := `{"type":"event","id":"e1","channelId":"c1","userId":"u1","text":"anyone?"}`
	channel.sendRaw(frame)

	assert.Equal(t, frame, string(nodeA.readRaw()))
	assert.Equal(t, frame, string(nodeB.readRaw()))
}

func TestRouting_SessionBinding(t *testing.T) {
	relay := newTestRelay(t)
	nodeA := relay.connect(t, protocol.RoleNode)
	nodeB := relay.connect(t, protocol.RoleNode)
	unbound := relay.connect(t, protocol.RoleNode)

	// Nodes claim sessions by sending for them; no channel is connected yet,
	// so these responses are dropped.
	nodeA.sendRaw(`{"type":"response","id":"r1","sessionId":"s1","text":"","done":false}`)
	nodeB.sendRaw(`{"type":"response","id":"r1","sessionId":"s2","text":"","done":false}`)
	require.Eventually(t, func() bool {
		return nodeBoundTo(relay, "s1") && nodeBoundTo(relay, "s2")
	}, 3*time.Second, 10*time.Millisecond)

	channel := relay.connect(t, protocol.RoleChannel)
	ev1 := `{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"for s1"}`
	ev2 := `{"type":"event","id":"e2","sessionId":"s2","channelId":"c1","userId":"u1","text":"for s2"}`
	channel.sendRaw(ev1)
	channel.sendRaw(ev2)

	// nodeB's first frame is the s2 event, so it never saw s1's.
	assert.Equal(t, ev1, string(nodeA.readRaw()))
	assert.Equal(t, ev2, string(nodeB.readRaw()))

	// Unclaimed connections act as a fallback for every session.
	assert.Equal(t, ev1, string(unbound.readRaw()))
	assert.Equal(t, ev2, string(unbound.readRaw()))
}

func nodeBoundTo(relay *testRelay, sessionID string) bool {
	for _, c := range relay.gw.Router().Connections() {
		if c.Role == protocol.RoleNode && c.SessionID == sessionID {
			return true
		}
	}
	return false
}

func TestRouting_LatestSendRebinds(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	node.sendRaw(`{"type":"response","id":"r1","sessionId":"s1","text":"a","done":false}`)
	channel.readRaw()
	node.sendRaw(`{"type":"response","id":"r2","sessionId":"s2","text":"b","done":false}`)
	channel.readRaw()

	ev1 := `{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"old"}`
	ev2 := `{"type":"event","id":"e2","sessionId":"s2","channelId":"c1","userId":"u1","text":"new"}`
	channel.sendRaw(ev1)
	channel.sendRaw(ev2)

	assert.Equal(t, ev2, string(node.readRaw()))
}

func TestRouting_PersistsBeforeRouting(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	event := `{"type":"event","id":"e1","sessionId":"fresh","channelId":"c1","userId":"u1","text":"hello agent"}`
	channel.sendRaw(event)
	node.readRaw()

	session, err := relay.store.GetSession(t.Context(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "c1", session.ChannelID)
	require.Len(t, session.History, 1)
	assert.Equal(t, event, string(session.History[0].Data))

	node.sendRaw(`{"type":"response","id":"r1","sessionId":"fresh","text":"hi","done":true}`)
	channel.readRaw()

	msgs, err := relay.store.GetMessages(t.Context(), "fresh")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRouting_IdempotentSessionCreation(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	channel.sendRaw(`{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"first"}`)
	node.readRaw()
	channel.sendRaw(`{"type":"event","id":"e2","sessionId":"s1","channelId":"c2","userId":"u2","text":"second"}`)
	node.readRaw()

	session, err := relay.store.GetSession(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", session.ChannelID)
	assert.Len(t, session.History, 2)
}

func TestRouting_DuplicateDropped(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	dup := `{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"once"}`
	marker := `{"type":"event","id":"e2","sessionId":"s1","channelId":"c1","userId":"u1","text":"marker"}`
	channel.sendRaw(dup)
	channel.sendRaw(dup)
	channel.sendRaw(marker)

	assert.Equal(t, dup, string(node.readRaw()))
	assert.Equal(t, marker, string(node.readRaw()))

	msgs, err := relay.store.GetMessages(t.Context(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRouting_SameIDFromDifferentChannels(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	alice := relay.connect(t, protocol.RoleChannel)
	bob := relay.connect(t, protocol.RoleChannel)

	first := `{"type":"event","id":"1","sessionId":"s1","channelId":"c1","userId":"alice","text":"from alice"}`
	second := `{"type":"event","id":"1","sessionId":"s1","channelId":"c1","userId":"bob","text":"from bob"}`
	alice.sendRaw(first)
	assert.Equal(t, first, string(node.readRaw()))
	bob.sendRaw(second)
	assert.Equal(t, second, string(node.readRaw()))

	msgs, err := relay.store.GetMessages(t.Context(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRouting_SessionlessSameIDFromDifferentChannels(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	alice := relay.connect(t, protocol.RoleChannel)
	bob := relay.connect(t, protocol.RoleChannel)

	first := `{"type":"event","id":"1","channelId":"c1","userId":"alice","text":"hi"}`
	second := `{"type":"event","id":"1","channelId":"c2","userId":"bob","text":"hi"}`
	alice.sendRaw(first)
	assert.Equal(t, first, string(node.readRaw()))
	bob.sendRaw(second)
	assert.Equal(t, second, string(node.readRaw()))
}

func TestRouting_DuplicatesAllowedWhenDedupeDisabled(t *testing.T) {
	relay := newTestRelay(t, func(c *config.Config) { c.Router.DedupeTTL = 0 })
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	dup := `{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"twice"}`
	channel.sendRaw(dup)
	channel.sendRaw(dup)

	assert.Equal(t, dup, string(node.readRaw()))
	assert.Equal(t, dup, string(node.readRaw()))
}

func TestRouting_MalformedAndUnknown(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	channel.sendRaw(`{not json`)
	msg := channel.read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid JSON protocol", msg["message"])

	channel.sendRaw(`{"type":"claim","id":"c1","sessionId":"s1"}`)
	msg = channel.read()
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown message type")

	channel.sendRaw(`{"type":"event","id":"e1","sessionId":"s1","channelId":"c1"}`)
	msg = channel.read()
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "invalid envelope")

	// The connection survives all of the above.
	ok := `{"type":"event","id":"e2","sessionId":"s1","channelId":"c1","userId":"u1","text":"still here"}`
	channel.sendRaw(ok)
	assert.Equal(t, ok, string(node.readRaw()))
}

func TestRouting_ErrorWithoutSessionStaysLocal(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	node.sendRaw(`{"type":"error","message":"no session here"}`)
	marker := `{"type":"response","id":"r1","sessionId":"s1","text":"after","done":false}`
	node.sendRaw(marker)

	assert.Equal(t, marker, string(channel.readRaw()))
}

func TestRouting_RateLimited(t *testing.T) {
	relay := newTestRelay(t, func(c *config.Config) {
		c.Router.RateLimit = 0.01
		c.Router.RateBurst = 1
	})
	p := relay.dial(t)

	p.sendRaw(`{"type":"auth","id":"a1","token":"test-secret","role":"channel"}`)
	assert.Equal(t, "ok", p.read()["status"])

	p.sendRaw(`{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"too fast"}`)
	msg := p.read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, ErrRateLimited.Error(), msg["message"])
}

func TestRouting_LongReplyUnderDefaultLimits(t *testing.T) {
	defaults := config.Default().Router
	relay := newTestRelay(t, func(c *config.Config) {
		c.Router.RateLimit = defaults.RateLimit
		c.Router.RateBurst = defaults.RateBurst
	})
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	const fragments = 150
	for i := range fragments {
		node.sendRaw(fmt.Sprintf(`{"type":"response","id":"r%d","sessionId":"s1","text":"word %d","done":false}`, i, i))
	}
	node.sendRaw(`{"type":"response","id":"final","sessionId":"s1","text":"all words","done":true}`)

	for i := range fragments {
		msg := channel.read()
		require.Equal(t, "response", msg["type"], "fragment %d", i)
		require.Equal(t, false, msg["done"], "fragment %d", i)
	}
	last := channel.read()
	assert.Equal(t, "final", last["id"])
	assert.Equal(t, true, last["done"])
	assert.Zero(t, testutil.ToFloat64(relay.gw.router.metrics.Dropped.WithLabelValues("unknown", dropRateLimited)))
}

func TestRouting_ConnectionRemovedOnClose(t *testing.T) {
	relay := newTestRelay(t)
	node := relay.connect(t, protocol.RoleNode)
	router := relay.gw.Router()
	require.Equal(t, 1, router.CountAuthenticated(protocol.RoleNode))

	require.NoError(t, node.ws.Close())

	require.Eventually(t, func() bool {
		return router.CountAuthenticated(protocol.RoleNode) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRouteToSession_NoCandidates(t *testing.T) {
	router := NewRouter(RouterConfig{Store: store.NewMemoryStore(), Logger: testLogger()})

	n := router.RouteToSession(protocol.RoleNode, "s1", protocol.TypeEvent, []byte(`{}`))
	assert.Equal(t, 0, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(router.metrics.Dropped.WithLabelValues("event", dropNoRoute)))
}

// failingStore fails every write and reads like an empty store.
type failingStore struct{ *store.MemoryStore }

var errStoreDown = errors.New("store down")

func (f *failingStore) CreateSession(ctx context.Context, s *store.Session) error { return errStoreDown }
func (f *failingStore) SaveMessage(ctx context.Context, id string, m *store.Message) error {
	return errStoreDown
}

func TestRouting_StoreFailureDoesNotBlockDelivery(t *testing.T) {
	relay := newTestRelayWithStore(t, &failingStore{MemoryStore: store.NewMemoryStore()})
	node := relay.connect(t, protocol.RoleNode)
	channel := relay.connect(t, protocol.RoleChannel)

	event := `{"type":"event","id":"e1","sessionId":"s1","channelId":"c1","userId":"u1","text":"hello agent"}`
	channel.sendRaw(event)
	assert.Equal(t, event, string(node.readRaw()))

	metrics := relay.gw.router.metrics
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("create_session")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PersistErrors.WithLabelValues("save_message")))
}
