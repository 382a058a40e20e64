// ABOUTME: Router accepts websocket peers, authenticates them and relays envelopes by session
// ABOUTME: Persists session-bearing messages before forwarding the exact received bytes

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// Router errors
var (
	// ErrUnauthenticated means a non-auth envelope arrived before auth
	ErrUnauthenticated = errors.New("unauthorized. authenticate first")

	// ErrAuthFailed means the presented secret was rejected
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited means the peer exceeded its inbound frame rate
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Limits bounds what a single connection may do.
type Limits struct {
	MaxMessageBytes int64
	RateLimit       float64 // frames per second, 0 disables
	RateBurst       int
	PingInterval    time.Duration // 0 disables server pings
	WriteTimeout    time.Duration
	AllowedOrigins  []string // empty allows any origin
}

// RouterConfig holds the Router's collaborators.
type RouterConfig struct {
	Store    store.Store
	Verifier auth.Verifier
	Dedupe   *dedupe.Window // nil disables duplicate suppression
	Limits   Limits
	Metrics  *Metrics // nil registers on a private registry
	Logger   *slog.Logger
}

// Router owns the connection table and routes envelopes between peers.
type Router struct {
	store    store.Store
	verifier auth.Verifier
	dedupe   *dedupe.Window
	limits   Limits
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection
	wg    sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	r := &Router{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		dedupe:   cfg.Dedupe,
		limits:   cfg.Limits,
		metrics:  metrics,
		logger:   logger.With("component", "router"),
		conns:    make(map[string]*Connection),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Router) checkOrigin(req *http.Request) bool {
	if len(r.limits.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	// Non-browser peers send no Origin header.
	if origin == "" {
		return true
	}
	return slices.Contains(r.limits.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	conn := newConnection(ws, r.limits, r.logger)
	r.register(conn)
	defer r.unregister(conn)

	r.serve(req.Context(), conn)
}

func (r *Router) register(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()
	r.wg.Add(1)

	r.metrics.Connections.WithLabelValues(roleLabel("")).Inc()
	conn.logger.Info("peer connected", "remote", conn.RemoteAddr)
}

func (r *Router) unregister(conn *Connection) {
	r.mu.Lock()
	delete(r.conns, conn.ID)
	r.mu.Unlock()

	conn.Close(websocket.CloseNormalClosure, "")
	r.metrics.Connections.WithLabelValues(roleLabel(string(conn.Role()))).Dec()
	conn.logger.Info("peer disconnected", "role", conn.Role(), "session_id", conn.SessionID())
	r.wg.Done()
}

// serve is the per-connection read loop. Frames are handled one at a time,
// in arrival order.
func (r *Router) serve(ctx context.Context, conn *Connection) {
	ws := conn.ws
	if r.limits.MaxMessageBytes > 0 {
		ws.SetReadLimit(r.limits.MaxMessageBytes)
	}

	if r.limits.PingInterval > 0 {
		readWait := 2 * r.limits.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readWait))
		})

		done := make(chan struct{})
		defer close(done)
		go r.pingLoop(conn, done)
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.isClosed() {
				conn.logger.Debug("read loop ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if r.limits.PingInterval > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(2 * r.limits.PingInterval))
		}

		if !r.handleErr(conn, r.handleFrame(ctx, conn, data)) {
			return
		}
	}
}

func (r *Router) pingLoop(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(r.limits.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.logger.Debug("ping failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// handleErr is the single log-and-continue boundary for a connection. It
// reports whether the read loop should keep going.
func (r *Router) handleErr(conn *Connection, err error) bool {
	if err == nil {
		return true
	}

	switch {
	case errors.Is(err, ErrAuthFailed):
		r.metrics.AuthFailures.Inc()
		conn.logger.Warn("authentication failed", "error", err)
		_ = conn.SendEnvelope(protocol.NewError("", "Authentication failed"))
		conn.Close(websocket.ClosePolicyViolation, "authentication failed")
		return false

	case errors.Is(err, ErrUnauthenticated):
		conn.logger.Debug("message before auth")
		_ = conn.SendEnvelope(protocol.NewError("", "Unauthorized. Authenticate first."))

	case errors.Is(err, protocol.ErrMalformed):
		conn.logger.Warn("malformed frame", "error", err)
		_ = conn.SendEnvelope(protocol.NewError("", "Invalid JSON protocol"))

	default:
		conn.logger.Warn("rejected frame", "error", err)
		_ = conn.SendEnvelope(protocol.NewError("", err.Error()))
	}
	return true
}

// handleFrame decodes one frame and dispatches it.
func (r *Router) handleFrame(ctx context.Context, conn *Connection, data []byte) error {
	if !conn.allow() {
		r.metrics.Dropped.WithLabelValues("unknown", dropRateLimited).Inc()
		return ErrRateLimited
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		r.metrics.FramesReceived.WithLabelValues("invalid").Inc()
		// An auth frame that fails validation counts as a failed login.
		if t, _ := protocol.PeekType(data); t == protocol.TypeAuth && errors.Is(err, protocol.ErrInvalid) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}
	r.metrics.FramesReceived.WithLabelValues(string(msg.Kind())).Inc()

	if m, ok := msg.(*protocol.Auth); ok {
		return r.authenticate(conn, m)
	}
	if !conn.Authenticated() {
		return ErrUnauthenticated
	}

	head := msg.Head()
	if head.SessionID != "" {
		if prev := conn.bind(head.SessionID); prev != head.SessionID {
			conn.logger.Debug("bound session", "session_id", head.SessionID, "previous", prev)
		}
	}

	role := conn.Role()
	if r.dedupe != nil && head.ID != "" && r.dedupe.Seen(dedupe.Key(conn.ID, string(msg.Kind()), head.SessionID, head.ID)) {
		conn.logger.Debug("dropped duplicate", "type", msg.Kind(), "id", head.ID, "session_id", head.SessionID)
		r.metrics.Dropped.WithLabelValues(string(msg.Kind()), dropDuplicate).Inc()
		return nil
	}

	target, routable := protocol.RouteTarget(msg.Kind())
	if msg.Kind() == protocol.TypeError {
		// Peer-reported failures reach the other side of their session.
		if head.SessionID == "" {
			conn.logger.Warn("peer reported error", "message", msg.(*protocol.Error).Message)
			r.metrics.Dropped.WithLabelValues(string(msg.Kind()), dropNoSession).Inc()
			return nil
		}
		target, routable = role.Opposite(), true
	}
	if !routable {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.Kind())
	}

	if head.SessionID != "" {
		r.persist(ctx, conn, msg, data)
	}
	r.RouteToSession(target, head.SessionID, msg.Kind(), data)
	return nil
}

func (r *Router) authenticate(conn *Connection, m *protocol.Auth) error {
	if err := r.verifier.Verify(m.Token, m.Role); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	prev := conn.Role()
	conn.authenticate(m.Role, m.Token)
	if prev != m.Role {
		r.metrics.Connections.WithLabelValues(roleLabel(string(prev))).Dec()
		r.metrics.Connections.WithLabelValues(roleLabel(string(m.Role))).Inc()
	}
	if m.SessionID != "" {
		conn.bind(m.SessionID)
	}

	conn.logger.Info("peer authenticated", "role", m.Role)
	if err := conn.SendEnvelope(protocol.AuthOK(m.ID)); err != nil {
		conn.logger.Warn("sending auth ack failed", "error", err)
	}
	return nil
}

// persist records a session-bearing message before it is routed. An event
// creates its session first. Failures are logged and never stop routing.
func (r *Router) persist(ctx context.Context, conn *Connection, msg protocol.Message, data []byte) {
	sessionID := msg.Head().SessionID
	logger := conn.logger.With("session_id", sessionID, "type", msg.Kind())

	if ev, ok := msg.(*protocol.Event); ok {
		err := r.store.CreateSession(ctx, &store.Session{
			ID:        sessionID,
			ChannelID: ev.ChannelID,
			UserID:    ev.UserID,
		})
		if err != nil {
			logger.Warn("creating session failed", "error", err)
			r.metrics.PersistErrors.WithLabelValues("create_session").Inc()
		}
	}

	err := r.store.SaveMessage(ctx, sessionID, &store.Message{
		SessionID: sessionID,
		Type:      string(msg.Kind()),
		Data:      data,
	})
	if err != nil {
		logger.Warn("saving message failed", "error", err)
		r.metrics.PersistErrors.WithLabelValues("save_message").Inc()
	}
}

// RouteToSession delivers raw to every authenticated, open connection of
// role whose bound session is unset or equal to sessionID. An empty
// sessionID reaches every connection of role. It returns the number of
// peers written to.
func (r *Router) RouteToSession(role protocol.Role, sessionID string, msgType protocol.Type, raw []byte) int {
	var targets []*Connection
	r.mu.RLock()
	for _, c := range r.conns {
		if c.accepts(role, sessionID) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(raw); err != nil {
			c.logger.Warn("delivery failed", "type", msgType, "error", err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		r.logger.Warn("message could not be delivered", "type", msgType, "role", role, "session_id", sessionID)
		r.metrics.Dropped.WithLabelValues(string(msgType), dropNoRoute).Inc()
		return 0
	}
	r.metrics.Routed.WithLabelValues(string(msgType)).Add(float64(delivered))
	return delivered
}

// Connections returns a snapshot of every open connection.
func (r *Router) Connections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.Info())
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}

// CountAuthenticated returns how many authenticated peers hold role.
func (r *Router) CountAuthenticated(role protocol.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.Authenticated() && c.Role() == role {
			n++
		}
	}
	return n
}

// Close disconnects every peer and waits for their read loops to finish
// or for ctx to expire.
func (r *Router) Close(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "relay shutting down")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
