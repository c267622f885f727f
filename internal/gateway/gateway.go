// Package gateway terminates collaboration websockets. A handshake is
// authenticated, checked against the document directory and the workspace
// membership, and then bound to the document's session room; afterwards
// every inbound frame of a socket is handled in arrival order.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/membership"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPingInterval    = 20 * time.Second
	defaultPongTimeout     = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
	defaultSendBuffer      = 128
	defaultRateLimit       = 50
	defaultRateBurst       = 100
	defaultRecheckInterval = 10 * time.Second
	handshakeWriteTimeout  = 5 * time.Second

	fieldConnectionID = "connection_id"
	fieldDocumentID   = "document_id"
	fieldWorkspaceID  = "workspace_id"
	fieldUserID       = "user_id"
)

var (
	errMissingVerifier   = errors.New("gateway: verifier is required")
	errMissingAuthorizer = errors.New("gateway: authorizer is required")
	errMissingSessions   = errors.New("gateway: sessions are required")
)

// Authorizer answers the document directory and membership questions of a
// handshake.
type Authorizer interface {
	ResolveDocument(ctx context.Context, workspaceID, documentID string) error
	ResolveRole(ctx context.Context, workspaceID, userID string) (membership.Role, error)
}

// Sessions is the document session manager as seen by sockets.
type Sessions interface {
	Subscribe(ctx context.Context, documentID string, peer session.Peer, vector []byte) error
	Unsubscribe(documentID, peerID string)
	ApplyUpdate(ctx context.Context, documentID, peerID string, update []byte) error
	Sync(ctx context.Context, documentID, peerID string, vector []byte) error
}

// Config configures a Gateway.
type Config struct {
	Verifier        auth.Verifier
	Authorizer      Authorizer
	Sessions        Sessions
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	RateLimit       float64
	RateBurst       int
	RecheckInterval time.Duration
	// OriginPatterns are host patterns accepted on cross-origin upgrades.
	OriginPatterns []string
	Metrics        *metrics.Collectors
	Logger         *zap.Logger
	NewID          func() string
}

// Gateway accepts collaboration sockets.
type Gateway struct {
	verifier        auth.Verifier
	authorizer      Authorizer
	sessions        Sessions
	pingInterval    time.Duration
	pongTimeout     time.Duration
	maxMessageBytes int64
	sendBuffer      int
	rateLimit       rate.Limit
	rateBurst       int
	recheckInterval time.Duration
	originPatterns  []string
	metrics         *metrics.Collectors
	logger          *zap.Logger
	newID           func() string

	mutex       sync.Mutex
	connections map[string]*connection
	closed      bool
}

// New validates cfg and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	gateway := &Gateway{
		verifier:        cfg.Verifier,
		authorizer:      cfg.Authorizer,
		sessions:        cfg.Sessions,
		pingInterval:    positiveDuration(cfg.PingInterval, defaultPingInterval),
		pongTimeout:     positiveDuration(cfg.PongTimeout, defaultPongTimeout),
		maxMessageBytes: cfg.MaxMessageBytes,
		sendBuffer:      cfg.SendBuffer,
		rateLimit:       rate.Limit(cfg.RateLimit),
		rateBurst:       cfg.RateBurst,
		recheckInterval: positiveDuration(cfg.RecheckInterval, defaultRecheckInterval),
		originPatterns:  cfg.OriginPatterns,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		newID:           cfg.NewID,
		connections:     make(map[string]*connection),
	}
	if gateway.maxMessageBytes <= 0 {
		gateway.maxMessageBytes = defaultMaxMessageBytes
	}
	if gateway.sendBuffer <= 0 {
		gateway.sendBuffer = defaultSendBuffer
	}
	if gateway.rateLimit <= 0 {
		gateway.rateLimit = defaultRateLimit
	}
	if gateway.rateBurst <= 0 {
		gateway.rateBurst = defaultRateBurst
	}
	if gateway.logger == nil {
		gateway.logger = zap.NewNop()
	}
	if gateway.newID == nil {
		gateway.newID = newConnectionID
	}
	return gateway, nil
}

// Handle upgrades the request and runs the socket until it closes.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, workspaceID, documentID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(g.maxMessageBytes)
	ctx := r.Context()

	workspaceID = strings.TrimSpace(workspaceID)
	documentID = strings.TrimSpace(documentID)
	identity, role, vector, rejection := g.authorize(ctx, r, workspaceID, documentID)
	if rejection != nil {
		g.rejectHandshake(ctx, conn, *rejection)
		return
	}

	c := newConnection(connectionConfig{
		id:          g.newID(),
		conn:        conn,
		workspaceID: workspaceID,
		documentID:  documentID,
		userID:      identity.UserID,
		role:        role,
		sendBuffer:  g.sendBuffer,
		limiter:     rate.NewLimiter(g.rateLimit, g.rateBurst),
		metrics:     g.metrics,
		logger:      g.logger,
	})
	if !g.register(c) {
		g.rejectHandshake(ctx, conn, handshakeRejection{code: CodeInternal, message: "server shutting down", status: websocket.StatusGoingAway})
		return
	}
	defer g.unregister(c)
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	c.enqueue(Frame{
		Type:         FrameAccept,
		ConnectionID: c.id,
		Role:         role.String(),
		ReadOnly:     !role.CanWrite(),
	})

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		c.writeLoop()
	}()

	if err := g.sessions.Subscribe(ctx, documentID, c, vector); err != nil {
		c.logger.Error("subscribe failed", zap.Error(err))
		c.closeWith(rejectFrame(0, CodeInternal, "document unavailable"), websocket.StatusTryAgainLater, "document unavailable")
		workers.Wait()
		return
	}
	c.logger.Info("collaboration session opened", zap.String("role", role.String()))

	workers.Add(2)
	go func() {
		defer workers.Done()
		g.keepalive(c)
	}()
	go func() {
		defer workers.Done()
		g.recheckRole(c)
	}()

	err = g.readLoop(ctx, c)
	if !errors.Is(err, errSessionEnded) {
		c.abort(websocket.StatusNormalClosure, "")
	}
	g.sessions.Unsubscribe(documentID, c.id)
	workers.Wait()
	c.logger.Info("collaboration session closed", zap.String("status", websocket.CloseStatus(err).String()))
}

// Close terminates every open socket with status 1001.
func (g *Gateway) Close() {
	g.mutex.Lock()
	g.closed = true
	open := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		open = append(open, c)
	}
	g.mutex.Unlock()
	for _, c := range open {
		c.abort(websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections reports the number of open sockets.
func (g *Gateway) ActiveConnections() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.connections)
}

type handshakeRejection struct {
	code    string
	message string
	status  websocket.StatusCode
}

func (g *Gateway) authorize(ctx context.Context, r *http.Request, workspaceID, documentID string) (auth.Identity, membership.Role, []byte, *handshakeRejection) {
	logger := g.logger.With(zap.String(fieldWorkspaceID, workspaceID), zap.String(fieldDocumentID, documentID))

	identity, err := g.verifier.Verify(ctx, auth.BearerToken(r))
	if err != nil {
		logger.Info("handshake credential rejected", zap.Error(err))
		return auth.Identity{}, membership.RoleNone, nil, policyRejection(CodeUnauthenticated, "credential rejected")
	}
	if workspaceID == "" || documentID == "" {
		return auth.Identity{}, membership.RoleNone, nil, policyRejection(CodeDocumentNotFound, "workspace and document are required")
	}

	if err := g.authorizer.ResolveDocument(ctx, workspaceID, documentID); err != nil {
		if errors.Is(err, membership.ErrDocumentNotFound) {
			return auth.Identity{}, membership.RoleNone, nil, policyRejection(CodeDocumentNotFound, "document not found")
		}
		logger.Error("document directory lookup failed", zap.Error(err))
		return auth.Identity{}, membership.RoleNone, nil, &handshakeRejection{code: CodeInternal, message: "document directory unavailable", status: websocket.StatusInternalError}
	}

	role, err := g.authorizer.ResolveRole(ctx, workspaceID, identity.UserID)
	if err != nil {
		logger.Warn("membership lookup failed, rejecting", zap.String(fieldUserID, identity.UserID), zap.Error(err))
	}
	if err != nil || !role.IsMember() {
		return auth.Identity{}, membership.RoleNone, nil, policyRejection(CodeNotAMember, "not a member of the workspace")
	}

	vector, err := decodeStateVector(r.URL.Query().Get(StateVectorParameter))
	if err != nil {
		return auth.Identity{}, membership.RoleNone, nil, policyRejection(CodeInvalidFrame, "state_vector is not base64url")
	}
	return identity, role, vector, nil
}

func policyRejection(code, message string) *handshakeRejection {
	return &handshakeRejection{code: code, message: message, status: websocket.StatusPolicyViolation}
}

func (g *Gateway) rejectHandshake(ctx context.Context, conn *websocket.Conn, rejection handshakeRejection) {
	g.metrics.HandshakeRejected(rejection.code)
	writeCtx, cancel := context.WithTimeout(ctx, handshakeWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, rejectFrame(0, rejection.code, rejection.message)); err != nil {
		g.logger.Debug("writing handshake reject failed", zap.Error(err))
	}
	_ = conn.Close(rejection.status, rejection.code)
}

func (g *Gateway) register(c *connection) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.closed {
		return false
	}
	g.connections[c.id] = c
	return true
}

func (g *Gateway) unregister(c *connection) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.connections, c.id)
}

func (g *Gateway) keepalive(c *connection) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, g.pongTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if c.ctx.Err() == nil {
				c.logger.Info("keepalive failed, closing socket", zap.Error(err))
				c.abort(websocket.StatusGoingAway, "keepalive timeout")
			}
			return
		}
	}
}

// recheckRole re-resolves the role so demotions and removals reach open
// sockets within one interval plus the authorizer's cache TTL.
func (g *Gateway) recheckRole(c *connection) {
	ticker := time.NewTicker(g.recheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			role, err := g.authorizer.ResolveRole(c.ctx, c.workspaceID, c.userID)
			if c.ctx.Err() != nil {
				return
			}
			if err != nil || !role.IsMember() {
				c.logger.Info("membership revoked, closing socket", zap.Error(err))
				g.metrics.HandshakeRejected(CodeNotAMember)
				c.closeWith(rejectFrame(0, CodeNotAMember, "membership revoked"), websocket.StatusPolicyViolation, CodeNotAMember)
				return
			}
			if previous := c.swapRole(role); previous != role {
				c.logger.Info("role changed", zap.String("from", previous.String()), zap.String("to", role.String()))
				c.enqueue(Frame{Type: FrameRole, Role: role.String(), ReadOnly: !role.CanWrite()})
			}
		}
	}
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func newConnectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
