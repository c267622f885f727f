package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/membership"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// errSessionEnded reports that the socket was handed a closing reject; the
// writer finishes the close.
var errSessionEnded = errors.New("gateway: session ended")

type outbound struct {
	frame       *Frame
	closeStatus websocket.StatusCode
	closeReason string
}

type connectionConfig struct {
	id          string
	conn        *websocket.Conn
	workspaceID string
	documentID  string
	userID      string
	role        membership.Role
	sendBuffer  int
	limiter     *rate.Limiter
	metrics     *metrics.Collectors
	logger      *zap.Logger
}

// connection is one collaboration socket. It is the session peer for its
// document: deliveries from the room land in a bounded send buffer drained by
// a single writer goroutine.
type connection struct {
	id          string
	conn        *websocket.Conn
	workspaceID string
	documentID  string
	userID      string
	role        atomic.Value
	send        chan outbound
	limiter     *rate.Limiter
	metrics     *metrics.Collectors
	logger      *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	abortOnce   sync.Once
	closeStatus websocket.StatusCode
	closeReason string
}

func newConnection(cfg connectionConfig) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &connection{
		id:          cfg.id,
		conn:        cfg.conn,
		workspaceID: cfg.workspaceID,
		documentID:  cfg.documentID,
		userID:      cfg.userID,
		send:        make(chan outbound, cfg.sendBuffer),
		limiter:     cfg.limiter,
		metrics:     cfg.metrics,
		logger: logger.With(
			zap.String(fieldConnectionID, cfg.id),
			zap.String(fieldWorkspaceID, cfg.workspaceID),
			zap.String(fieldDocumentID, cfg.documentID),
			zap.String(fieldUserID, cfg.userID),
		),
		ctx:    ctx,
		cancel: cancel,
	}
	c.role.Store(cfg.role)
	return c
}

// ID implements session.Peer.
func (c *connection) ID() string {
	return c.id
}

// Deliver implements session.Peer.
func (c *connection) Deliver(event session.Event) {
	c.enqueue(eventFrame(event))
}

func (c *connection) currentRole() membership.Role {
	return c.role.Load().(membership.Role)
}

func (c *connection) swapRole(role membership.Role) membership.Role {
	return c.role.Swap(role).(membership.Role)
}

// enqueue never blocks. A full buffer means the client cannot keep up; the
// socket is closed with 1013 and the client resyncs on reconnect.
func (c *connection) enqueue(frame Frame) bool {
	return c.push(outbound{frame: &frame})
}

func (c *connection) push(item outbound) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- item:
		return true
	default:
		c.metrics.SlowConsumer()
		c.logger.Warn("send buffer full, closing slow consumer")
		c.abort(websocket.StatusTryAgainLater, "send buffer overflow")
		return false
	}
}

// closeWith sends frame and then closes the socket with status once every
// frame queued before it has been written.
func (c *connection) closeWith(frame Frame, status websocket.StatusCode, reason string) {
	if !c.enqueue(frame) {
		return
	}
	c.push(outbound{closeStatus: status, closeReason: reason})
}

// abort stops the connection's goroutines; the writer closes the socket with
// the first status recorded.
func (c *connection) abort(status websocket.StatusCode, reason string) {
	c.abortOnce.Do(func() {
		c.closeStatus = status
		c.closeReason = reason
		c.cancel()
	})
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.Close(c.closeStatus, c.closeReason)
			return
		case item := <-c.send:
			if item.frame == nil {
				c.abort(item.closeStatus, item.closeReason)
				_ = c.conn.Close(c.closeStatus, c.closeReason)
				return
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, item.frame)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("write failed", zap.Error(err))
				}
				c.abort(websocket.StatusInternalError, "write failed")
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

// readLoop handles inbound frames strictly in arrival order. It returns when
// the socket fails or the session can no longer continue.
func (g *Gateway) readLoop(ctx context.Context, c *connection) error {
	for {
		messageType, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if messageType != websocket.MessageText {
			g.metrics.FrameReceived(frameLabel(""))
			c.enqueue(rejectFrame(0, CodeInvalidFrame, "frames must be JSON text messages"))
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.metrics.FrameReceived(frameLabel(""))
			c.enqueue(rejectFrame(0, CodeInvalidFrame, "frame is not valid JSON"))
			continue
		}
		g.metrics.FrameReceived(frameLabel(frame.Type))
		if !c.limiter.Allow() {
			c.enqueue(rejectFrame(frame.ID, CodeRateLimited, "too many frames"))
			continue
		}
		if err := g.dispatch(ctx, c, frame); err != nil {
			return err
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *connection, frame Frame) error {
	switch frame.Type {
	case FrameUpdate:
		return g.handleUpdate(ctx, c, frame)
	case FrameSync:
		if err := g.sessions.Sync(ctx, c.documentID, c.id, frame.StateVector); err != nil {
			return g.sessionFailure(c, frame.ID, err)
		}
		return nil
	case FramePing:
		c.enqueue(Frame{Type: FramePong, ID: frame.ID})
		return nil
	default:
		c.enqueue(rejectFrame(frame.ID, CodeInvalidFrame, "unknown frame type"))
		return nil
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, c *connection, frame Frame) error {
	if !c.currentRole().CanWrite() {
		c.enqueue(rejectFrame(frame.ID, CodeReadOnly, "write denied for read-only role"))
		return nil
	}
	if len(frame.Payload) == 0 {
		c.enqueue(rejectFrame(frame.ID, CodeInvalidFrame, "update payload is required"))
		return nil
	}

	err := g.sessions.ApplyUpdate(ctx, c.documentID, c.id, frame.Payload)
	switch {
	case err == nil:
		c.enqueue(Frame{Type: FrameAck, ID: frame.ID})
		return nil
	case errors.Is(err, session.ErrMergeFailed):
		c.logger.Info("update dropped, requesting resync", zap.Int64("frame_id", frame.ID), zap.Error(err))
		c.enqueue(Frame{Type: FrameResync, ID: frame.ID, Code: CodeResyncRequired, Message: "update could not be merged"})
		if err := g.sessions.Sync(ctx, c.documentID, c.id, nil); err != nil {
			return g.sessionFailure(c, frame.ID, err)
		}
		return nil
	default:
		return g.sessionFailure(c, frame.ID, err)
	}
}

// sessionFailure ends a socket whose room subscription is gone.
func (g *Gateway) sessionFailure(c *connection, frameID int64, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Warn("session operation failed, closing socket", zap.Error(err))
	c.closeWith(rejectFrame(frameID, CodeInternal, "session unavailable"), websocket.StatusTryAgainLater, "session unavailable")
	return fmt.Errorf("%w: %w", errSessionEnded, err)
}

func frameLabel(frameType string) string {
	switch frameType {
	case FrameUpdate, FrameSync, FramePing:
		return frameType
	default:
		return "invalid"
	}
}
