package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meikuraledutech/flowsync"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// clientMessage is the {type, data} envelope read from a connection.
type clientMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinRequest struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
}

type cursorRequest struct {
	Cursor Cursor `json:"cursor"`
}

type selectionRequest struct {
	Selection Selection `json:"selection"`
}

type commitRequest struct {
	Definition flowsync.GraphDefinition `json:"definition"`
	ChangeLog  string                   `json:"changeLog"`
}

// Handler upgrades HTTP requests to websocket connections attached to a Hub.
type Handler struct {
	hub      *Hub
	ids      flowsync.IDGenerator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a websocket handler. checkOrigin may be nil to allow
// any origin.
func NewHandler(hub *Hub, ids flowsync.IDGenerator, checkOrigin func(*http.Request) bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub: hub,
		ids: ids,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.Named("ws"),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	buf := h.hub.Config().SendBuffer
	if buf <= 0 {
		buf = 64
	}
	c := &wsConn{
		id:     h.ids.NewID(),
		ws:     ws,
		send:   make(chan []byte, buf),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	c.logger = h.logger.With(zap.String("connection_id", c.id))
	go c.writePump()
	h.readPump(r.Context(), c)
}

func (h *Handler) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		h.hub.Leave(c.id)
		_ = c.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.Send(ErrorEvent(flowsync.Validationf("read message", "", "malformed envelope: %v", err), ""))
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

// dispatch handles one client message. Failures go back to the sender as
// an error event; the connection stays open.
func (h *Handler) dispatch(ctx context.Context, c *wsConn, msg clientMessage) {
	var err error
	opID := ""
	switch msg.Type {
	case MsgJoinWorkflow:
		var req joinRequest
		if err = decodeData(msg, &req); err == nil {
			_, err = h.hub.Join(ctx, c, req.WorkflowID, req.UserID, req.UserName)
		}
	case MsgLeaveWorkflow:
		h.hub.Leave(c.id)
	case MsgCursorUpdate:
		var req cursorRequest
		if err = decodeData(msg, &req); err == nil {
			err = h.hub.UpdateCursor(c.id, req.Cursor)
		}
	case MsgSelectionUpdate:
		var req selectionRequest
		if err = decodeData(msg, &req); err == nil {
			err = h.hub.UpdateSelection(c.id, req.Selection)
		}
	case MsgOperation:
		var peek struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg.Data, &peek)
		opID = peek.ID
		var op Operation
		if err = decodeData(msg, &op); err == nil {
			_, err = h.hub.SubmitOperation(c.id, op)
		}
	case MsgCommitVersion:
		var req commitRequest
		if err = decodeData(msg, &req); err == nil {
			_, err = h.hub.CommitVersion(ctx, c.id, req.Definition, req.ChangeLog)
		}
	default:
		err = flowsync.Validationf("read message", "type", "unknown message type %q", msg.Type)
	}
	if err != nil {
		c.logger.Debug("message rejected", zap.String("type", string(msg.Type)), zap.Error(err))
		_ = c.Send(ErrorEvent(err, opID))
	}
}

func decodeData(msg clientMessage, v any) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		if errors.Is(err, flowsync.ErrValidation) {
			return err
		}
		return flowsync.Validationf(string(msg.Type), "data", "%v", err)
	}
	return nil
}

// wsConn adapts a websocket connection to Conn. Sends are queued; a
// connection whose queue is full is closed rather than allowed to stall
// its room.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

var errSlowConsumer = errors.New("collab: send queue full")

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		c.logger.Warn("dropping slow connection")
		_ = c.Close()
		return errSlowConsumer
	}
}

// Close stops the writer, which closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
