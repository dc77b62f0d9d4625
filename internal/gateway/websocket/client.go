package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/delivery"
	ws "github.com/kandev/researchd/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 256

	// Live frames held back during a replay, as a multiple of the send buffer.
	backlogFactor = 16
)

// Client is one subscriber connection to one session. All writes to the
// connection happen on the goroutine running Run.
type Client struct {
	ID        string
	SessionID string

	conn       *websocket.Conn
	hub        *Hub
	policy     delivery.Policy
	send       chan []byte
	dispatcher *ws.Dispatcher
	logger     *logger.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	replaying  bool
	after      string
	backlog    [][]byte
	maxBacklog int
}

// NewClient creates a client for an upgraded connection.
func NewClient(id, sessionID string, conn *websocket.Conn, hub *Hub, policy delivery.Policy, sendBuffer int, log *logger.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	c := &Client{
		ID:         id,
		SessionID:  sessionID,
		conn:       conn,
		hub:        hub,
		policy:     policy,
		send:       make(chan []byte, sendBuffer),
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithSessionID(sessionID).WithSubscriberID(id),
		done:       make(chan struct{}),
		maxBacklog: sendBuffer * backlogFactor,
	}
	c.dispatcher.RegisterFunc(ws.ControlAck, c.handleAck)
	c.dispatcher.RegisterFunc(ws.ControlPing, c.handlePing)
	c.dispatcher.RegisterFunc(ws.ControlPong, func(context.Context, *ws.ControlMessage) error { return nil })
	return c
}

// enqueue queues a frame without blocking. While the client is replaying
// history the frame is held back instead. It fails when the client is closed
// or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	if c.replaying {
		defer c.mu.Unlock()
		if len(c.backlog) >= c.maxBacklog {
			return false
		}
		c.backlog = append(c.backlog, data)
		return true
	}
	c.mu.Unlock()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// beginReplay marks the client as replaying the history after the given
// message id. It must be called before the client is visible to Deliver.
func (c *Client) beginReplay(after string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = true
	c.after = after
}

// replayHistory writes the logged history, then the live frames held back
// while it was written, and switches the client to its send queue.
func (c *Client) replayHistory(ctx context.Context) error {
	c.mu.Lock()
	replaying, after := c.replaying, c.after
	c.mu.Unlock()
	if !replaying {
		return nil
	}

	evs, err := c.hub.loadHistory(ctx, c.SessionID, after)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		c.hub.track(c, ev, data)
		if err := c.write(data); err != nil {
			return err
		}
	}

	for {
		c.mu.Lock()
		held := c.backlog
		c.backlog = nil
		if len(held) == 0 {
			c.replaying = false
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		for _, data := range held {
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
	c.logger.Debug("History replayed", zap.Int("events", len(evs)))
	return nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Run serves the connection until the peer goes away, the heartbeat
// declares it dead, the hub drops it or ctx is done. It waits on inbound
// frames, the heartbeat timer and the outbound queue in one loop.
func (c *Client) Run(ctx context.Context) {
	defer c.hub.Detach(c)

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go c.readLoop(inbound, readErr)

	if err := c.replayHistory(ctx); err != nil {
		c.logger.Debug("History replay failed", zap.Error(err))
		return
	}

	hb := delivery.NewHeartbeat(c.policy, time.Now())
	timer := time.NewTimer(time.Until(hb.Next()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return

		case data := <-inbound:
			hb.Inbound(time.Now())
			c.handleMessage(ctx, data)
			resetTimer(timer, time.Until(hb.Next()))

		case <-timer.C:
			switch hb.Tick(time.Now()) {
			case delivery.SendPing:
				if err := c.writeJSON(ws.NewPing(time.Now())); err != nil {
					return
				}
			case delivery.Dead:
				c.logger.Info("Subscriber missed heartbeats, detaching",
					zap.Int("unanswered_pings", hb.Outstanding()))
				return
			}
			timer.Reset(time.Until(hb.Next()))

		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) readLoop(inbound chan<- []byte, readErr chan<- error) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-c.done:
			return
		}
	}
}

// handleMessage processes one inbound control frame. Malformed frames are
// answered with an error frame and otherwise ignored.
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	msg, err := ws.ParseControl(data)
	if err == nil {
		err = c.dispatcher.Dispatch(ctx, msg)
	}
	if err == nil {
		return
	}

	code := ws.ErrorCodeBadRequest
	if errors.Is(err, ws.ErrUnknownType) {
		code = ws.ErrorCodeUnknownType
	}
	c.logger.Debug("Rejected control message", zap.Error(err))
	if frame, ferr := ws.NewError(code, err.Error()); ferr == nil {
		_ = c.writeJSON(frame)
	}
}

func (c *Client) handleAck(_ context.Context, msg *ws.ControlMessage) error {
	if !c.hub.Ack(c, msg.MessageID) {
		c.logger.Debug("Ack for unknown or already released event", zap.String("message_id", msg.MessageID))
	}
	return nil
}

func (c *Client) handlePing(_ context.Context, _ *ws.ControlMessage) error {
	return c.writeJSON(ws.NewPong(time.Now()))
}

func (c *Client) writeJSON(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
