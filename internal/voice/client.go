// Package voice serves the browser-facing WebSocket of a voice session.
package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientQueue = 128
	controlQueue       = 32
	clientWriteTimeout = 5 * time.Second
)

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// Client is one connected browser tab. Writes are queued and performed by a
// single writer goroutine so session output never blocks on the network.
// Text frames are written before snapshots and snapshots before audio; only
// audio is dropped under backpressure and only the newest snapshot is kept.
type Client struct {
	conn    *websocket.Conn
	key     string
	control chan outbound
	latest  chan []byte
	media   chan outbound
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	logger  *slog.Logger
}

// NewClient wraps conn and starts its writer.
func NewClient(conn *websocket.Conn, key string, logger *slog.Logger) *Client {
	c := newClient(conn, key, logger)
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func newClient(conn *websocket.Conn, key string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		key:     key,
		control: make(chan outbound, controlQueue),
		latest:  make(chan []byte, 1),
		media:   make(chan outbound, defaultClientQueue),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Key returns the client key the connection was registered under.
func (c *Client) Key() string {
	return c.key
}

// Send queues a frame. Binary frames drop the oldest queued audio when the
// queue is full. Text frames wait for space up to the write timeout.
func (c *Client) Send(typ websocket.MessageType, data []byte) {
	msg := outbound{typ: typ, data: data}
	if typ == websocket.MessageBinary {
		c.sendMedia(msg)
		return
	}
	select {
	case <-c.ctx.Done():
		return
	case c.control <- msg:
		return
	default:
	}
	timer := time.NewTimer(clientWriteTimeout)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
	case c.control <- msg:
	case <-timer.C:
		c.logger.Warn("Client control queue stalled, dropping frame", "client", c.key)
	}
}

func (c *Client) sendMedia(msg outbound) {
	select {
	case <-c.ctx.Done():
		return
	case c.media <- msg:
		return
	default:
	}

	c.logger.Debug("Client audio queue full, dropping oldest frame", "client", c.key)
	select {
	case <-c.media:
	default:
	}
	select {
	case c.media <- msg:
	default:
	}
}

// SendJSON encodes v and queues it as a text frame.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Send(websocket.MessageText, data)
	return nil
}

// SendSnapshot encodes v and replaces any snapshot not yet written.
func (c *Client) SendSnapshot(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case c.latest <- data:
			return nil
		default:
		}
		select {
		case <-c.latest:
		default:
		}
	}
}

// next returns the highest priority frame that is queued, waiting if none is.
func (c *Client) next() (outbound, bool) {
	select {
	case msg := <-c.control:
		return msg, true
	default:
	}
	select {
	case msg := <-c.control:
		return msg, true
	case data := <-c.latest:
		return outbound{typ: websocket.MessageText, data: data}, true
	default:
	}
	select {
	case <-c.ctx.Done():
		return outbound{}, false
	case msg := <-c.control:
		return msg, true
	case data := <-c.latest:
		return outbound{typ: websocket.MessageText, data: data}, true
	case msg := <-c.media:
		return msg, true
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		msg, ok := c.next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, clientWriteTimeout)
		err := c.conn.Write(ctx, msg.typ, msg.data)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("Client write error", "client", c.key, "error", err)
			}
			c.cancel()
			return
		}
	}
}

// Close stops the writer and closes the connection with reason.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.logger.Debug("Failed to close client websocket", "client", c.key, "error", err)
		}
	})
}
