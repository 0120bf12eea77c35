package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit    = 4 << 20
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	defaultHandshake    = 30 * time.Second
	controlQueueSize    = 64
)

var (
	// ErrClosed is reported once the connection was closed locally.
	ErrClosed = errors.New("realtime connection closed")

	errBackpressure = errors.New("realtime outbound queue full")
)

// Dialer opens control channels to the realtime model endpoint.
type Dialer struct {
	URL              string
	Model            string
	HTTPClient       *http.Client
	QueueSize        int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial negotiates a connection authenticated with the short-lived credential.
func (d *Dialer) Dial(ctx context.Context, credential string) (*Conn, error) {
	if credential == "" {
		return nil, fmt.Errorf("dial realtime: empty credential")
	}
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if d.Model != "" {
		q := target.Query()
		q.Set("model", d.Model)
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("OpenAI-Beta", "realtime=v1")

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshake
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, target.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	ws.SetReadLimit(defaultReadLimit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := d.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return newConn(ws, queue, writeTimeout, logger), nil
}

// Conn is an open control channel. Inbound events are decoded on a reader
// goroutine; outbound messages are queued and written by a writer goroutine.
// Control messages have their own queue and are always written before audio.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	events  chan Event
	control chan []byte
	audio   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, queue int, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		control:      make(chan []byte, controlQueueSize),
		audio:        make(chan []byte, queue),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Events returns the inbound event stream. It is closed when the connection ends;
// Err then reports why.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Conn) closedErr() error {
	if cerr := c.Err(); cerr != nil {
		return cerr
	}
	return ErrClosed
}

// Send queues a control message. It waits for queue space up to the write
// timeout and never gives way to audio; an error means the message was not queued.
func (c *Conn) Send(data []byte) error {
	if c.ctx.Err() != nil {
		return c.closedErr()
	}
	select {
	case c.control <- data:
		return nil
	default:
	}
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.control <- data:
		return nil
	case <-c.ctx.Done():
		return c.closedErr()
	case <-timer.C:
		return errBackpressure
	}
}

// SendAudio queues a microphone frame without blocking. Frames are rejected
// while the audio queue is full.
func (c *Conn) SendAudio(data []byte) error {
	if c.ctx.Err() != nil {
		return c.closedErr()
	}
	select {
	case c.audio <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.fail(ErrClosed)
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.fail(fmt.Errorf("realtime channel closed by peer: %d", status))
			} else {
				c.fail(fmt.Errorf("realtime read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable realtime event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			c.fail(ErrClosed)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		var data []byte
		select {
		case data = <-c.control:
		default:
			select {
			case <-c.ctx.Done():
				return
			case data = <-c.control:
			case data = <-c.audio:
			}
		}
		if !c.write(data) {
			return
		}
	}
}

func (c *Conn) write(data []byte) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	err := c.ws.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		if c.ctx.Err() == nil {
			c.fail(fmt.Errorf("realtime write: %w", err))
		}
		return false
	}
	return true
}

// Close releases the connection. It is safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		err = c.ws.Close(websocket.StatusNormalClosure, "session ended")
		c.wg.Wait()
	})
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		c.logger.Debug("Realtime close returned error", "error", err)
	}
	return nil
}
