package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultReadLimit = 1 << 20
)

// Conn carries frames over a websocket. Send is safe for concurrent use;
// Read must be called from a single goroutine.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	readWait  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(defaultReadLimit)
	return &Conn{
		ws:        ws,
		writeWait: defaultWriteWait,
		done:      make(chan struct{}),
	}
}

// Send encodes and writes m. The write deadline is the earlier of the
// context deadline and the default write wait.
func (c *Conn) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Read blocks for the next frame. Decoding failures are returned wrapped in
// ErrMalformed or ErrUnknownType with a nil Message; the connection is still
// usable and the caller may keep reading. Any other error is terminal.
func (c *Conn) Read() (Message, error) {
	if c.readWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.readWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
	}
	return Decode(data)
}

// SetReadTimeout bounds how long Read waits. Zero disables the deadline.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.readWait = d
	if d > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
}

// KeepAlive extends the read deadline to wait on every frame and pong, and
// pings the peer every interval until the connection is closed. Call it
// from the reading goroutine before the first Read.
func (c *Conn) KeepAlive(interval, wait time.Duration) {
	c.SetReadTimeout(wait)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	go c.pingLoop(interval)
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(c.writeWait),
			); err != nil {
				return
			}
		}
	}
}

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a normal close frame and closes the socket. Only the first
// call has effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

// IsClosed reports whether err is an orderly websocket close.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
