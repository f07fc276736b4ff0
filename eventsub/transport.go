package eventsub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented connection to the EventSub endpoint.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials EventSub with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	// ReadLimit caps a single frame; zero means 1 MiB.
	ReadLimit int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return c, nil
}

type frame struct {
	data []byte
	err  error
}

// connection pumps frames from a Conn on its own goroutine so the session
// loop can select over frames and timers.
type connection struct {
	conn   Conn
	frames chan frame
	done   chan struct{}
	once   sync.Once
}

func startConnection(c Conn) *connection {
	cn := &connection{conn: c, frames: make(chan frame), done: make(chan struct{})}
	go cn.read()
	return cn
}

func (c *connection) read() {
	for {
		typ, data, err := c.conn.ReadMessage()
		var f frame
		switch {
		case err != nil:
			f = frame{err: err}
		case typ != websocket.TextMessage:
			continue
		default:
			f = frame{data: data}
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
