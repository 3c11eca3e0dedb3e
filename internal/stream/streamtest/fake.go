// Package streamtest provides an in-memory websocket transport for adapter tests.
package streamtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quant-core/internal/stream"
)

// ErrDropped is returned by ReadMessage after Drop.
var ErrDropped = errors.New("connection reset by peer")

// Conn is a scripted stream.Conn. Reply, when set, is called for every text
// frame written and its return values are queued as incoming frames.
type Conn struct {
	Reply func(written string) []string

	in chan []byte

	mu      sync.Mutex
	written []string
	closed  bool
	dropped bool
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{in: make(chan []byte, 256)}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	b, ok := <-c.in
	if !ok {
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		if dropped {
			return 0, nil, ErrDropped
		}
		return 0, nil, errors.New("use of closed network connection")
	}
	return websocket.TextMessage, b, nil
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("write on closed connection")
	}
	c.written = append(c.written, string(data))
	reply := c.Reply
	c.mu.Unlock()
	if reply != nil {
		for _, r := range reply(string(data)) {
			c.Push(r)
		}
	}
	return nil
}

func (c *Conn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *Conn) SetPingHandler(func(string) error)         {}
func (c *Conn) SetPongHandler(func(string) error)         {}
func (c *Conn) SetReadDeadline(time.Time) error           { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

// Push queues an incoming frame; it is a no-op once closed.
func (c *Conn) Push(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.in <- []byte(frame)
}

// Drop simulates an unexpected remote close.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.dropped = true
	c.mu.Unlock()
	_ = c.Close()
}

// Written returns the text frames sent so far.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

// Closed reports whether the connection was closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer hands out scripted connections. Route, when set, picks the
// connection for a URL; otherwise connections are used in order.
type Dialer struct {
	Route func(url string) (*Conn, error)

	mu    sync.Mutex
	queue []*Conn
	urls  []string
}

// NewDialer queues conns for successive dials.
func NewDialer(conns ...*Conn) *Dialer {
	return &Dialer{queue: conns}
}

func (d *Dialer) Dial(_ context.Context, url string) (stream.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	route := d.Route
	if route == nil {
		defer d.mu.Unlock()
		if len(d.queue) == 0 {
			return nil, errors.New("connection refused")
		}
		c := d.queue[0]
		d.queue = d.queue[1:]
		return c, nil
	}
	d.mu.Unlock()
	c, err := route(url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// URLs returns every dialed URL in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
