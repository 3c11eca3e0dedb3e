package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Link is one open connection of a session. Writes are serialized; reads
// belong to the session's read loop, or to a Handshake before the loop starts.
type Link struct {
	conn      Conn
	wmu       sync.Mutex
	last      atomic.Int64
	closeOnce sync.Once
	closeErr  error

	// timeout is the window of the current Read. Control handlers run inside
	// ReadMessage, on the reading goroutine.
	timeout time.Duration
}

func newLink(conn Conn) *Link {
	l := &Link{conn: conn}
	l.touch()
	conn.SetPingHandler(func(data string) error {
		l.received()
		l.wmu.Lock()
		defer l.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		l.received()
		return nil
	})
	return l
}

// received records inbound traffic, control frames included, and pushes the
// read deadline of the pending Read out by its full window.
func (l *Link) received() {
	l.touch()
	if l.timeout > 0 {
		_ = l.conn.SetReadDeadline(time.Now().Add(l.timeout))
	}
}

func (l *Link) touch() {
	l.last.Store(time.Now().UnixNano())
}

// Idle returns how long no frame was sent or received.
func (l *Link) Idle() time.Duration {
	return time.Since(time.Unix(0, l.last.Load()))
}

// WriteText sends a text frame.
func (l *Link) WriteText(b []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return err
	}
	l.touch()
	return nil
}

// WriteJSON encodes v and sends it as a text frame.
func (l *Link) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.WriteText(b)
}

// Ping sends a protocol-level ping frame.
func (l *Link) Ping() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return err
	}
	l.touch()
	return nil
}

// Read returns the next data frame. It fails once nothing at all, not even a
// ping or pong, arrived for timeout. A zero timeout waits indefinitely.
func (l *Link) Read(timeout time.Duration) ([]byte, error) {
	l.timeout = timeout
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	l.touch()
	return data, nil
}

// Close closes the connection once; later calls return the first result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.wmu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		l.wmu.Unlock()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
