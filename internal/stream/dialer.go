package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to a websocket URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket, optionally through an HTTP proxy.
type GorillaDialer struct {
	Proxy            string
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wd.HandshakeTimeout <= 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}
	if d.Proxy != "" {
		proxy, err := url.Parse(d.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		wd.Proxy = http.ProxyURL(proxy)
	}
	conn, resp, err := wd.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redact(rawURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(rawURL), err)
	}
	return conn, nil
}

// redact strips path and query, which may carry a listen key.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host
}
