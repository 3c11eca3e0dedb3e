// Package stream runs reconnecting WebSocket sessions with handshake
// fallback, keepalive and lease renewal.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quant-core/internal/monitor"
	"quant-core/pkg/logger"
)

// ErrHandshake marks a rejection of a connection mode (bad login, refused
// subscription, unusable lease). It advances the session to its next mode.
// Any other error from a mode is treated as a transport failure and retried.
var ErrHandshake = errors.New("stream handshake rejected")

// ErrNotConnected is returned by Send while no link is up.
var ErrNotConnected = errors.New("stream: not connected")

// ErrNoModes is returned by New when no connection mode is configured.
var ErrNoModes = errors.New("stream: no connection modes")

// Mode is one way of reaching a stream, e.g. a combined endpoint with a raw fallback.
type Mode struct {
	Name string
	// URL resolves the endpoint for every dial, so leased tokens can be refreshed.
	URL func(ctx context.Context) (string, error)
	// Handshake authenticates and subscribes on a fresh link. Nil means none is needed.
	Handshake func(ctx context.Context, link *Link) error
}

// Renew is a periodic task bound to the session lifetime, such as listen key renewal.
type Renew struct {
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Config describes a session.
type Config struct {
	Name           string
	Modes          []Mode
	Dialer         Dialer
	ReconnectDelay time.Duration
	// IdleTimeout triggers Ping after that long without traffic. A link that
	// receives nothing, pings and pongs included, for twice this value is
	// dropped. Zero disables both.
	IdleTimeout   time.Duration
	Ping          func(link *Link) error
	Renew         Renew
	Release       func(ctx context.Context)
	OnMessage     func(data []byte) error
	OnStateChange func(from, to State)
}

// Session keeps one logical stream alive across reconnects.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   State
	link    *Link
	mode    int
	err     error
	started bool
	cancel  context.CancelFunc

	done chan struct{}
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if len(cfg.Modes) == 0 {
		return nil, ErrNoModes
	}
	for i, m := range cfg.Modes {
		if m.URL == nil {
			return nil, fmt.Errorf("stream %s: mode %d has no URL", cfg.Name, i)
		}
	}
	if cfg.OnMessage == nil {
		return nil, fmt.Errorf("stream %s: OnMessage is required", cfg.Name)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Session{cfg: cfg, state: Disconnected, done: make(chan struct{})}, nil
}

// Start launches the session. It returns immediately; the session runs until
// ctx is cancelled, Close is called, or every mode is rejected.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.cfg.Renew.Fn != nil && s.cfg.Renew.Interval > 0 {
		go s.renewLoop(ctx)
	}
	go s.run(ctx)
}

// Close stops the session without reconnecting and waits for Release.
func (s *Session) Close() error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	if !started {
		s.started = true
		s.state = Closed
		close(s.done)
	}
	s.mu.Unlock()
	if started {
		cancel()
		<-s.done
	}
	return nil
}

// Send writes v as JSON on the current link. Frames sent while reconnecting
// are lost; handshakes must resubscribe.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}
	return link.WriteJSON(v)
}

// Reconnect drops the current connection; the session redials after ReconnectDelay.
func (s *Session) Reconnect() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the name of the mode in use.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Modes[s.mode].Name
}

// Done is closed when the session has stopped for good.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the permanent failure, or nil after a local close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Name returns the configured session name.
func (s *Session) Name() string {
	return s.cfg.Name
}

func (s *Session) run(ctx context.Context) {
	defer s.finish()

	for {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		mode := s.cfg.Modes[s.mode]
		s.mu.Unlock()

		link, err := s.connect(ctx, mode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrHandshake) {
				if !s.nextMode() {
					logger.Errorf("stream %s: all connection modes rejected: %v", s.cfg.Name, err)
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
					return
				}
				logger.Warnf("stream %s: mode %s rejected, falling back to %s: %v", s.cfg.Name, mode.Name, s.Mode(), err)
				continue
			}
			logger.Warnf("stream %s: connect failed: %v", s.cfg.Name, err)
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		s.setState(Subscribed)
		err = s.serve(ctx, link)
		s.setLink(nil)
		_ = link.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("stream %s: connection lost, reconnecting in %s: %v", s.cfg.Name, s.cfg.ReconnectDelay, err)
		if !s.backoff(ctx) {
			return
		}
	}
}

func (s *Session) connect(ctx context.Context, mode Mode) (*Link, error) {
	s.setState(Connecting)
	rawURL, err := mode.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s url: %w", mode.Name, err)
	}
	conn, err := s.cfg.Dialer.Dial(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	link := newLink(conn)
	if mode.Handshake != nil {
		s.setState(Authenticating)
		if err := mode.Handshake(ctx, link); err != nil {
			_ = link.Close()
			return nil, fmt.Errorf("%s handshake: %w", mode.Name, err)
		}
	}
	s.setLink(link)
	// Close may have raced the handshake.
	if ctx.Err() != nil {
		_ = link.Close()
		return nil, ctx.Err()
	}
	return link, nil
}

func (s *Session) serve(ctx context.Context, link *Link) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = link.Close()
		case <-stop:
		}
	}()
	if s.cfg.IdleTimeout > 0 && s.cfg.Ping != nil {
		go s.keepalive(link, stop)
	}

	readTimeout := 2 * s.cfg.IdleTimeout
	for {
		data, err := link.Read(readTimeout)
		if err != nil {
			return err
		}
		if err := s.cfg.OnMessage(data); err != nil {
			logger.Warnf("stream %s: dropped frame: %v", s.cfg.Name, err)
		}
	}
}

func (s *Session) keepalive(link *Link, stop <-chan struct{}) {
	interval := s.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = s.cfg.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if link.Idle() < s.cfg.IdleTimeout {
				continue
			}
			if err := s.cfg.Ping(link); err != nil {
				logger.Warnf("stream %s: keepalive failed: %v", s.cfg.Name, err)
				_ = link.Close()
				return
			}
		}
	}
}

func (s *Session) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Renew.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.cfg.Renew.Fn(ctx); err != nil {
				logger.Errorf("stream %s: renew failed: %v", s.cfg.Name, err)
			}
		}
	}
}

// backoff waits ReconnectDelay in the Reconnecting state. It reports false if ctx ended.
func (s *Session) backoff(ctx context.Context) bool {
	s.setState(Reconnecting)
	monitor.StreamReconnect(s.cfg.Name)
	t := time.NewTimer(s.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) nextMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode+1 >= len(s.cfg.Modes) {
		return false
	}
	s.mode++
	return true
}

func (s *Session) finish() {
	if s.cfg.Release != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.cfg.Release(ctx)
		cancel()
	}
	s.setState(Closed)
	monitor.ForgetStream(s.cfg.Name)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	close(s.done)
}

func (s *Session) setLink(l *Link) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	monitor.SetStreamState(s.cfg.Name, int(to))
	logger.Infof("stream %s: %s -> %s", s.cfg.Name, from, to)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}
