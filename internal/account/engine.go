// Package account keeps a reconciled, mark-corrected account view per user.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/pkg/logger"
)

var (
	ErrUserNotRegistered   = errors.New("user not registered")
	ErrSnapshotUnavailable = errors.New("account snapshot unavailable")
)

// Source is the slice of an exchange adapter the engine reads from.
type Source interface {
	GetAccountInfo(ctx context.Context, userID string) (model.AccountSnapshot, error)
	GetPositions(ctx context.Context, userID string) ([]model.Position, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	SubscribeAccountUpdates(ctx context.Context, userID string) (<-chan model.AccountSnapshot, error)
}

// Config controls caching and push scheduling.
type Config struct {
	StalenessWindow    time.Duration // cached positions younger than this are only re-marked
	SweepInterval      time.Duration // forced reconcile and publish for every user
	InitialPushDelay   time.Duration // first publish after Register
	PostOrderPushDelay time.Duration // publish after Invalidate
	SweepConcurrency   int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		StalenessWindow:    2 * time.Second,
		SweepInterval:      3 * time.Second,
		InitialPushDelay:   3 * time.Second,
		PostOrderPushDelay: time.Second,
		SweepConcurrency:   8,
	}
}

type userState struct {
	source Source
	cancel context.CancelFunc

	// mu serializes reconciliation of one user.
	mu            sync.Mutex
	positions     []model.Position
	havePositions bool
	positionsAt   time.Time
	last          *model.AccountSnapshot

	timersMu sync.Mutex
	timers   []*time.Timer
}

// Engine merges REST snapshots, stream pushes and mark prices into one
// snapshot per user and republishes it to a sink.
type Engine struct {
	cfg  Config
	sink PushSink
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	users map[string]*userState
}

// NewEngine creates an engine. Zero config fields take DefaultConfig values.
func NewEngine(cfg Config, sink PushSink) *Engine {
	def := DefaultConfig()
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = def.StalenessWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.InitialPushDelay <= 0 {
		cfg.InitialPushDelay = def.InitialPushDelay
	}
	if cfg.PostOrderPushDelay <= 0 {
		cfg.PostOrderPushDelay = def.PostOrderPushDelay
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	if sink == nil {
		sink = SinkFunc(func(string, model.AccountSnapshot) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		users:  make(map[string]*userState),
	}
}

// Register starts following userID through src, replacing any previous source.
// The subscription outlives ctx and ends with Unregister or Close.
func (e *Engine) Register(ctx context.Context, userID string, src Source) error {
	if userID == "" {
		return errors.New("account: user id required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Unregister(userID)

	subCtx, cancel := context.WithCancel(e.ctx)
	pushes, err := src.SubscribeAccountUpdates(subCtx, userID)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe account updates: %w", err)
	}
	st := &userState{source: src, cancel: cancel}

	e.mu.Lock()
	e.users[userID] = st
	e.mu.Unlock()

	go e.consume(subCtx, userID, st, pushes)
	e.schedule(userID, st, e.cfg.InitialPushDelay)
	logger.Infof("account: following user %s", userID)
	return nil
}

// Unregister stops following userID and drops its cache.
func (e *Engine) Unregister(userID string) {
	e.mu.Lock()
	st, ok := e.users[userID]
	delete(e.users, userID)
	e.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	st.timersMu.Lock()
	for _, t := range st.timers {
		t.Stop()
	}
	st.timers = nil
	st.timersMu.Unlock()
}

// Users returns the registered user ids.
func (e *Engine) Users() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.users))
	for id := range e.users {
		out = append(out, id)
	}
	return out
}

func (e *Engine) Registered(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.users[userID]
	return ok
}

// Start runs the periodic sweep until ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.Sweep(ctx)
			}
		}
	}()
}

// Sweep reconciles and publishes every registered user.
func (e *Engine) Sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, id := range e.Users() {
		id := id
		g.Go(func() error {
			if _, err := e.Publish(gctx, id); err != nil && !errors.Is(err, ErrUserNotRegistered) {
				logger.Warnf("account: sweep for user %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops every subscription and pending push.
func (e *Engine) Close() {
	for _, id := range e.Users() {
		e.Unregister(id)
	}
	e.cancel()
}

// Snapshot returns a freshly reconciled snapshot of userID.
func (e *Engine) Snapshot(ctx context.Context, userID string) (model.AccountSnapshot, error) {
	st, err := e.user(userID)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	return e.reconcile(ctx, userID, st)
}

// Publish reconciles userID and pushes the result to the sink.
func (e *Engine) Publish(ctx context.Context, userID string) (model.AccountSnapshot, error) {
	snap, err := e.Snapshot(ctx, userID)
	if err != nil {
		return snap, err
	}
	e.sink.Push(userID, snap.Clone())
	return snap, nil
}

// Invalidate drops the cached view of userID and schedules a fresh push.
func (e *Engine) Invalidate(userID string) {
	st, err := e.user(userID)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.positions = nil
	st.havePositions = false
	st.last = nil
	st.mu.Unlock()
	e.schedule(userID, st, e.cfg.PostOrderPushDelay)
}

// Cached returns the last reconciled snapshot without any I/O.
func (e *Engine) Cached(userID string) (model.AccountSnapshot, bool) {
	st, err := e.user(userID)
	if err != nil {
		return model.AccountSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.last == nil {
		return model.AccountSnapshot{}, false
	}
	return st.last.Clone(), true
}

func (e *Engine) user(userID string) (*userState, error) {
	e.mu.RLock()
	st, ok := e.users[userID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotRegistered, userID)
	}
	return st, nil
}

func (e *Engine) schedule(userID string, st *userState, delay time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		st.timersMu.Lock()
		for i, other := range st.timers {
			if other == t {
				st.timers = append(st.timers[:i], st.timers[i+1:]...)
				break
			}
		}
		st.timersMu.Unlock()
		if _, err := e.Publish(e.ctx, userID); err != nil && !errors.Is(err, ErrUserNotRegistered) {
			logger.Warnf("account: scheduled push for user %s: %v", userID, err)
		}
	})
	st.timersMu.Lock()
	st.timers = append(st.timers, t)
	st.timersMu.Unlock()
}

// consume merges stream pushes until the subscription ends.
func (e *Engine) consume(ctx context.Context, userID string, st *userState, pushes <-chan model.AccountSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case push, ok := <-pushes:
			if !ok {
				return
			}
			snap := e.applyPush(ctx, userID, st, push)
			e.sink.Push(userID, snap)
		}
	}
}

// applyPush takes the pushed positions as a fresh list and re-marks them.
func (e *Engine) applyPush(ctx context.Context, userID string, st *userState, push model.AccountSnapshot) model.AccountSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.positions = append([]model.Position(nil), push.Positions...)
	st.havePositions = true
	st.positionsAt = e.now()

	snap := push.Clone()
	snap.UserID = userID
	snap.Positions = e.correct(ctx, st.source, st.positions)
	snap.Recompute()
	st.last = &snap
	return snap.Clone()
}

func (e *Engine) reconcile(ctx context.Context, userID string, st *userState) (model.AccountSnapshot, error) {
	started := e.now()
	st.mu.Lock()
	defer st.mu.Unlock()

	account, err := st.source.GetAccountInfo(ctx, userID)
	if err != nil {
		monitor.SyncError("account")
		if st.last == nil {
			return model.AccountSnapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
		}
		logger.Warnf("account: REST account for user %s failed, serving cached: %v", userID, err)
		account = st.last.Clone()
		account.Metadata = map[string]any{"stale": true}
	}

	account.UserID = userID
	account.Positions = e.mergePositions(ctx, userID, st, account.Positions)
	account.Recompute()
	st.last = &account
	monitor.ObserveSync(started)
	return account.Clone(), nil
}

// mergePositions re-marks cached positions while they are fresh, otherwise
// refetches them. Fetch failures fall back to the last good list, then to
// the positions embedded in the account response.
func (e *Engine) mergePositions(ctx context.Context, userID string, st *userState, fromAccount []model.Position) []model.Position {
	if st.havePositions && e.now().Sub(st.positionsAt) < e.cfg.StalenessWindow {
		return e.correct(ctx, st.source, st.positions)
	}
	fetched, err := st.source.GetPositions(ctx, userID)
	if err == nil {
		st.positions = fetched
		st.havePositions = true
		st.positionsAt = e.now()
		return e.correct(ctx, st.source, fetched)
	}
	monitor.SyncError("positions")
	if st.havePositions {
		logger.Warnf("account: positions for user %s failed, using cached: %v", userID, err)
		return e.correct(ctx, st.source, st.positions)
	}
	logger.Warnf("account: positions for user %s failed, using account positions: %v", userID, err)
	return e.correct(ctx, st.source, fromAccount)
}

// correct returns copies of positions re-priced against the current marks.
func (e *Engine) correct(ctx context.Context, src Source, positions []model.Position) []model.Position {
	out := make([]model.Position, 0, len(positions))
	marks := make(map[string]float64)
	for _, p := range positions {
		mark, ok := marks[p.Symbol]
		if !ok {
			m, err := src.MarkPrice(ctx, p.Symbol)
			if err != nil {
				monitor.SyncError("mark")
				logger.Debugf("account: no mark for %s: %v", p.Symbol, err)
			}
			mark = m
			marks[p.Symbol] = mark
		}
		out = append(out, p.Correct(mark))
	}
	return out
}
