package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/pkg/crypto"
	"quant-core/pkg/db"
	"quant-core/pkg/logger"
)

var (
	ErrConnectionNotFound = errors.New("no active exchange connection")
	ErrAdapterUnhealthy   = errors.New("exchange adapter is unhealthy")
	ErrPoolFull           = errors.New("adapter pool is full")
)

// ConnectionStore loads a user's active exchange connection.
type ConnectionStore interface {
	GetActiveConnection(ctx context.Context, userID string) (*db.Connection, error)
}

// SecretsUpdater is implemented by stores that can persist resealed credentials.
type SecretsUpdater interface {
	UpdateConnectionSecrets(ctx context.Context, c db.Connection) error
}

// PooledAdapter holds an adapter with metadata for lifecycle management.
type PooledAdapter struct {
	Adapter      Adapter
	ConnectionID string
	UserID       string
	Exchange     model.ExchangeType
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of pooled adapters (LRU eviction)
	IdleTimeout      time.Duration // Time before an idle adapter is closed
	HealthInterval   time.Duration // Interval between connection tests
	FailureThreshold int           // Failures before the adapter is considered unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy adapter
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager keeps one initialized adapter per user, built from the user's
// active connection, with LRU eviction, idle cleanup and health checks.
type Manager struct {
	mu       sync.Mutex
	adapters map[string]*PooledAdapter // userID -> pooled adapter
	lruOrder []string                  // LRU tracking (oldest first)
	onRemove []func(userID string)

	config   Config
	keys     *crypto.Keyring
	conns    ConnectionStore
	registry *Registry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(conns ConnectionStore, keys *crypto.Keyring, registry *Registry, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	return &Manager{
		adapters: make(map[string]*PooledAdapter),
		config:   cfg,
		keys:     keys,
		conns:    conns,
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// OnRemove registers fn to run after an adapter leaves the pool for any reason.
func (m *Manager) OnRemove(fn func(userID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.every(ctx, m.config.IdleTimeout/2, m.cleanupIdle)
	go m.every(ctx, m.config.HealthInterval, m.healthCheckAll)
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop shuts down the background loops and closes every adapter.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.RemoveAll()
}

// Get returns the user's adapter, building it from the active connection on first use.
func (m *Manager) Get(ctx context.Context, userID string) (Adapter, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	m.mu.Lock()
	if pooled, ok := m.adapters[userID]; ok {
		if pooled.Failures >= m.config.FailureThreshold && time.Since(pooled.HealthyAt) < m.config.CircuitTimeout {
			m.mu.Unlock()
			return nil, ErrAdapterUnhealthy
		}
		m.touchLocked(userID)
		m.mu.Unlock()
		return pooled.Adapter, nil
	}
	m.mu.Unlock()
	return m.create(ctx, userID)
}

// Lookup returns the pooled adapter without creating one.
func (m *Manager) Lookup(userID string) (Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pooled, ok := m.adapters[userID]
	if !ok {
		return nil, false
	}
	return pooled.Adapter, true
}

// rotate reseals a connection stored under an older key version. Failures
// only log; the row stays readable with its old key.
func (m *Manager) rotate(ctx context.Context, conn db.Connection) {
	up, ok := m.conns.(SecretsUpdater)
	if !ok || conn.KeyVersion >= m.keys.CurrentVersion() {
		return
	}
	resealed, err := ResealConnection(m.keys, conn)
	if err == nil {
		err = up.UpdateConnectionSecrets(ctx, resealed)
	}
	if err != nil {
		logger.Warnf("gateway: reseal connection %s for user %s: %v", conn.ID, conn.UserID, err)
		return
	}
	logger.Infof("gateway: connection %s for user %s moved to key v%d", conn.ID, conn.UserID, resealed.KeyVersion)
}

func (m *Manager) create(ctx context.Context, userID string) (Adapter, error) {
	conn, err := m.conns.GetActiveConnection(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w for user %s", ErrConnectionNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	creds, err := OpenConnection(m.keys, *conn)
	if err != nil {
		return nil, err
	}
	m.rotate(ctx, *conn)
	adapter, err := m.registry.New(ctx, creds)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another caller may have built one meanwhile.
	if pooled, ok := m.adapters[userID]; ok {
		m.touchLocked(userID)
		m.mu.Unlock()
		_ = adapter.Close()
		return pooled.Adapter, nil
	}
	var evicted []*PooledAdapter
	for len(m.adapters) >= m.config.MaxSize {
		oldest := m.popOldestLocked()
		if oldest == nil {
			m.mu.Unlock()
			_ = adapter.Close()
			return nil, ErrPoolFull
		}
		evicted = append(evicted, oldest)
	}
	now := time.Now()
	m.adapters[userID] = &PooledAdapter{
		Adapter:      adapter,
		ConnectionID: conn.ID,
		UserID:       userID,
		Exchange:     creds.Exchange,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, userID)
	monitor.SetActiveUsers(len(m.adapters))
	m.mu.Unlock()

	m.closeAll(evicted, "evicted")
	logger.Infof("gateway: %s adapter ready for user %s (connection %s)", creds.Exchange, userID, conn.ID)
	return adapter, nil
}

// Remove closes and forgets the user's adapter.
func (m *Manager) Remove(userID string) error {
	m.mu.Lock()
	pooled := m.removeLocked(userID)
	m.mu.Unlock()
	if pooled == nil {
		return nil
	}
	return m.closeOne(pooled, "removed")
}

// RemoveAll closes every adapter.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	all := make([]*PooledAdapter, 0, len(m.adapters))
	for id := range m.adapters {
		all = append(all, m.removeLocked(id))
	}
	m.mu.Unlock()
	m.closeAll(all, "shutdown")
}

// RecordFailure records a failed call through the user's adapter.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pooled, ok := m.adapters[userID]; ok {
		pooled.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pooled, ok := m.adapters[userID]; ok {
		pooled.Failures = 0
		pooled.HealthyAt = time.Now()
	}
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	TotalAdapters  int            `json:"totalAdapters"`
	MaxSize        int            `json:"maxSize"`
	ByExchange     map[string]int `json:"byExchange"`
	UnhealthyCount int            `json:"unhealthyCount"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		TotalAdapters: len(m.adapters),
		MaxSize:       m.config.MaxSize,
		ByExchange:    make(map[string]int),
	}
	for _, pooled := range m.adapters {
		stats.ByExchange[string(pooled.Exchange)]++
		if pooled.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- Internal helpers ---

func (m *Manager) touchLocked(userID string) {
	if pooled, ok := m.adapters[userID]; ok {
		pooled.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, userID)
			break
		}
	}
}

func (m *Manager) removeLocked(userID string) *PooledAdapter {
	pooled, ok := m.adapters[userID]
	if !ok {
		return nil
	}
	delete(m.adapters, userID)
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
	monitor.SetActiveUsers(len(m.adapters))
	return pooled
}

func (m *Manager) popOldestLocked() *PooledAdapter {
	if len(m.lruOrder) == 0 {
		return nil
	}
	return m.removeLocked(m.lruOrder[0])
}

func (m *Manager) closeOne(pooled *PooledAdapter, reason string) error {
	err := pooled.Adapter.Close()
	if err != nil {
		logger.Warnf("gateway: closing adapter of user %s: %v", pooled.UserID, err)
	}
	logger.Infof("gateway: adapter of user %s %s", pooled.UserID, reason)

	m.mu.Lock()
	hooks := append([]func(string){}, m.onRemove...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(pooled.UserID)
	}
	return err
}

func (m *Manager) closeAll(pooled []*PooledAdapter, reason string) {
	for _, p := range pooled {
		_ = m.closeOne(p, reason)
	}
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	now := time.Now()
	var idle []*PooledAdapter
	for id, pooled := range m.adapters {
		if now.Sub(pooled.LastUsed) > m.config.IdleTimeout {
			idle = append(idle, m.removeLocked(id))
		}
	}
	m.mu.Unlock()
	m.closeAll(idle, "idle")
}

func (m *Manager) healthCheckAll() {
	m.mu.Lock()
	pooled := make([]*PooledAdapter, 0, len(m.adapters))
	for _, p := range m.adapters {
		pooled = append(pooled, p)
	}
	m.mu.Unlock()

	for _, p := range pooled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.Adapter.TestConnection(ctx)
		cancel()
		if err != nil {
			logger.Warnf("gateway: health check for user %s failed: %v", p.UserID, err)
			m.RecordFailure(p.UserID)
		} else {
			m.RecordSuccess(p.UserID)
		}
	}
}
