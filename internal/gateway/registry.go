package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quant-core/internal/gateway/binance"
	"quant-core/internal/gateway/okx"
	"quant-core/internal/model"
	"quant-core/internal/stream"
)

// Constructor returns a new, uninitialized adapter.
type Constructor func() Adapter

// Registry maps exchange types to constructors.
type Registry struct {
	mu      sync.RWMutex
	ctors   map[model.ExchangeType]Constructor
	testnet map[model.ExchangeType]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors:   make(map[model.ExchangeType]Constructor),
		testnet: make(map[model.ExchangeType]bool),
	}
}

// ForceTestnet routes every adapter of ex to the exchange's test environment
// regardless of the stored connection.
func (r *Registry) ForceTestnet(ex model.ExchangeType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testnet[ex] = true
}

// Register binds an exchange type to a constructor, replacing any previous one.
func (r *Registry) Register(ex model.ExchangeType, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[ex] = ctor
}

// Supported reports whether ex has a constructor.
func (r *Registry) Supported(ex model.ExchangeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[ex]
	return ok
}

// New validates creds and returns a fresh adapter initialized with them.
func (r *Registry) New(ctx context.Context, creds model.Credentials) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[creds.Exchange]
	if r.testnet[creds.Exchange] {
		creds.Testnet = true
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, creds.Exchange)
	}
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}
	a := ctor()
	if err := a.Initialize(ctx, creds); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("initialize %s adapter: %w", creds.Exchange, err)
	}
	return a, nil
}

// ValidateCredentials fails fast on missing key material.
func ValidateCredentials(creds model.Credentials) error {
	if creds.APIKey == "" || creds.Secret == "" {
		return fmt.Errorf("%s: %w", creds.Exchange, ErrMissingCredentials)
	}
	if creds.Exchange == model.ExchangeOKX && creds.Passphrase == "" {
		return fmt.Errorf("%s passphrase: %w", creds.Exchange, ErrMissingCredentials)
	}
	return nil
}

// Options are the process-wide adapter settings.
type Options struct {
	ProxyURL       string
	Dialer         stream.Dialer
	ReconnectDelay time.Duration
	ListenKeyRenew time.Duration
	BinanceTestnet bool
	OKXSimulated   bool
}

// DefaultRegistry registers the Binance and OKX adapters.
func DefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	r.Register(model.ExchangeBinance, func() Adapter {
		return binance.New(binance.Options{
			ProxyURL:       opts.ProxyURL,
			Dialer:         opts.Dialer,
			ReconnectDelay: opts.ReconnectDelay,
			ListenKeyRenew: opts.ListenKeyRenew,
		})
	})
	r.Register(model.ExchangeOKX, func() Adapter {
		return okx.New(okx.Options{
			ProxyURL:       opts.ProxyURL,
			Dialer:         opts.Dialer,
			ReconnectDelay: opts.ReconnectDelay,
		})
	})
	if opts.BinanceTestnet {
		r.ForceTestnet(model.ExchangeBinance)
	}
	if opts.OKXSimulated {
		r.ForceTestnet(model.ExchangeOKX)
	}
	return r
}
