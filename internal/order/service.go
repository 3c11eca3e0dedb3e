package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quant-core/internal/events"
	"quant-core/internal/gateway"
	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/internal/strategy"
	"quant-core/pkg/db"
	"quant-core/pkg/logger"
)

// Adapters hands out the user's exchange adapter.
type Adapters interface {
	Get(ctx context.Context, userID string) (gateway.Adapter, error)
}

// Invalidator drops a user's cached account view after an order.
type Invalidator interface {
	Invalidate(userID string)
}

// CloseRecorder persists strategy closes.
type CloseRecorder interface {
	CreateCloseRecord(ctx context.Context, r db.CloseRecord) error
}

// Config holds the sizing and cooldown policy.
type Config struct {
	DefaultLeverage       float64       // when no position reports leverage
	DualDirectionLeverage float64       // default for the dual-direction strategy family
	DefaultAddMargin      float64       // margin when a 0.5 add arrives without one
	Cooldown              time.Duration // repeat-open suppression per direction
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		DefaultLeverage:       1,
		DualDirectionLeverage: 50,
		DefaultAddMargin:      0.5,
		Cooldown:              DefaultCooldown,
	}
}

// Service executes strategy decisions for a user.
type Service struct {
	cfg      Config
	adapters Adapters
	accounts Invalidator
	records  CloseRecorder
	counters *ProfitCounters
	cooldown *Cooldown
	bus      *events.Bus
	now      func() time.Time
}

// NewService wires the pipeline. records and bus may be nil.
func NewService(cfg Config, adapters Adapters, accounts Invalidator, records CloseRecorder, counters *ProfitCounters, bus *events.Bus) *Service {
	def := DefaultConfig()
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = def.DefaultLeverage
	}
	if cfg.DualDirectionLeverage <= 0 {
		cfg.DualDirectionLeverage = def.DualDirectionLeverage
	}
	if cfg.DefaultAddMargin <= 0 {
		cfg.DefaultAddMargin = def.DefaultAddMargin
	}
	return &Service{
		cfg:      cfg,
		adapters: adapters,
		accounts: accounts,
		records:  records,
		counters: counters,
		cooldown: NewCooldown(cfg.Cooldown),
		bus:      bus,
		now:      time.Now,
	}
}

// Cooldown exposes the cooldown tracker.
func (s *Service) Cooldown() *Cooldown { return s.cooldown }

// Counters exposes the profit/add counters.
func (s *Service) Counters() *ProfitCounters { return s.counters }

// Execute turns one strategy response into at most two orders.
func (s *Service) Execute(ctx context.Context, userID, symbol string, resp strategy.Response) Result {
	if userID == "" {
		logger.Warnf("no user for %s signal=%s", symbol, resp.Signal)
		return skip(SkipNoUser)
	}
	if resp.Signal == strategy.Hold {
		return skip(SkipHold)
	}

	margin, hasMargin := resp.Margin()
	if !hasMargin && resp.Signal != strategy.DualOpen && !resp.IsClose() && resp.PositionRatio == 0.5 {
		margin = s.cfg.DefaultAddMargin
		logger.Infof("no margin from strategy, using default %.4f USDT (signal=%s)", margin, resp.Signal)
	}

	switch {
	case resp.Signal == strategy.DualOpen:
		return s.dualOpen(ctx, userID, symbol, margin)
	case resp.IsClose():
		return s.close(ctx, userID, symbol, resp)
	default:
		return s.open(ctx, userID, symbol, margin, resp)
	}
}

func (s *Service) dualOpen(ctx context.Context, userID, symbol string, margin float64) Result {
	if margin <= 0 {
		logger.Warnf("dual open without margin: user=%s symbol=%s", userID, symbol)
		return skip(SkipNoMargin)
	}
	m, err := s.market(ctx, userID, symbol)
	if err != nil {
		return failed(err)
	}
	releaseLong, ok := s.cooldown.Claim(userID, m.symbol, model.Long)
	if !ok {
		logger.Infof("dual open in cooldown: user=%s symbol=%s", userID, m.symbol)
		return skip(SkipCooldown)
	}
	releaseShort, ok := s.cooldown.Claim(userID, m.symbol, model.Short)
	if !ok {
		releaseLong()
		logger.Infof("dual open in cooldown: user=%s symbol=%s", userID, m.symbol)
		return skip(SkipCooldown)
	}

	sides := [2]model.PositionSide{model.Long, model.Short}
	releases := [2]func(){releaseLong, releaseShort}
	var (
		placed [2]model.Order
		errs   [2]error
		g      errgroup.Group
	)
	for i, side := range sides {
		g.Go(func() error {
			lev := m.leverage(side, s.cfg.DualDirectionLeverage)
			placed[i], errs[i] = s.submitOpen(ctx, userID, m, side, margin, lev)
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i := range sides {
		if errs[i] != nil {
			releases[i]()
			continue
		}
		res.Orders = append(res.Orders, placed[i])
	}
	if len(res.Orders) > 0 {
		s.accounts.Invalidate(userID)
	}
	if len(res.Orders) == len(sides) {
		res.Outcome = DualOrderSuccess
		return res
	}
	res.Outcome = DualOrderPartial
	res.Err = errors.Join(errs[0], errs[1])
	logger.Warnf("dual open partially failed: user=%s symbol=%s long=%v short=%v", userID, symbol, errs[0], errs[1])
	return res
}

func (s *Service) open(ctx context.Context, userID, symbol string, margin float64, resp strategy.Response) Result {
	var side model.PositionSide
	switch resp.Signal {
	case strategy.Buy:
		side = model.Long
	case strategy.Sell:
		side = model.Short
	default:
		logger.Warnf("cannot resolve open side for signal %q", resp.Signal)
		return skip(SkipInvalidSignal)
	}

	m, err := s.market(ctx, userID, symbol)
	if err != nil {
		return failed(err)
	}
	release, ok := s.cooldown.Claim(userID, m.symbol, side)
	if !ok {
		left := s.cooldown.Remaining(userID, m.symbol, side)
		logger.Infof("open in cooldown: user=%s symbol=%s side=%s remaining=%s", userID, m.symbol, side, left.Round(time.Second))
		return skip(SkipCooldown)
	}
	if margin <= 0 {
		release()
		logger.Warnf("no margin for open: user=%s symbol=%s signal=%s ratio=%.2f", userID, m.symbol, resp.Signal, resp.PositionRatio)
		return skip(SkipNoMargin)
	}

	def := s.cfg.DefaultLeverage
	if resp.StrategyName() == strategy.DualDirectionName {
		def = s.cfg.DualDirectionLeverage
	}
	o, err := s.submitOpen(ctx, userID, m, side, margin, m.leverage(side, def))
	if err != nil {
		release()
		return failed(err)
	}

	s.accounts.Invalidate(userID)
	if resp.PositionRatio < 1 && !resp.IsRebalance() && s.counters != nil {
		if _, err := s.counters.IncrementAdd(ctx, userID, m.symbol, side); err != nil {
			logger.Warnf("increment add count failed: user=%s symbol=%s side=%s: %v", userID, m.symbol, side, err)
		}
	}
	return Result{Outcome: OrderSuccess, Orders: []model.Order{o}}
}

func (s *Service) close(ctx context.Context, userID, symbol string, resp strategy.Response) Result {
	var side model.PositionSide
	switch resp.Signal {
	case strategy.Buy:
		side = model.Short
	case strategy.Sell:
		side = model.Long
	default:
		logger.Warnf("cannot resolve close side for signal %q", resp.Signal)
		return skip(SkipInvalidSignal)
	}

	m, err := s.market(ctx, userID, symbol)
	if err != nil {
		return failed(err)
	}
	pos, ok := m.position(side)
	if !ok {
		logger.Warnf("no %s position to close: user=%s symbol=%s", side, userID, m.symbol)
		return skip(SkipNoPosition)
	}
	qty := pos.Quantity
	if pos.AvailableQuantity > 0 && pos.AvailableQuantity < qty {
		qty = pos.AvailableQuantity
	}

	started := time.Now()
	placed, err := m.adapter.PlaceOrder(ctx, model.Order{
		Symbol:       m.symbol,
		PositionSide: side,
		Intent:       model.IntentClose,
		Type:         model.Market,
		Quantity:     qty,
	})
	if err == nil && placed.ID == "" {
		err = fmt.Errorf("close %s %s: no order id returned", m.symbol, side)
	}
	monitor.ObserveOrder(string(m.adapter.Exchange()), string(model.IntentClose), started, err)
	if err != nil {
		logger.Errorf("close failed: user=%s symbol=%s side=%s qty=%.8f: %v", userID, m.symbol, side, qty, err)
		return failed(err)
	}
	logger.Infof("closed: user=%s symbol=%s side=%s qty=%.8f order=%s", userID, m.symbol, side, qty, placed.ID)

	s.accounts.Invalidate(userID)
	if s.counters != nil {
		if err := s.counters.ResetSide(ctx, userID, m.symbol, side); err != nil {
			logger.Warnf("reset counts failed: user=%s symbol=%s side=%s: %v", userID, m.symbol, side, err)
		}
	}

	exit := placed.Price
	if exit <= 0 {
		exit = m.price
	}
	pnl := RealizedPnl(side, qty, pos.AvgPrice, exit)
	s.recordClose(ctx, db.CloseRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		Symbol:        m.symbol,
		Side:          string(side),
		CloseQuantity: qty,
		ClosePrice:    exit,
		AvgPrice:      pos.AvgPrice,
		Leverage:      pos.Leverage,
		Margin:        pos.MarginOrDerived(),
		RealizedPnl:   pnl,
		PnlPercentage: model.PnlPercent(pnl, pos.MarginOrDerived(), pos.AvgPrice*qty),
		CloseType:     db.CloseTypeStrategy,
		StrategyName:  resp.StrategyName(),
		OrderID:       placed.ID,
		CreatedAt:     s.now().UTC(),
	})
	emitPositionClosed(s.bus, PositionClosed{
		UserID:      userID,
		Symbol:      m.symbol,
		Side:        side,
		Quantity:    qty,
		ClosePrice:  exit,
		RealizedPnl: pnl,
		OrderID:     placed.ID,
		Time:        s.now(),
	})
	return Result{Outcome: OrderSuccess, Orders: []model.Order{placed}}
}

func (s *Service) recordClose(ctx context.Context, r db.CloseRecord) {
	if s.records == nil {
		return
	}
	if err := s.records.CreateCloseRecord(ctx, r); err != nil {
		logger.Warnf("save close record failed: user=%s symbol=%s: %v", r.UserID, r.Symbol, err)
	}
}

func (s *Service) submitOpen(ctx context.Context, userID string, m *market, side model.PositionSide, margin, leverage float64) (model.Order, error) {
	qty := SizeFromMargin(margin, leverage, m.price)
	if qty <= 0 {
		return model.Order{}, fmt.Errorf("open %s %s: cannot size margin=%.4f leverage=%.0f price=%.8f", m.symbol, side, margin, leverage, m.price)
	}
	logger.Infof("open by margin: user=%s symbol=%s side=%s margin=%.4f leverage=%.0f price=%.8f qty=%.8f",
		userID, m.symbol, side, margin, leverage, m.price, qty)

	started := time.Now()
	placed, err := m.adapter.PlaceOrder(ctx, model.Order{
		Symbol:       m.symbol,
		PositionSide: side,
		Intent:       model.IntentOpen,
		Type:         model.Market,
		Quantity:     qty,
	})
	if err == nil && placed.ID == "" {
		err = fmt.Errorf("open %s %s: no order id returned", m.symbol, side)
	}
	monitor.ObserveOrder(string(m.adapter.Exchange()), string(model.IntentOpen), started, err)
	if err != nil {
		logger.Errorf("open failed: user=%s symbol=%s side=%s qty=%.8f: %v", userID, m.symbol, side, qty, err)
		return model.Order{}, err
	}
	emitOrderPlaced(s.bus, OrderPlaced{
		UserID:   userID,
		Exchange: m.adapter.Exchange(),
		Order:    placed,
		Margin:   margin,
		Leverage: leverage,
		Time:     s.now(),
	})
	return placed, nil
}

// market is the state an order decision is sized against.
type market struct {
	adapter   gateway.Adapter
	symbol    string
	price     float64
	positions []model.Position
}

// market fetches the user's adapter, fresh positions and a price. A failed
// position fetch aborts; it is never read as "no position".
func (s *Service) market(ctx context.Context, userID, symbol string) (*market, error) {
	adapter, err := s.adapters.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("adapter for %s: %w", userID, err)
	}
	sym := model.NormalizeSymbol(adapter.Exchange(), symbol)
	all, err := adapter.GetPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", userID, err)
	}
	m := &market{adapter: adapter, symbol: sym}
	for _, p := range all {
		if p.Symbol == sym {
			m.positions = append(m.positions, p)
		}
	}

	if price, err := adapter.MarkPrice(ctx, sym); err == nil && price > 0 {
		m.price = price
	} else {
		for _, p := range m.positions {
			if p.MarkPrice > 0 {
				m.price = p.MarkPrice
				break
			}
		}
		if m.price <= 0 {
			return nil, fmt.Errorf("no price for %s: %v", sym, err)
		}
	}
	return m, nil
}

func (m *market) position(side model.PositionSide) (model.Position, bool) {
	for _, p := range m.positions {
		if p.Side == side && p.Quantity > 0 {
			return p, true
		}
	}
	return model.Position{}, false
}

// leverage prefers the side's own position, then any position on the symbol.
func (m *market) leverage(side model.PositionSide, def float64) float64 {
	if p, ok := m.position(side); ok && p.Leverage > 0 {
		return p.Leverage
	}
	for _, p := range m.positions {
		if p.Leverage > 0 {
			return p.Leverage
		}
	}
	return def
}
