// Package domaintest provides in-memory implementations of the domain store
// interfaces for tests. They mirror the conditional-update semantics of the
// PostgreSQL stores: lifecycle transitions are compare-and-swap on status,
// trade appends dedupe on (position id, ledger ref), and liquidation inserts
// are once per position.
package domaintest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

// Seed inserts positions directly, bypassing upsert rules.
func (s *PositionStore) Seed(positions ...domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.positions[p.ID] = p
	}
}

func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.positions[p.ID]; ok {
		if existing.Status == domain.PositionStatusClosed {
			return fmt.Errorf("upsert position %s: %w", p.ID, domain.ErrConflict)
		}
		if existing.Status == domain.PositionStatusLiquidating {
			p.Status = existing.Status
		}
		p.PnL = existing.PnL
		p.LiquidationPrice = existing.LiquidationPrice
		p.FundingRate = existing.FundingRate
		p.CreatedAt = existing.CreatedAt
	}
	p.LastUpdated = time.Now().UTC()
	s.positions[p.ID] = p
	return nil
}

func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func matchesFilter(p domain.Position, filter domain.StatusFilter) bool {
	switch filter {
	case domain.StatusFilterOpen:
		return p.Status != domain.PositionStatusClosed
	case domain.StatusFilterClosed:
		return p.Status == domain.PositionStatusClosed
	default:
		return true
	}
}

func (s *PositionStore) list(match func(domain.Position) bool, filter domain.StatusFilter, opts domain.ListOpts) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for _, p := range s.positions {
		if match(p) && matchesFilter(p, filter) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func (s *PositionStore) ListByOwner(ctx context.Context, owner string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool { return p.Owner == owner }, filter, opts), nil
}

func (s *PositionStore) ListByAsset(ctx context.Context, asset string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool { return p.Asset == asset }, filter, opts), nil
}

func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

// transition performs the CAS the SQL stores express as a conditional UPDATE.
func (s *PositionStore) transition(id string, allowed func(domain.PositionStatus) bool, apply func(*domain.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !allowed(p.Status) {
		return domain.ErrConflict
	}
	apply(&p)
	p.LastUpdated = time.Now().UTC()
	s.positions[id] = p
	return nil
}

func (s *PositionStore) Claim(ctx context.Context, id string) error {
	return s.transition(id,
		func(st domain.PositionStatus) bool { return st == domain.PositionStatusOpen },
		func(p *domain.Position) { p.Status = domain.PositionStatusLiquidating },
	)
}

func (s *PositionStore) Release(ctx context.Context, id string) error {
	return s.transition(id,
		func(st domain.PositionStatus) bool { return st == domain.PositionStatusLiquidating },
		func(p *domain.Position) { p.Status = domain.PositionStatusOpen },
	)
}

func (s *PositionStore) Close(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error {
	return s.transition(id,
		func(st domain.PositionStatus) bool { return st == domain.PositionStatusOpen },
		func(p *domain.Position) {
			p.Status = domain.PositionStatusClosed
			p.PnL = pnl
			if liquidationPrice.Valid {
				p.LiquidationPrice = liquidationPrice
			}
		},
	)
}

func (s *PositionStore) CloseClaimed(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error {
	return s.transition(id,
		func(st domain.PositionStatus) bool { return st == domain.PositionStatusLiquidating },
		func(p *domain.Position) {
			p.Status = domain.PositionStatusClosed
			p.PnL = pnl
			if liquidationPrice.Valid {
				p.LiquidationPrice = liquidationPrice
			}
		},
	)
}

func (s *PositionStore) UpdateMetrics(ctx context.Context, id string, patch domain.MetricsPatch) error {
	return s.transition(id,
		func(st domain.PositionStatus) bool { return st != domain.PositionStatusClosed },
		func(p *domain.Position) {
			p.PnL = patch.PnL
			if patch.LiquidationPrice.Valid {
				p.LiquidationPrice = patch.LiquidationPrice
			}
			if patch.FundingRate.Valid {
				p.FundingRate = patch.FundingRate
			}
		},
	)
}

var _ domain.PositionStore = (*PositionStore)(nil)

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
	nextID int64
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

func (s *TradeStore) Append(ctx context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.trades {
		if existing.PositionID == t.PositionID && existing.LedgerRef == t.LedgerRef {
			return nil
		}
	}
	s.nextID++
	t.ID = s.nextID
	s.trades = append(s.trades, t)
	return nil
}

func (s *TradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.PositionID == positionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TradeStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error) {
	// The SQL implementation joins on positions; tests that need owner
	// scoping should list by position instead.
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out, nil
}

func (s *TradeStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TradeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []domain.Trade
	var deleted int64
	for _, t := range s.trades {
		if t.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return deleted, nil
}

// All returns a copy of every stored trade.
func (s *TradeStore) All() []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

var _ domain.TradeStore = (*TradeStore)(nil)

// LiquidationStore is an in-memory domain.LiquidationStore.
type LiquidationStore struct {
	mu     sync.Mutex
	liqs   []domain.Liquidation
	nextID int64
}

// NewLiquidationStore creates an empty LiquidationStore.
func NewLiquidationStore() *LiquidationStore {
	return &LiquidationStore{}
}

func (s *LiquidationStore) Insert(ctx context.Context, l domain.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.liqs {
		if existing.PositionID == l.PositionID {
			return nil
		}
	}
	s.nextID++
	l.ID = s.nextID
	s.liqs = append(s.liqs, l)
	return nil
}

func (s *LiquidationStore) filter(match func(domain.Liquidation) bool, limit int) []domain.Liquidation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Liquidation
	for _, l := range s.liqs {
		if match(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *LiquidationStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	return s.filter(func(l domain.Liquidation) bool { return l.Owner == owner }, opts.Limit), nil
}

func (s *LiquidationStore) ListByAsset(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	return s.filter(func(l domain.Liquidation) bool { return l.Asset == asset }, opts.Limit), nil
}

func (s *LiquidationStore) ListRecent(ctx context.Context, limit int) ([]domain.Liquidation, error) {
	return s.filter(func(domain.Liquidation) bool { return true }, limit), nil
}

func (s *LiquidationStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Liquidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Liquidation
	for _, l := range s.liqs {
		if l.Timestamp.Before(cutoff) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LiquidationStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []domain.Liquidation
	var deleted int64
	for _, l := range s.liqs {
		if l.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.liqs = kept
	return deleted, nil
}

// All returns a copy of every stored liquidation.
func (s *LiquidationStore) All() []domain.Liquidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Liquidation, len(s.liqs))
	copy(out, s.liqs)
	return out
}

var _ domain.LiquidationStore = (*LiquidationStore)(nil)

// MarketDataStore is an in-memory domain.MarketDataStore.
type MarketDataStore struct {
	mu   sync.Mutex
	data map[string]domain.MarketData
}

// NewMarketDataStore creates an empty MarketDataStore.
func NewMarketDataStore() *MarketDataStore {
	return &MarketDataStore{data: make(map[string]domain.MarketData)}
}

func (s *MarketDataStore) Upsert(ctx context.Context, md domain.MarketData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[md.Asset] = md
	return nil
}

func (s *MarketDataStore) Get(ctx context.Context, asset string) (domain.MarketData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md, ok := s.data[asset]
	if !ok {
		return domain.MarketData{}, domain.ErrNotFound
	}
	return md, nil
}

var _ domain.MarketDataStore = (*MarketDataStore)(nil)

// MarketCache is an in-memory domain.MarketCache.
type MarketCache struct {
	mu   sync.Mutex
	data map[string]domain.MarketData
}

// NewMarketCache creates an empty MarketCache.
func NewMarketCache() *MarketCache {
	return &MarketCache{data: make(map[string]domain.MarketData)}
}

func (c *MarketCache) Set(ctx context.Context, md domain.MarketData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[md.Asset] = md
	return nil
}

func (c *MarketCache) Get(ctx context.Context, asset string) (domain.MarketData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	md, ok := c.data[asset]
	if !ok {
		return domain.MarketData{}, domain.ErrNotFound
	}
	return md, nil
}

var _ domain.MarketCache = (*MarketCache)(nil)

// LockManager is an in-memory domain.LockManager.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// Ledger is a scripted domain.Ledger. Configure CloseRef or CloseErr to
// control ClosePosition outcomes; CloseCalls counts invocations. CloseHook,
// when set, runs inside ClosePosition so tests can interleave work with the
// window between a store claim and its close.
type Ledger struct {
	mu         sync.Mutex
	Positions  map[string][]domain.RawLedgerPosition
	CloseRef   string
	CloseErr   error
	CloseCalls int
	CloseHook  func()
}

// NewLedger creates a Ledger returning ref for every close.
func NewLedger(ref string) *Ledger {
	return &Ledger{
		Positions: make(map[string][]domain.RawLedgerPosition),
		CloseRef:  ref,
	}
}

func (l *Ledger) GetUserPositions(ctx context.Context, owner string) ([]domain.RawLedgerPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Positions[owner], nil
}

func (l *Ledger) GetPosition(ctx context.Context, id string) (domain.RawLedgerPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, raws := range l.Positions {
		for _, raw := range raws {
			if raw.PositionID == id {
				return raw, nil
			}
		}
	}
	return domain.RawLedgerPosition{}, domain.ErrNotFound
}

func (l *Ledger) ClosePosition(ctx context.Context, owner, positionID string) (string, error) {
	l.mu.Lock()
	l.CloseCalls++
	hook, err, ref := l.CloseHook, l.CloseErr, l.CloseRef
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

var _ domain.Ledger = (*Ledger)(nil)
