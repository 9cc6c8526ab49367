package memory

import (
	"MarginEngine/internal/domain/models"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is an arena-style in-memory position table with the same
// compare-and-swap contract as the postgres store: every mutation checks the
// expected version and applies the wallet movement under one lock, so no
// partial state is ever visible. Backs the test suites and local runs
// without a database.
type Store struct {
	mu           sync.RWMutex
	positions    map[uuid.UUID]models.Position
	records      map[uuid.UUID]models.LiquidationRecord
	balances     map[int64]decimal.Decimal
	pairs        map[string]int64
	settings     map[int64]models.LeverageSetting
	nextPairId   int64
	recordsOrder []uuid.UUID
}

func New() *Store {
	return &Store{
		positions:  make(map[uuid.UUID]models.Position),
		records:    make(map[uuid.UUID]models.LiquidationRecord),
		balances:   make(map[int64]decimal.Decimal),
		pairs:      make(map[string]int64),
		settings:   make(map[int64]models.LeverageSetting),
		nextPairId: 1,
	}
}

func (s *Store) AddTradingPair(pair string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[pair]; ok {
		return id
	}
	id := s.nextPairId
	s.nextPairId++
	s.pairs[pair] = id
	return id
}

func (s *Store) PairId(_ context.Context, pair string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[pair]
	if !ok {
		return 0, models.ErrPairUnavailable
	}
	return id, nil
}

func (s *Store) Deposit(_ context.Context, ownerId int64, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[ownerId] = s.balances[ownerId].Add(amount)
	return s.balances[ownerId], nil
}

func (s *Store) Balance(_ context.Context, ownerId int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[ownerId]
	if !ok {
		return decimal.Zero, models.ErrAccountNotFound
	}
	return b, nil
}

func (s *Store) SaveLeverageSetting(_ context.Context, setting models.LeverageSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[setting.OwnerId] = setting
	return nil
}

func (s *Store) LeverageSetting(_ context.Context, ownerId int64) (models.LeverageSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.settings[ownerId]
	if !ok {
		return models.LeverageSetting{}, models.ErrAccountNotFound
	}
	return setting, nil
}

func (s *Store) InsertPosition(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.Id]; ok {
		return fmt.Errorf("position %s already exists", p.Id)
	}
	balance := s.balances[p.OwnerId]
	if balance.LessThan(p.Collateral) {
		return models.ErrInsufficientFunds
	}
	s.balances[p.OwnerId] = balance.Sub(p.Collateral)
	s.positions[p.Id] = p
	return nil
}

func (s *Store) GetPosition(_ context.Context, id uuid.UUID) (models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return models.Position{}, models.ErrPositionNotFound
	}
	return p, nil
}

func (s *Store) OwnerPositions(_ context.Context, ownerId int64) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.OwnerId == ownerId {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) OpenPositionsByPair(_ context.Context, pair string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.Pair == pair && p.Status == models.Open {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) OpenCrossPositions(_ context.Context, ownerId int64) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.OwnerId == ownerId && p.Mode == models.Cross && p.Status == models.Open {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AllOpenPositions(_ context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.Status == models.Open {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) UpdatePosition(_ context.Context, p models.Position, expectedVersion int64, collateralDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.positions[p.Id]
	if !ok {
		return models.ErrPositionNotFound
	}
	if stored.Status != models.Open || stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	if collateralDelta.IsPositive() {
		balance := s.balances[p.OwnerId]
		if balance.LessThan(collateralDelta) {
			return models.ErrInsufficientFunds
		}
		s.balances[p.OwnerId] = balance.Sub(collateralDelta)
	} else if collateralDelta.IsNegative() {
		s.balances[p.OwnerId] = s.balances[p.OwnerId].Add(collateralDelta.Neg())
	}
	s.positions[p.Id] = p
	return nil
}

func (s *Store) ClosePosition(_ context.Context, p models.Position, expectedVersion int64, release decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.positions[p.Id]
	if !ok {
		return models.ErrPositionNotFound
	}
	if stored.Status != models.Open || stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	s.balances[p.OwnerId] = s.balances[p.OwnerId].Add(release)
	s.positions[p.Id] = p
	return nil
}

func (s *Store) LiquidatePosition(_ context.Context, p models.Position, expectedVersion int64, release decimal.Decimal, rec models.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.positions[p.Id]
	if !ok {
		return models.ErrPositionNotFound
	}
	if stored.Status != models.Open || stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	s.balances[p.OwnerId] = s.balances[p.OwnerId].Add(release)
	s.positions[p.Id] = p
	s.records[rec.Id] = rec
	s.recordsOrder = append(s.recordsOrder, rec.Id)
	return nil
}

func (s *Store) LiquidationsByOwner(_ context.Context, ownerId int64) ([]models.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LiquidationRecord
	for _, id := range s.recordsOrder {
		if rec := s.records[id]; rec.OwnerId == ownerId {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) LiquidationsByPosition(_ context.Context, positionId uuid.UUID) ([]models.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LiquidationRecord
	for _, id := range s.recordsOrder {
		if rec := s.records[id]; rec.PositionId == positionId {
			out = append(out, rec)
		}
	}
	return out, nil
}
