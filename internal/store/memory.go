package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/paperbroker/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Settlements serialize per account via a dedicated mutex,
// mirroring the row lock the PostgreSQL implementation takes.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]map[string]*model.Position // accountID → symbol → position
	orders    map[string][]model.Order
	snapshots map[string][]model.WealthSnapshot
	locks     map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]map[string]*model.Position),
		orders:    make(map[string][]model.Order),
		snapshots: make(map[string][]model.WealthSnapshot),
		locks:     make(map[string]*sync.Mutex),
	}
}

// accountLock returns the per-account settlement mutex, creating it lazily.
func (s *MemoryStore) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[accountID][symbol]
	if !ok {
		return nil, nil
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byol := s.positions[accountID]
	positions := make([]model.Position, 0, len(byol))
	for _, p := range byol {
		positions = append(positions, *copyPosition(p))
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, len(s.orders[accountID]))
	copy(orders, s.orders[accountID])
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Timestamp.Before(orders[j].Timestamp) })
	return orders, nil
}

func (s *MemoryStore) SettleOrder(ctx context.Context, accountID, symbol string, fn SettleFunc) (*SettleResult, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	pos, err := s.GetPosition(ctx, accountID, symbol)
	if err != nil {
		return nil, err
	}

	res, err := fn(acct, pos)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newCash := res.NewCash
	a, ok := s.accounts[accountID]
	if !ok {
		a = &model.Account{ID: accountID}
		s.accounts[accountID] = a
	}
	a.Cash = &newCash

	if s.positions[accountID] == nil {
		s.positions[accountID] = make(map[string]*model.Position)
	}
	s.positions[accountID][symbol] = copyPosition(res.Position)

	s.orders[accountID] = append(s.orders[accountID], *res.Order)

	return res, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.WealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.AccountID] = append(s.snapshots[snap.AccountID], *snap)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, accountID string, typ model.SnapshotType) (*model.WealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.WealthSnapshot
	for i := range s.snapshots[accountID] {
		snap := s.snapshots[accountID][i]
		if snap.Type != typ {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			cp := snap
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, accountID string, limit int) ([]model.WealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]model.WealthSnapshot, len(s.snapshots[accountID]))
	copy(snaps, s.snapshots[accountID])
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Timestamp.After(snaps[j].Timestamp) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (s *MemoryStore) PruneSnapshots(_ context.Context, accountID string, typ model.SnapshotType, cutoff time.Time, pageSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.snapshots[accountID][:0]
	for _, snap := range s.snapshots[accountID] {
		if snap.Type == typ && snap.Timestamp.Before(cutoff) && deleted < pageSize {
			deleted++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots[accountID] = kept
	return deleted, nil
}

// copyPosition deep-copies a position so stored state cannot be mutated
// through returned references.
func copyPosition(p *model.Position) *model.Position {
	cp := *p
	cp.Lots = make([]model.Lot, len(p.Lots))
	copy(cp.Lots, p.Lots)
	return &cp
}
