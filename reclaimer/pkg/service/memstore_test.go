package service

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

// memStore is an in-memory Store with the ordering and status rules of the Postgres store.
type memStore struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	checkpoint store.Checkpoint
	accounts   map[solana.PublicKey]*store.Account
	operations []store.ReclaimOperation
	passive    []store.PassiveReclaim

	SetCheckpointErr error
}

func newMemStore(clock clockwork.Clock) *memStore {
	return &memStore{clock: clock, accounts: make(map[solana.PublicKey]*store.Account)}
}

func (m *memStore) GetCheckpoint(context.Context) (store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, nil
}

func (m *memStore) SetCheckpoint(_ context.Context, sig string, slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetCheckpointErr != nil {
		return m.SetCheckpointErr
	}
	m.checkpoint.LastSignature = sig
	m.checkpoint.LastSlot = slot
	m.checkpoint.ResumeBefore = ""
	m.checkpoint.ResumeSignature = ""
	m.checkpoint.ResumeSlot = 0
	m.checkpoint.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) SetScanResume(_ context.Context, before, sig string, slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.ResumeBefore = before
	m.checkpoint.ResumeSignature = sig
	m.checkpoint.ResumeSlot = slot
	m.checkpoint.UpdatedAt = m.clock.Now()
	return nil
}

func (m *memStore) SetTreasuryBalance(_ context.Context, lamports uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.TreasuryBalance = &lamports
	return nil
}

func (m *memStore) UpsertAccount(_ context.Context, a store.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.Address]; ok {
		return false, nil
	}
	if a.Status == "" {
		a.Status = store.StatusActive
	}
	m.accounts[a.Address] = &a
	return true, nil
}

func (m *memStore) ListAccounts(_ context.Context, f store.AccountFilter) ([]store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Account
	for _, a := range m.accounts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Strategy != "" && (a.ReclaimStrategy == nil || *a.ReclaimStrategy != f.Strategy) {
			continue
		}
		if f.ClosedSince != nil && (a.ClosedAt == nil || a.ClosedAt.Before(*f.ClosedSince)) {
			continue
		}
		if f.MinRent > 0 && a.RentLamports < f.MinRent {
			continue
		}
		if f.MaxRent > 0 && a.RentLamports > f.MaxRent {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, address solana.PublicKey, status store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	if status != store.StatusActive && a.ClosedAt == nil {
		now := m.clock.Now()
		a.ClosedAt = &now
	}
	return nil
}

func (m *memStore) UpdateRent(_ context.Context, address solana.PublicKey, lamports uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return store.ErrNotFound
	}
	a.RentLamports = lamports
	return nil
}

func (m *memStore) UpdateAuthority(_ context.Context, address solana.PublicKey, closeAuthority *solana.PublicKey, strategy sol.ReclaimStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return store.ErrNotFound
	}
	a.CloseAuthority = closeAuthority
	a.ReclaimStrategy = &strategy
	return nil
}

func (m *memStore) SaveReclaimOperation(_ context.Context, op store.ReclaimOperation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op.ID = int64(len(m.operations) + 1)
	op.CreatedAt = m.clock.Now()
	m.operations = append(m.operations, op)
	return op.ID, nil
}

func (m *memStore) SavePassiveReclaim(_ context.Context, r store.PassiveReclaim) (store.PassiveReclaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = m.clock.Now()
	m.passive = append(m.passive, r)
	return r, nil
}

func (m *memStore) Stats(context.Context) (store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := store.Stats{AccountsByStrategy: make(map[sol.ReclaimStrategy]int64)}
	for _, a := range m.accounts {
		st.TotalAccounts++
		switch a.Status {
		case store.StatusActive:
			st.ActiveAccounts++
			st.LockedRentActive += a.RentLamports
		case store.StatusClosed:
			st.ClosedAccounts++
		case store.StatusReclaimed:
			st.ReclaimedAccounts++
		}
		if a.ReclaimStrategy != nil {
			st.AccountsByStrategy[*a.ReclaimStrategy]++
		}
	}
	for _, op := range m.operations {
		st.TotalOperations++
		st.TotalReclaimed += op.Amount
	}
	if st.TotalOperations > 0 {
		st.AverageReclaim = st.TotalReclaimed / uint64(st.TotalOperations)
	}
	for _, p := range m.passive {
		st.PassiveReclaimRecords++
		st.TotalPassiveReclaimed += p.Amount
	}
	return st, nil
}

func (m *memStore) get(address solana.PublicKey) (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return store.Account{}, false
	}
	return *a, true
}

func (m *memStore) ops() []store.ReclaimOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.ReclaimOperation(nil), m.operations...)
}
