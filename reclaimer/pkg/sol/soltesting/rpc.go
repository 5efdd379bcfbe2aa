// Package soltesting provides an RPC mock for tests.
package soltesting

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// MockRPC implements sol.RPC. Nil funcs fall back to the Accounts map and benign defaults.
type MockRPC struct {
	GetSignaturesFunc      func(context.Context, solana.PublicKey, sol.SignaturesOpts) ([]sol.SignatureInfo, error)
	GetTransactionFunc     func(context.Context, solana.Signature) (*sol.Transaction, error)
	GetAccountFunc         func(context.Context, solana.PublicKey) (*sol.Account, error)
	GetAccountsFunc        func(context.Context, []solana.PublicKey) ([]*sol.Account, error)
	GetBalanceFunc         func(context.Context, solana.PublicKey) (uint64, error)
	GetMinimumBalanceFunc  func(context.Context, uint64) (uint64, error)
	GetLatestBlockhashFunc func(context.Context) (solana.Hash, error)
	SendTransactionFunc    func(context.Context, *solana.Transaction) (solana.Signature, error)
	ConfirmTransactionFunc func(context.Context, solana.Signature) error

	mu       sync.Mutex
	accounts map[solana.PublicKey]*sol.Account
	sent     []*solana.Transaction
	sigSeq   byte
}

// SetAccount stores an account served by GetAccount, GetAccounts and GetBalance. Nil removes it.
func (m *MockRPC) SetAccount(address solana.PublicKey, a *sol.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts == nil {
		m.accounts = make(map[solana.PublicKey]*sol.Account)
	}
	if a == nil {
		delete(m.accounts, address)
		return
	}
	a.Address = address
	m.accounts[address] = a
}

// Sent returns the transactions submitted through the default SendTransaction.
func (m *MockRPC) Sent() []*solana.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*solana.Transaction(nil), m.sent...)
}

func (m *MockRPC) GetSignatures(ctx context.Context, address solana.PublicKey, opts sol.SignaturesOpts) ([]sol.SignatureInfo, error) {
	if m.GetSignaturesFunc != nil {
		return m.GetSignaturesFunc(ctx, address, opts)
	}
	return nil, nil
}

func (m *MockRPC) GetTransaction(ctx context.Context, sig solana.Signature) (*sol.Transaction, error) {
	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(ctx, sig)
	}
	return nil, sol.ErrNotFound
}

func (m *MockRPC) GetAccount(ctx context.Context, address solana.PublicKey) (*sol.Account, error) {
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, address)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return nil, sol.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockRPC) GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*sol.Account, error) {
	if m.GetAccountsFunc != nil {
		return m.GetAccountsFunc(ctx, addresses)
	}
	out := make([]*sol.Account, len(addresses))
	for i, addr := range addresses {
		a, err := m.GetAccount(ctx, addr)
		if err == nil {
			out[i] = a
		}
	}
	return out, nil
}

func (m *MockRPC) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx, address)
	}
	a, err := m.GetAccount(ctx, address)
	if err != nil {
		return 0, nil
	}
	return a.Lamports, nil
}

func (m *MockRPC) GetMinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	if m.GetMinimumBalanceFunc != nil {
		return m.GetMinimumBalanceFunc(ctx, dataLen)
	}
	return RentExemptMinimum(dataLen), nil
}

func (m *MockRPC) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if m.GetLatestBlockhashFunc != nil {
		return m.GetLatestBlockhashFunc(ctx)
	}
	return solana.Hash{7}, nil
}

func (m *MockRPC) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if m.SendTransactionFunc != nil {
		return m.SendTransactionFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	m.sigSeq++
	return solana.Signature{m.sigSeq}, nil
}

func (m *MockRPC) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	if m.ConfirmTransactionFunc != nil {
		return m.ConfirmTransactionFunc(ctx, sig)
	}
	return nil
}

// RentExemptMinimum mirrors the cluster's rent formula: (128 + dataLen) * 3480 * 2.
func RentExemptMinimum(dataLen uint64) uint64 {
	return (128 + dataLen) * 3480 * 2
}

// TokenAccount returns a live token account with the given authority fields.
func TokenAccount(owner solana.PublicKey, closeAuthority *solana.PublicKey, amount uint64, lamports uint64) *sol.Account {
	return &sol.Account{
		Lamports: lamports,
		Owner:    solana.TokenProgramID,
		Data: sol.EncodeTokenAccount(sol.TokenAccount{
			Owner:          owner,
			Amount:         amount,
			State:          1,
			CloseAuthority: closeAuthority,
		}),
	}
}
