// Package treasury attributes treasury balance increases to accounts closed outside the agent.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

const DefaultWindow = 24 * time.Hour

// Store is the persistence surface used by the reconciler.
type Store interface {
	GetCheckpoint(ctx context.Context) (store.Checkpoint, error)
	SetTreasuryBalance(ctx context.Context, lamports uint64) error
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]store.Account, error)
	UpdateStatus(ctx context.Context, address solana.PublicKey, status store.Status) error
	UpdateAuthority(ctx context.Context, address solana.PublicKey, closeAuthority *solana.PublicKey, strategy sol.ReclaimStrategy) error
	SavePassiveReclaim(ctx context.Context, r store.PassiveReclaim) (store.PassiveReclaim, error)
}

type Config struct {
	Logger    *slog.Logger
	RPC       sol.RPC
	Store     Store
	Treasury  solana.PublicKey
	Tolerance uint64
	Window    time.Duration
	Clock     clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Treasury.IsZero() {
		return &sol.ConfigError{Field: "treasury", Err: errors.New("treasury is required")}
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Reconciler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// CheckForPassiveReclaims compares the treasury balance to the last recorded value and
// attributes any increase to recently closed accounts. Unchanged or decreased balances, and the
// first observation, only record the new balance.
func (r *Reconciler) CheckForPassiveReclaims(ctx context.Context) ([]store.PassiveReclaim, error) {
	current, err := r.cfg.RPC.GetBalance(ctx, r.cfg.Treasury)
	if err != nil {
		return nil, fmt.Errorf("treasury: failed to get balance: %w", err)
	}
	metrics.TreasuryBalanceLamports.Set(float64(current))

	cp, err := r.cfg.Store.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}

	if cp.TreasuryBalance == nil {
		r.log.Info("treasury: recording initial balance", "lamports", current)
		return nil, r.cfg.Store.SetTreasuryBalance(ctx, current)
	}
	previous := *cp.TreasuryBalance
	if current <= previous {
		r.log.Debug("treasury: balance unchanged or decreased", "previous", previous, "current", current)
		return nil, r.cfg.Store.SetTreasuryBalance(ctx, current)
	}

	delta := current - previous
	r.log.Info("treasury: balance increased", "previous", previous, "current", current, "delta", delta)

	match, err := r.correlate(ctx, delta)
	if err != nil {
		return nil, err
	}

	record, err := r.cfg.Store.SavePassiveReclaim(ctx, store.PassiveReclaim{
		Amount:             delta,
		AttributedAccounts: match.Accounts,
		Confidence:         match.Confidence,
	})
	if err != nil {
		return nil, err
	}
	metrics.PassiveReclaimsTotal.WithLabelValues(string(match.Confidence)).Inc()
	metrics.ReclaimedLamportsTotal.WithLabelValues("passive").Add(float64(delta))
	r.log.Info("treasury: passive reclaim recorded",
		"amount", delta, "confidence", match.Confidence, "accounts", len(match.Accounts))

	if err := r.cfg.Store.SetTreasuryBalance(ctx, current); err != nil {
		return nil, err
	}
	return []store.PassiveReclaim{record}, nil
}

func (r *Reconciler) correlate(ctx context.Context, delta uint64) (Match, error) {
	since := r.cfg.Clock.Now().Add(-r.cfg.Window)
	closed, err := r.cfg.Store.ListAccounts(ctx, store.AccountFilter{Status: store.StatusClosed, ClosedSince: &since})
	if err != nil {
		return Match{}, err
	}
	if m, ok := matchAmount(delta, closed, r.cfg.Tolerance); ok {
		return m, nil
	}

	found, err := r.probeActive(ctx, delta)
	if err != nil {
		return Match{}, err
	}
	if len(found) > 0 {
		// Newly observed closures are the most recent.
		closed = append(found, closed...)
		if m, ok := matchAmount(delta, closed, r.cfg.Tolerance); ok {
			return m, nil
		}
	}
	return fallback(closed), nil
}

// probeActive checks Active accounts whose recorded rent is near delta and marks any that are
// gone on-chain as Closed.
func (r *Reconciler) probeActive(ctx context.Context, delta uint64) ([]store.Account, error) {
	lo := uint64(0)
	if delta > r.cfg.Tolerance {
		lo = delta - r.cfg.Tolerance
	}
	candidates, err := r.cfg.Store.ListAccounts(ctx, store.AccountFilter{
		Status:  store.StatusActive,
		MinRent: lo,
		MaxRent: delta + r.cfg.Tolerance,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	r.log.Info("treasury: probing active candidates on-chain", "candidates", len(candidates))

	addresses := make([]solana.PublicKey, len(candidates))
	for i, c := range candidates {
		addresses[i] = c.Address
	}
	live, err := r.cfg.RPC.GetAccounts(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("treasury: failed to probe candidates: %w", err)
	}

	var found []store.Account
	for i, c := range candidates {
		if live[i] != nil && live[i].Lamports > 0 {
			continue
		}
		r.log.Info("treasury: account closed on-chain", "address", c.Address)
		if err := r.cfg.Store.UpdateStatus(ctx, c.Address, store.StatusClosed); err != nil {
			return nil, err
		}
		if err := r.cfg.Store.UpdateAuthority(ctx, c.Address, nil, sol.StrategyPassiveMonitoring); err != nil {
			return nil, err
		}
		c.Status = store.StatusClosed
		found = append(found, c)
	}
	return found, nil
}
