// Package service composes discovery, eligibility, reclaim and reconciliation into the agent's
// operations and the automated loop.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/discovery"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/eligibility"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

const (
	DefaultInterval        = time.Hour
	DefaultSummaryInterval = 24 * time.Hour
)

// Store is the persistence surface used by the service.
type Store interface {
	GetCheckpoint(ctx context.Context) (store.Checkpoint, error)
	SetCheckpoint(ctx context.Context, lastSignature string, lastSlot uint64) error
	SetScanResume(ctx context.Context, before, signature string, slot uint64) error
	SetTreasuryBalance(ctx context.Context, lamports uint64) error
	UpsertAccount(ctx context.Context, a store.Account) (bool, error)
	ListAccounts(ctx context.Context, f store.AccountFilter) ([]store.Account, error)
	UpdateStatus(ctx context.Context, address solana.PublicKey, status store.Status) error
	UpdateRent(ctx context.Context, address solana.PublicKey, lamports uint64) error
	UpdateAuthority(ctx context.Context, address solana.PublicKey, closeAuthority *solana.PublicKey, strategy sol.ReclaimStrategy) error
	SaveReclaimOperation(ctx context.Context, op store.ReclaimOperation) (int64, error)
	Stats(ctx context.Context) (store.Stats, error)
}

type Discoverer interface {
	Discover(ctx context.Context, w discovery.Window, maxSignatures int) (*discovery.Result, error)
}

type Eligibility interface {
	Evaluate(ctx context.Context, acct store.Account) (eligibility.Decision, error)
	DetermineStrategy(ctx context.Context, address solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error)
}

type BatchReclaimer interface {
	ReclaimAllEligible(ctx context.Context, targets []reclaim.Target) reclaim.Summary
}

type Reconciler interface {
	CheckForPassiveReclaims(ctx context.Context) ([]store.PassiveReclaim, error)
}

// Notifier receives operator-facing events. Delivery failures are logged, never propagated.
type Notifier interface {
	NotifyReclaim(ctx context.Context, summary reclaim.Summary) error
	NotifyScan(ctx context.Context, inserted, eligible int) error
	NotifyPassive(ctx context.Context, records []store.PassiveReclaim) error
	NotifyError(ctx context.Context, stage string, err error) error
	NotifyDailySummary(ctx context.Context, stats store.Stats) error
}

type Config struct {
	Logger      *slog.Logger
	RPC         sol.RPC
	Store       Store
	Discoverer  Discoverer
	Eligibility Eligibility
	Batch       BatchReclaimer
	Reconciler  Reconciler
	Notifier    Notifier
	Treasury    solana.PublicKey

	MaxSignatures   int
	Interval        time.Duration
	SummaryInterval time.Duration
	DryRun          bool
	Clock           clockwork.Clock
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
	if cfg.Discoverer == nil {
		return errors.New("discoverer is required")
	}
	if cfg.Eligibility == nil {
		return errors.New("eligibility is required")
	}
	if cfg.Batch == nil {
		return errors.New("batch reclaimer is required")
	}
	if cfg.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if cfg.Treasury.IsZero() {
		return &sol.ConfigError{Field: "treasury", Err: errors.New("treasury is required")}
	}
	if cfg.MaxSignatures <= 0 {
		cfg.MaxSignatures = discovery.DefaultMaxSignatures
	}
	if cfg.Interval < 0 {
		return errors.New("interval must be non-negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = DefaultSummaryInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg Config

	lastSummary time.Time
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// Init records the current treasury balance as the reconciliation baseline.
func (s *Service) Init(ctx context.Context) (uint64, error) {
	balance, err := s.cfg.RPC.GetBalance(ctx, s.cfg.Treasury)
	if err != nil {
		return 0, err
	}
	if err := s.cfg.Store.SetTreasuryBalance(ctx, balance); err != nil {
		return 0, err
	}
	s.log.Info("service: treasury baseline recorded", "treasury", s.cfg.Treasury, "lamports", balance)
	return balance, nil
}

// CheckPassive runs one treasury reconciliation and reports any attributed increases.
func (s *Service) CheckPassive(ctx context.Context) ([]store.PassiveReclaim, error) {
	records, err := s.cfg.Reconciler.CheckForPassiveReclaims(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		if err := s.cfg.Notifier.NotifyPassive(ctx, records); err != nil {
			s.log.Warn("service: failed to send passive reclaim notification", "error", err)
		}
	}
	return records, nil
}

type nopNotifier struct{}

func (nopNotifier) NotifyReclaim(context.Context, reclaim.Summary) error        { return nil }
func (nopNotifier) NotifyScan(context.Context, int, int) error                  { return nil }
func (nopNotifier) NotifyPassive(context.Context, []store.PassiveReclaim) error { return nil }
func (nopNotifier) NotifyError(context.Context, string, error) error            { return nil }
func (nopNotifier) NotifyDailySummary(context.Context, store.Stats) error       { return nil }
