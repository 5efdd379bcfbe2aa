// Package eligibility decides whether the operator can and should reclaim a sponsored account.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

const day = 24 * time.Hour

type Config struct {
	Logger          *slog.Logger
	RPC             sol.RPC
	Operator        solana.PublicKey
	MinInactiveDays int
	// Allowlist holds protected addresses; Denylist holds excluded ones. Neither is ever eligible.
	Allowlist []solana.PublicKey
	Denylist  []solana.PublicKey
	Clock     clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Operator.IsZero() {
		return errors.New("operator is required")
	}
	if cfg.MinInactiveDays < 0 {
		return errors.New("min inactive days must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Decision is the outcome of an eligibility evaluation.
type Decision struct {
	Eligible bool
	Reason   string
	// LiveType is the classification from live bytes, zero if the account was not fetched.
	LiveType sol.AccountType
	Lamports uint64
}

type Checker struct {
	log       *slog.Logger
	cfg       Config
	allowlist map[solana.PublicKey]struct{}
	denylist  map[solana.PublicKey]struct{}
}

func New(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Checker{
		log:       cfg.Logger,
		cfg:       cfg,
		allowlist: make(map[solana.PublicKey]struct{}, len(cfg.Allowlist)),
		denylist:  make(map[solana.PublicKey]struct{}, len(cfg.Denylist)),
	}
	for _, pk := range cfg.Allowlist {
		c.allowlist[pk] = struct{}{}
	}
	for _, pk := range cfg.Denylist {
		c.denylist[pk] = struct{}{}
	}
	return c, nil
}

func (c *Checker) window() time.Duration {
	return time.Duration(c.cfg.MinInactiveDays) * day
}

// IsEligible reports whether the account can be actively reclaimed now.
func (c *Checker) IsEligible(ctx context.Context, acct store.Account) (bool, error) {
	d, err := c.Evaluate(ctx, acct)
	return d.Eligible, err
}

// Reason returns the human-readable explanation of the eligibility decision.
func (c *Checker) Reason(ctx context.Context, acct store.Account) (string, error) {
	d, err := c.Evaluate(ctx, acct)
	return d.Reason, err
}

// Evaluate runs the eligibility checks in order, stopping at the first negative. Remote failures
// are returned as errors; every other negative outcome is a Decision with a reason.
func (c *Checker) Evaluate(ctx context.Context, acct store.Account) (Decision, error) {
	if _, ok := c.allowlist[acct.Address]; ok {
		return Decision{Reason: "account is allow-listed (protected)"}, nil
	}
	if _, ok := c.denylist[acct.Address]; ok {
		return Decision{Reason: "account is deny-listed (excluded)"}, nil
	}

	live, err := c.cfg.RPC.GetAccount(ctx, acct.Address)
	if errors.Is(err, sol.ErrNotFound) {
		return Decision{Reason: "account is closed (nothing to reclaim)"}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("eligibility: failed to fetch account %s: %w", acct.Address, err)
	}
	d := Decision{LiveType: c.classify(acct, live), Lamports: live.Lamports}
	if live.Lamports == 0 {
		d.Reason = "account has zero balance"
		return d, nil
	}

	if reason, ok := c.checkType(acct, live, d.LiveType); !ok {
		d.Reason = reason
		return d, nil
	}

	now := c.cfg.Clock.Now()
	window := c.window()
	if age := now.Sub(acct.CreatedAt); age <= window {
		remaining := int(math.Ceil(float64(window-age) / float64(day)))
		d.Reason = fmt.Sprintf("account needs %d more days of inactivity", max(remaining, 1))
		return d, nil
	}

	lastActive, err := c.lastActivity(ctx, acct.Address)
	if err != nil {
		return d, err
	}
	if lastActive != nil && now.Sub(*lastActive) <= window {
		d.Reason = fmt.Sprintf("account has recent activity (last active %s)", lastActive.UTC().Format(time.RFC3339))
		return d, nil
	}

	minimum, err := c.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, uint64(len(live.Data)))
	if err != nil {
		return d, fmt.Errorf("eligibility: failed to fetch rent-exempt minimum: %w", err)
	}
	if len(live.Data) > 0 && live.Lamports > 2*minimum {
		d.Reason = fmt.Sprintf("account holds %d lamports, above dust tolerance of %d", live.Lamports, 2*minimum)
		return d, nil
	}

	d.Eligible = true
	d.Reason = fmt.Sprintf("eligible for reclaim: inactive for %d days", int(now.Sub(acct.CreatedAt)/day))
	return d, nil
}

// classify derives the account type from live bytes, which decides over the discovery-time type.
func (c *Checker) classify(acct store.Account, live *sol.Account) sol.AccountType {
	liveType := sol.Classify(live.Owner, len(live.Data))
	if acct.AccountType.Kind != 0 && liveType != acct.AccountType {
		c.log.Warn("eligibility: live classification differs from discovery",
			"address", acct.Address, "discovered", acct.AccountType, "live", liveType)
	}
	return liveType
}

func (c *Checker) checkType(acct store.Account, live *sol.Account, liveType sol.AccountType) (string, bool) {
	switch liveType.Kind {
	case sol.KindSplToken:
		tok, err := sol.ParseTokenAccount(live.Data)
		if err != nil {
			return fmt.Sprintf("account data is not a valid token account: %v", err), false
		}
		authority := tok.Authority()
		if authority.Equals(c.cfg.Operator) {
			return "", true
		}
		if acct.CloseAuthority != nil && acct.CloseAuthority.Equals(c.cfg.Operator) {
			return "", true
		}
		return fmt.Sprintf("operator is not the close authority (authority is %s)", authority), false
	default:
		return fmt.Sprintf("account type %s cannot be reclaimed", liveType), false
	}
}

// lastActivity returns the block time of the most recent signature touching the address,
// nil if it has no history.
func (c *Checker) lastActivity(ctx context.Context, address solana.PublicKey) (*time.Time, error) {
	sigs, err := c.cfg.RPC.GetSignatures(ctx, address, sol.SignaturesOpts{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("eligibility: failed to fetch activity for %s: %w", address, err)
	}
	if len(sigs) == 0 {
		return nil, nil
	}
	if sigs[0].BlockTime != nil {
		return sigs[0].BlockTime, nil
	}
	t := sol.EstimateSlotTime(sigs[0].Slot)
	return &t, nil
}

// DetermineStrategy reads live bytes and derives the persisted strategy label and close authority.
// An absent account yields StrategyUnknown and sol.ErrNotFound.
func (c *Checker) DetermineStrategy(ctx context.Context, address solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error) {
	live, err := c.cfg.RPC.GetAccount(ctx, address)
	if err != nil {
		return sol.StrategyUnknown, nil, err
	}
	if live.Lamports == 0 {
		return sol.StrategyUnknown, nil, nil
	}
	liveType := sol.Classify(live.Owner, len(live.Data))
	switch liveType.Kind {
	case sol.KindSplToken:
		tok, err := sol.ParseTokenAccount(live.Data)
		if err != nil {
			return sol.StrategyUnknown, nil, err
		}
		authority := tok.Authority()
		if authority.Equals(c.cfg.Operator) {
			return sol.StrategyActiveReclaim, &authority, nil
		}
		return sol.StrategyPassiveMonitoring, &authority, nil
	default:
		return sol.StrategyUnrecoverable, nil, nil
	}
}
