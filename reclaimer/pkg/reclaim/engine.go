// Package reclaim closes operator-controlled sponsored accounts and returns their rent to the treasury.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/utils/pkg/retry"
)

// Target names an account to reclaim and the type recorded for it at discovery.
type Target struct {
	Address     solana.PublicKey
	AccountType sol.AccountType
}

// Result is the outcome of a single reclaim. Signature is zero unless a transaction was submitted and confirmed.
type Result struct {
	Account   solana.PublicKey
	Signature solana.Signature
	Amount    uint64
	DryRun    bool
}

// Submitted reports whether a transaction was confirmed for this result.
func (r *Result) Submitted() bool {
	return !r.Signature.IsZero()
}

// SubmitError is a close transaction that could not be sent and confirmed, retries included.
type SubmitError struct {
	Address solana.PublicKey
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("reclaim: failed to submit close for %s: %v", e.Address, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsSubmitError reports whether err is a failed close submission.
func IsSubmitError(err error) bool {
	var se *SubmitError
	return errors.As(err, &se)
}

// Outcome pairs a target with its result or error.
type Outcome struct {
	Address solana.PublicKey
	Result  *Result
	Err     error
}

type EngineConfig struct {
	Logger   *slog.Logger
	RPC      sol.RPC
	Operator solana.PublicKey
	Treasury solana.PublicKey
	// Signers holds the private keys for the treasury (fee payer) and, if different, the operator.
	Signers []solana.PrivateKey
	DryRun  bool
	Retry   retry.Config
	Clock   clockwork.Clock
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Operator.IsZero() {
		return &sol.ConfigError{Field: "operator", Err: errors.New("operator is required")}
	}
	if cfg.Treasury.IsZero() {
		return &sol.ConfigError{Field: "treasury", Err: errors.New("treasury is required")}
	}
	if !cfg.DryRun {
		if !hasSigner(cfg.Signers, cfg.Treasury) {
			return &sol.ConfigError{Field: "treasury keypair", Err: errors.New("treasury private key is required to submit transactions")}
		}
		if !hasSigner(cfg.Signers, cfg.Operator) {
			return &sol.ConfigError{Field: "operator keypair", Err: errors.New("operator private key is required to sign close instructions")}
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retry.Always
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

func hasSigner(keys []solana.PrivateKey, pub solana.PublicKey) bool {
	for _, k := range keys {
		if k.PublicKey().Equals(pub) {
			return true
		}
	}
	return false
}

// Engine builds, signs and submits type-specific close transactions. It never mutates local state.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// ReclaimAccount re-verifies the account from live bytes and closes it into the treasury.
// A missing or empty account yields a zero-amount result without error.
func (e *Engine) ReclaimAccount(ctx context.Context, t Target) (*Result, error) {
	return e.reclaim(ctx, t, nil)
}

// BatchReclaim reclaims every target using one shared blockhash for first attempts. The returned
// error is set only when the shared blockhash fetch fails; per-account failures are in the outcomes.
func (e *Engine) BatchReclaim(ctx context.Context, targets []Target) ([]Outcome, error) {
	var blockhash *solana.Hash
	if !e.cfg.DryRun {
		h, err := e.cfg.RPC.GetLatestBlockhash(ctx)
		if err != nil {
			return nil, fmt.Errorf("reclaim: failed to fetch blockhash for batch: %w", err)
		}
		blockhash = &h
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, t := range targets {
		res, err := e.reclaim(ctx, t, blockhash)
		outcomes = append(outcomes, Outcome{Address: t.Address, Result: res, Err: err})
	}
	return outcomes, nil
}

func (e *Engine) reclaim(ctx context.Context, t Target, blockhash *solana.Hash) (*Result, error) {
	result := &Result{Account: t.Address, DryRun: e.cfg.DryRun}

	live, err := e.cfg.RPC.GetAccount(ctx, t.Address)
	if errors.Is(err, sol.ErrNotFound) {
		e.log.Info("reclaim: account already closed", "address", t.Address)
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim: failed to fetch account %s: %w", t.Address, err)
	}
	if live.Lamports == 0 {
		e.log.Info("reclaim: account has zero balance", "address", t.Address)
		return result, nil
	}

	liveType := sol.Classify(live.Owner, len(live.Data))
	if liveType != t.AccountType {
		e.log.Warn("reclaim: live classification differs from recorded type, using live",
			"address", t.Address, "recorded", t.AccountType, "live", liveType)
	}

	ix, err := e.closeInstruction(t.Address, live, liveType)
	if err != nil {
		metrics.ReclaimAttemptsTotal.WithLabelValues(kindLabel(liveType), "not_eligible").Inc()
		return nil, err
	}

	result.Amount = live.Lamports
	if e.cfg.DryRun {
		e.log.Info("reclaim: dry run, skipping submission", "address", t.Address, "lamports", live.Lamports)
		metrics.ReclaimAttemptsTotal.WithLabelValues(kindLabel(liveType), "dry_run").Inc()
		return result, nil
	}

	sig, err := e.submit(ctx, ix, blockhash)
	if err != nil {
		metrics.ReclaimAttemptsTotal.WithLabelValues(kindLabel(liveType), "error").Inc()
		return nil, &SubmitError{Address: t.Address, Err: err}
	}
	result.Signature = sig
	metrics.ReclaimAttemptsTotal.WithLabelValues(kindLabel(liveType), "success").Inc()
	metrics.ReclaimedLamportsTotal.WithLabelValues("active").Add(float64(result.Amount))
	e.log.Info("reclaim: account closed", "address", t.Address, "lamports", result.Amount, "signature", sig)
	return result, nil
}

// closeInstruction checks type-specific preconditions against live bytes and builds the close.
func (e *Engine) closeInstruction(address solana.PublicKey, live *sol.Account, liveType sol.AccountType) (solana.Instruction, error) {
	switch liveType.Kind {
	case sol.KindSystem:
		return nil, sol.NotEligible("account type System cannot be reclaimed: the operator cannot sign for a user-owned account")
	case sol.KindSplToken:
		tok, err := sol.ParseTokenAccount(live.Data)
		if err != nil {
			return nil, err
		}
		if tok.Amount != 0 {
			return nil, sol.NotEligible("token account still holds %d tokens", tok.Amount)
		}
		if tok.Frozen() {
			return nil, sol.NotEligible("token account is frozen")
		}
		if authority := tok.Authority(); !authority.Equals(e.cfg.Operator) {
			return nil, sol.NotEligible("operator is not the close authority (authority is %s)", authority)
		}
		return token.NewCloseAccountInstruction(address, e.cfg.Treasury, e.cfg.Operator, nil).Build(), nil
	case sol.KindOther:
		return nil, sol.NotEligible("account type %s cannot be reclaimed: no close instruction for program", liveType)
	default:
		return nil, sol.NotEligible("account type %s is not classified", liveType)
	}
}

// submit signs and sends the instruction, confirming it, with retry and exponential backoff.
// The first attempt uses blockhash when set; every later attempt fetches a fresh one.
func (e *Engine) submit(ctx context.Context, ix solana.Instruction, blockhash *solana.Hash) (solana.Signature, error) {
	cfg := e.cfg.Retry
	cfg.OnRetry = func(attempt int, backoff time.Duration, err error) {
		e.log.Warn("reclaim: submission failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}

	var sig solana.Signature
	first := true
	err := retry.Do(ctx, cfg, func() error {
		var recent solana.Hash
		if first && blockhash != nil {
			recent = *blockhash
		} else {
			h, err := e.cfg.RPC.GetLatestBlockhash(ctx)
			if err != nil {
				return err
			}
			recent = h
		}
		first = false

		tx, err := solana.NewTransaction([]solana.Instruction{ix}, recent, solana.TransactionPayer(e.cfg.Treasury))
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}
		if _, err := tx.Sign(e.signer); err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		s, err := e.cfg.RPC.SendTransaction(ctx, tx)
		if err != nil {
			return err
		}
		if err := e.cfg.RPC.ConfirmTransaction(ctx, s); err != nil {
			return err
		}
		sig = s
		return nil
	})
	return sig, err
}

func (e *Engine) signer(key solana.PublicKey) *solana.PrivateKey {
	for i := range e.cfg.Signers {
		if e.cfg.Signers[i].PublicKey().Equals(key) {
			return &e.cfg.Signers[i]
		}
	}
	return nil
}

func kindLabel(t sol.AccountType) string {
	switch t.Kind {
	case sol.KindSystem:
		return "system"
	case sol.KindSplToken:
		return "spl_token"
	case sol.KindOther:
		return "other"
	}
	return "unknown"
}
