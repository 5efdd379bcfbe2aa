package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/discovery"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

type ScanResult struct {
	SignaturesScanned   int
	TransactionsSkipped int
	Discovered          int
	Inserted            int
	Incremental         bool
	Resumed             bool
	Truncated           bool
}

// Scan discovers accounts created since the checkpoint, or across recent history when there is
// none, persists new ones as Active and advances the checkpoint. On a discovery failure the
// accounts found so far are persisted but the checkpoint is left in place. An incremental scan
// that exhausts its signature budget before reaching the cursor records a resume point instead,
// and the next scan continues below it until the gap is closed.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	cp, err := s.cfg.Store.GetCheckpoint(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var w discovery.Window
	if cp.LastSignature != "" {
		sig, err := solana.SignatureFromBase58(cp.LastSignature)
		if err != nil {
			s.log.Warn("service: ignoring malformed checkpoint, running full scan",
				"error", &sol.ParseError{Input: cp.LastSignature, Err: err})
		} else {
			w.Until = sig
		}
	}
	head, headSlot := s.resumePoint(cp, &w)

	res, discoverErr := s.cfg.Discoverer.Discover(ctx, w, s.cfg.MaxSignatures)
	if res == nil {
		return ScanResult{}, discoverErr
	}
	out := ScanResult{
		SignaturesScanned:   res.SignaturesScanned,
		TransactionsSkipped: res.TransactionsSkipped,
		Discovered:          len(res.Accounts),
		Incremental:         !w.Until.IsZero(),
		Resumed:             !w.Before.IsZero(),
	}

	for _, acct := range res.Accounts {
		inserted, err := s.persistDiscovered(ctx, acct)
		if err != nil {
			return out, err
		}
		if inserted {
			out.Inserted++
		}
	}

	if discoverErr != nil {
		return out, discoverErr
	}
	if head.IsZero() {
		head, headSlot = res.NewestSignature, res.NewestSlot
	}
	switch {
	case out.Incremental && res.Truncated && !head.IsZero():
		if err := s.cfg.Store.SetScanResume(ctx, res.OldestSignature.String(), head.String(), headSlot); err != nil {
			return out, err
		}
		out.Truncated = true
		s.log.Warn("service: signature budget exhausted before reaching checkpoint, resuming next scan",
			"checkpoint", w.Until, "resumeBefore", res.OldestSignature, "maxSignatures", s.cfg.MaxSignatures)
	case !head.IsZero():
		if err := s.cfg.Store.SetCheckpoint(ctx, head.String(), headSlot); err != nil {
			return out, err
		}
	}
	s.log.Info("service: scan complete",
		"incremental", out.Incremental, "resumed", out.Resumed, "truncated", out.Truncated,
		"signatures", out.SignaturesScanned, "discovered", out.Discovered, "inserted", out.Inserted)
	return out, nil
}

// resumePoint applies a pending resume point to an incremental window and returns the signature
// the cursor advances to once the window is finished.
func (s *Service) resumePoint(cp store.Checkpoint, w *discovery.Window) (solana.Signature, uint64) {
	if w.Until.IsZero() || cp.ResumeBefore == "" {
		return solana.Signature{}, 0
	}
	before, err := solana.SignatureFromBase58(cp.ResumeBefore)
	if err != nil {
		s.log.Warn("service: ignoring malformed resume point", "error", &sol.ParseError{Input: cp.ResumeBefore, Err: err})
		return solana.Signature{}, 0
	}
	head, err := solana.SignatureFromBase58(cp.ResumeSignature)
	if err != nil {
		s.log.Warn("service: ignoring malformed resume point", "error", &sol.ParseError{Input: cp.ResumeSignature, Err: err})
		return solana.Signature{}, 0
	}
	w.Before = before
	return head, cp.ResumeSlot
}

func (s *Service) persistDiscovered(ctx context.Context, acct discovery.SponsoredAccount) (bool, error) {
	var rent uint64
	if acct.InitialBalance != nil {
		rent = *acct.InitialBalance
	} else {
		balance, err := s.cfg.RPC.GetBalance(ctx, acct.Address)
		if err != nil {
			s.log.Warn("service: failed to fetch balance for discovered account", "address", acct.Address, "error", err)
		}
		rent = balance
	}
	slot := acct.CreationSlot
	inserted, err := s.cfg.Store.UpsertAccount(ctx, store.Account{
		Address:           acct.Address,
		AccountType:       acct.AccountType,
		CreatedAt:         acct.CreationTime,
		RentLamports:      rent,
		DataSize:          acct.DataSize,
		Status:            store.StatusActive,
		CreationSignature: acct.CreationSignature.String(),
		CreationSlot:      &slot,
	})
	if err != nil {
		return false, fmt.Errorf("service: failed to persist %s: %w", acct.Address, err)
	}
	return inserted, nil
}

type StrategyResult struct {
	Analyzed   int
	Closed     int
	Failed     int
	ByStrategy map[sol.ReclaimStrategy]int
}

// AnalyzeStrategies re-derives the reclaim strategy of every Active account from live bytes.
// Accounts gone on-chain are marked Closed. Remote failures skip the account.
func (s *Service) AnalyzeStrategies(ctx context.Context) (StrategyResult, error) {
	accounts, err := s.cfg.Store.ListAccounts(ctx, store.AccountFilter{Status: store.StatusActive})
	if err != nil {
		return StrategyResult{}, err
	}
	out := StrategyResult{ByStrategy: make(map[sol.ReclaimStrategy]int)}
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		strategy, authority, err := s.cfg.Eligibility.DetermineStrategy(ctx, acct.Address)
		switch {
		case errors.Is(err, sol.ErrNotFound):
			if err := s.cfg.Store.UpdateStatus(ctx, acct.Address, store.StatusClosed); err != nil {
				return out, err
			}
			out.Closed++
		case err != nil:
			s.log.Warn("service: failed to determine strategy", "address", acct.Address, "error", err)
			out.Failed++
			continue
		}
		if err := s.cfg.Store.UpdateAuthority(ctx, acct.Address, authority, strategy); err != nil {
			return out, err
		}
		if acct.RentLamports == 0 {
			if err := s.backfillRent(ctx, acct.Address); err != nil {
				return out, err
			}
		}
		out.Analyzed++
		out.ByStrategy[strategy]++
	}
	s.log.Info("service: strategy analysis complete",
		"analyzed", out.Analyzed, "closed", out.Closed, "failed", out.Failed)
	return out, nil
}

// backfillRent records the live balance of an account whose rent was unknown when it was
// discovered. Remote failures leave it for the next pass.
func (s *Service) backfillRent(ctx context.Context, address solana.PublicKey) error {
	balance, err := s.cfg.RPC.GetBalance(ctx, address)
	if err != nil {
		s.log.Warn("service: failed to fetch balance for rent backfill", "address", address, "error", err)
		return nil
	}
	if balance == 0 {
		return nil
	}
	s.log.Debug("service: backfilled rent", "address", address, "lamports", balance)
	return s.cfg.Store.UpdateRent(ctx, address, balance)
}
